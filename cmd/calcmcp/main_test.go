package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
	"github.com/MegaGrindStone/calc-mcp/internal/config"
	prompt "github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.close)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)
	return srv
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "v", entry["k"])

	buf.Reset()
	logger, err = newLogger(config.LogConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = newLogger(config.LogConfig{Level: "chatty"}, &buf)
	assert.Error(t, err)
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cmd := newServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--transport", "stdio", "--log-level", "debug"}))

	opts := serveOpts{transport: "stdio", logLevel: "debug", addr: "ignored"}
	cfg := config.Default()
	opts.apply(cmd, cfg)

	assert.Equal(t, config.TransportStdIO, cfg.Server.Transport)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "unset flags keep the configured value")
}

func TestConfigCommand(t *testing.T) {
	out, err := runCommand(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "name: calculator-server")

	path := filepath.Join(t.TempDir(), "calcmcp.yaml")
	out, err = runCommand(t, "config", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestAppRoutes(t *testing.T) {
	srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "calculator-server/1.0.0", resp.Header.Get(mcp.ServerHeader))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Serve a request first so the request counter has a sample.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := clientOpts{url: srv.URL + "/mcp", timeout: time.Second}.connect(ctx)
	require.NoError(t, err)
	defer client.Close(ctx)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "calcmcp_sessions_created_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAppWithoutMetrics(t *testing.T) {
	srv := newTestApp(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppWithBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	srv := newTestApp(t, func(cfg *config.Config) {
		cfg.Session.Store = config.StoreBolt
		cfg.Session.BoltPath = path
	})

	out, err := runCommand(t, "call", "multiply", "6", "7", "--url", srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestToolsAndCallCommands(t *testing.T) {
	srv := newTestApp(t, nil)
	url := srv.URL + "/mcp"

	out, err := runCommand(t, "tools", "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	for _, name := range []string{"add", "subtract", "multiply", "divide"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "a:number, b:number")

	out, err = runCommand(t, "call", "divide", "10", "4", "--url", url)
	require.NoError(t, err)
	assert.Equal(t, "2.5\n", out)

	out, err = runCommand(t, "call", "divide", "1", "0", "--url", url)
	assert.ErrorIs(t, err, errToolFailed)
	assert.Equal(t, "Error: division by zero is not allowed\n", out)

	_, err = runCommand(t, "call", "add", "one", "2", "--url", url)
	assert.ErrorContains(t, err, `invalid number "one"`)

	_, err = runCommand(t, "call", "add", "1", "--url", url)
	assert.Error(t, err)
}

func TestDescribeParams(t *testing.T) {
	assert.Equal(t, "a:number, b:number", describeParams(json.RawMessage(
		`{"type":"object","properties":{"b":{"type":"number"},"a":{"type":"number"}},"required":["a","b"]}`)))
	assert.Equal(t, "limit:integer?", describeParams(json.RawMessage(
		`{"type":"object","properties":{"limit":{"type":"integer"}}}`)))
	assert.Equal(t, "-", describeParams(json.RawMessage(`{"type":"object"}`)))
	assert.Equal(t, "-", describeParams(json.RawMessage(`not json`)))
}

func TestCompleter(t *testing.T) {
	complete := func(text string) []string {
		buf := prompt.NewBuffer()
		buf.InsertText(text, false, true)
		var names []string
		for _, s := range completer(*buf.Document()) {
			names = append(names, s.Text)
		}
		return names
	}

	assert.Equal(t, []string{"divide"}, complete("di"))
	assert.ElementsMatch(t, []string{"subtract"}, complete("SUB"))
	assert.Len(t, complete(""), len(replSuggestions))
	assert.Empty(t, complete("add 1"))
}

func TestReplExecute(t *testing.T) {
	srv := newTestApp(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := clientOpts{url: srv.URL + "/mcp", timeout: time.Second}.connect(ctx)
	require.NoError(t, err)
	defer client.Close(ctx)

	var out bytes.Buffer
	sess := &replSession{ctx: ctx, client: client, out: &out, timeout: time.Second}

	run := func(line string) string {
		out.Reset()
		sess.execute(line)
		return out.String()
	}

	assert.Equal(t, "5\n", run("add 2 3"))
	assert.Equal(t, "-1\n", run("Subtract 2 3"))
	assert.Equal(t, "Error: division by zero is not allowed\n", run("divide 1 0"))
	assert.Equal(t, "pong\n", run("ping"))
	assert.Contains(t, run("tools"), "multiply")
	assert.Contains(t, run("help"), "Calculator MCP Server Help")
	assert.Contains(t, run("add 1"), "Error:")
	assert.Contains(t, run("modulo 1 2"), "Error:")
	assert.Empty(t, run("   "))
	assert.False(t, sess.quit)

	run("exit")
	assert.True(t, sess.quit)
}

func TestReplReconnectsAfterSessionLoss(t *testing.T) {
	srv := newTestApp(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := clientOpts{url: srv.URL + "/mcp", timeout: time.Second}.connect(ctx)
	require.NoError(t, err)
	defer client.Close(ctx)

	var out bytes.Buffer
	sess := &replSession{ctx: ctx, client: client, out: &out, timeout: time.Second}

	expired := client.SessionID()
	deleteSession(t, srv.URL+"/mcp", expired)

	sess.execute("add 1 2")
	assert.Contains(t, out.String(), "Reconnected")
	assert.True(t, strings.HasSuffix(out.String(), "3\n"), "got %q", out.String())
	assert.NotEqual(t, expired, client.SessionID())

	out.Reset()
	sess.execute("multiply 2 3")
	assert.Equal(t, "6\n", out.String())
}

// deleteSession removes the session on the server behind the client's back.
func deleteSession(t *testing.T, url, sessionID string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	req.Header.Set(mcp.SessionIDHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
