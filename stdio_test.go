package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
)

func TestStdIOServe(t *testing.T) {
	sessions := mcp.NewMemorySessionRegistry(0)
	srv := newTestServer(t, mcp.WithSessionRegistry(sessions))

	input := strings.Join([]string{
		initializeRequest(1, mcp.LatestProtocolVersion),
		initializedNotification,
		"",
		callToolRequest(2, "add", `{"a":40,"b":2}`),
		`{"jsonrpc":"2.0",`,
		`[` + callToolRequest(3, "divide", `{"a":1,"b":0}`) + `,{"jsonrpc":"2.0","method":"notifications/unknown"}]`,
	}, "\n")

	var out bytes.Buffer
	stdio := mcp.NewStdIO(srv, strings.NewReader(input), &out, mcp.WithStdIOLogger(discardLogger))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stdio.Serve(ctx); err != nil {
		t.Fatalf("expected Serve to end cleanly at EOF, got %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 reply lines, got %d: %q", len(lines), out.String())
	}

	var initResult mcp.InitializeResult
	decodeResult(t, decodeMessage(t, []byte(lines[0])), &initResult)
	if initResult.ServerInfo.Name != "test-server" {
		t.Errorf("unexpected server info %+v", initResult.ServerInfo)
	}

	var res mcp.CallToolResult
	decodeResult(t, decodeMessage(t, []byte(lines[1])), &res)
	if text := toolText(t, res); text != "42" {
		t.Errorf("expected 42, got %s", text)
	}

	expectErrorCode(t, decodeMessage(t, []byte(lines[2])), mcp.CodeParseError)

	var batch []mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(lines[3]), &batch); err != nil {
		t.Fatalf("expected a batch reply, got %s: %v", lines[3], err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 batch reply, got %d", len(batch))
	}
	decodeResult(t, batch[0], &res)
	if !res.IsError {
		t.Error("expected division by zero to be reported in-band")
	}

	if n, _ := sessions.Count(context.Background()); n != 0 {
		t.Errorf("expected the session to be closed when input ends, got %d sessions", n)
	}
}

func TestStdIOReinitializeReplacesSession(t *testing.T) {
	sessions := mcp.NewMemorySessionRegistry(0)
	srv := newTestServer(t, mcp.WithSessionRegistry(sessions))

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	stdio := mcp.NewStdIO(srv, inReader, outWriter, mcp.WithStdIOLogger(discardLogger))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		errs <- stdio.Serve(ctx)
	}()

	replies := bufio.NewReader(outReader)
	roundTrip := func(line string) mcp.JSONRPCMessage {
		t.Helper()
		if _, err := io.WriteString(inWriter, line+"\n"); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		reply, err := replies.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read reply: %v", err)
		}
		return decodeMessage(t, []byte(reply))
	}

	roundTrip(initializeRequest(1, mcp.LatestProtocolVersion))
	if n, _ := sessions.Count(ctx); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}

	roundTrip(initializeRequest(2, "2025-03-26"))
	if n, _ := sessions.Count(ctx); n != 1 {
		t.Fatalf("expected the old session to be replaced, got %d sessions", n)
	}

	// The new session isn't confirmed yet.
	msg := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	expectErrorCode(t, msg, mcp.CodeSessionNotReady)

	if _, err := io.WriteString(inWriter, initializedNotification+"\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	msg = roundTrip(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	if msg.Error != nil {
		t.Fatalf("expected tools/list to succeed, got %v", msg.Error)
	}

	cancel()
	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("expected nil error on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve didn't return after cancellation")
	}
	inWriter.Close()
	outReader.Close()

	if n, _ := sessions.Count(context.Background()); n != 0 {
		t.Errorf("expected the session to be closed on exit, got %d sessions", n)
	}
}
