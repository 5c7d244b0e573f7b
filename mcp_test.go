package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
)

type operands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type mockResourceServer struct{}

// testClock is a settable time source for WithServerClock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

const operandsSchema = `{
	"type": "object",
	"properties": {
		"a": {"type": "number"},
		"b": {"type": "number"}
	},
	"required": ["a", "b"],
	"additionalProperties": false
}`

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (mockResourceServer) ListResources(context.Context, mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{{URI: "test://help", Name: "Help", MimeType: "text/plain"}},
	}, nil
}

func (mockResourceServer) ReadResource(_ context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	if params.URI != "test://help" {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    mcp.CodeResourceNotFound,
			Message: "resource not found: " + params.URI,
		}
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, MimeType: "text/plain", Text: "help text"}},
	}, nil
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func arithmeticHandler(op func(a, b float64) (float64, error)) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (string, error) {
		var args operands
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", err
		}
		res, err := op(args.A, args.B)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(res, 'g', -1, 64), nil
	}
}

func newTestToolRegistry(t *testing.T) *mcp.ToolRegistry {
	t.Helper()

	reg, err := mcp.NewToolRegistry(
		mcp.ToolDefinition{
			Name:        "add",
			Description: "Add two numbers",
			InputSchema: json.RawMessage(operandsSchema),
			Handler: arithmeticHandler(func(a, b float64) (float64, error) {
				return a + b, nil
			}),
		},
		mcp.ToolDefinition{
			Name:        "divide",
			Description: "Divide a by b",
			InputSchema: json.RawMessage(operandsSchema),
			Handler: arithmeticHandler(func(a, b float64) (float64, error) {
				if b == 0 {
					return 0, errors.New("division by zero is not allowed")
				}
				return a / b, nil
			}),
		},
		mcp.ToolDefinition{
			Name:        "explode",
			Description: "Always panics",
			Handler: func(context.Context, json.RawMessage) (string, error) {
				panic("boom")
			},
		},
		mcp.ToolDefinition{
			Name:        "reject",
			Description: "Always fails with a protocol error",
			Handler: func(context.Context, json.RawMessage) (string, error) {
				return "", mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "rejected"}
			},
		},
	)
	if err != nil {
		t.Fatalf("failed to create tool registry: %v", err)
	}
	return reg
}

func newTestServer(t *testing.T, options ...mcp.ServerOption) mcp.Server {
	t.Helper()

	opts := []mcp.ServerOption{
		mcp.WithToolServer(newTestToolRegistry(t)),
		mcp.WithResourceServer(mockResourceServer{}),
		mcp.WithInstructions("test instructions"),
		mcp.WithServerLogger(discardLogger),
	}
	return mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0.0"}, append(opts, options...)...)
}

// handle sends a raw payload and expects exactly one reply message.
func handle(t *testing.T, srv mcp.Server, sessionID, payload string) (mcp.JSONRPCMessage, mcp.Reply) {
	t.Helper()

	reply := srv.Handle(context.Background(), sessionID, []byte(payload))
	if len(reply.Messages) != 1 {
		t.Fatalf("expected 1 reply message for %s, got %d", payload, len(reply.Messages))
	}
	return reply.Messages[0], reply
}

func initializeSession(t *testing.T, srv mcp.Server) string {
	t.Helper()

	msg, reply := handle(t, srv, "", initializeRequest(1, mcp.LatestProtocolVersion))
	if msg.Error != nil {
		t.Fatalf("initialize failed: %v", msg.Error)
	}
	if reply.SessionID == "" {
		t.Fatal("expected initialize to create a session")
	}
	return reply.SessionID
}

// readySession performs the whole handshake and returns the session ID.
func readySession(t *testing.T, srv mcp.Server) string {
	t.Helper()

	sessionID := initializeSession(t, srv)
	reply := srv.Handle(context.Background(), sessionID, []byte(initializedNotification))
	if len(reply.Messages) != 0 {
		t.Fatalf("expected no reply to initialized notification, got %d", len(reply.Messages))
	}
	return sessionID
}

func initializeRequest(id int, version string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{`+
		`"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":"test-client","version":"0.1.0"}}}`,
		id, version)
}

const initializedNotification = `{"jsonrpc":"2.0","method":"notifications/initialized"}`

func callToolRequest(id int, name, arguments string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`,
		id, name, arguments)
}

func decodeResult(t *testing.T, msg mcp.JSONRPCMessage, v any) {
	t.Helper()

	if msg.Error != nil {
		t.Fatalf("expected result, got error: %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, v); err != nil {
		t.Fatalf("failed to unmarshal result %s: %v", msg.Result, err)
	}
}

func expectErrorCode(t *testing.T, msg mcp.JSONRPCMessage, code int) {
	t.Helper()

	if msg.Error == nil {
		t.Fatalf("expected error with code %d, got result %s", code, msg.Result)
	}
	if msg.Error.Code != code {
		t.Fatalf("expected error code %d, got %d (%s)", code, msg.Error.Code, msg.Error.Message)
	}
}

// errorData re-decodes the error data the way a client sees it on the wire.
func errorData(t *testing.T, msg mcp.JSONRPCMessage) map[string]any {
	t.Helper()

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	var wire struct {
		Error struct {
			Data map[string]any `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(bs, &wire); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return wire.Error.Data
}

func toolText(t *testing.T, res mcp.CallToolResult) string {
	t.Helper()

	if len(res.Content) != 1 || res.Content[0].Type != mcp.ContentTypeText {
		t.Fatalf("expected a single text content, got %+v", res.Content)
	}
	return res.Content[0].Text
}
