package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/MegaGrindStone/calc-mcp"
)

func TestNewToolRegistryRejectsInvalidDefinitions(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (string, error) { return "", nil }

	testCases := map[string][]mcp.ToolDefinition{
		"empty name":      {{Name: "", Handler: noop}},
		"missing handler": {{Name: "a"}},
		"duplicate name":  {{Name: "a", Handler: noop}, {Name: "a", Handler: noop}},
		"broken schema":   {{Name: "a", Handler: noop, InputSchema: json.RawMessage(`{"type":`)}},
	}

	for name, defs := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := mcp.NewToolRegistry(defs...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestToolRegistryListTools(t *testing.T) {
	reg := newTestToolRegistry(t)

	res, err := reg.ListTools(context.Background(), mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if res.NextCursor != "" {
		t.Errorf("expected a single page, got cursor %q", res.NextCursor)
	}

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s: expected an input schema", tool.Name)
		}
	}
	if want := []string{"add", "divide", "explode", "reject"}; !reflect.DeepEqual(names, want) {
		t.Errorf("expected registration order %v, got %v", want, names)
	}

	explode := res.Tools[2]
	if string(explode.InputSchema) != `{"type":"object"}` {
		t.Errorf("expected default object schema, got %s", explode.InputSchema)
	}

	if want := []string{"add", "divide", "explode", "reject"}; !reflect.DeepEqual(reg.Names(), want) {
		t.Errorf("expected names %v, got %v", want, reg.Names())
	}
}

func TestToolRegistryCallTool(t *testing.T) {
	reg := newTestToolRegistry(t)
	ctx := context.Background()

	res, err := reg.CallTool(ctx, mcp.CallToolParams{Name: "add", Arguments: json.RawMessage(`{"a":0.1,"b":0.2}`)})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if text := toolText(t, res); text != "0.30000000000000004" {
		t.Errorf("expected shortest float text, got %s", text)
	}

	res, err = reg.CallTool(ctx, mcp.CallToolParams{Name: "divide", Arguments: json.RawMessage(`{"a":1,"b":0}`)})
	if err != nil {
		t.Fatalf("expected tool failure in-band, got %v", err)
	}
	if !res.IsError {
		t.Error("expected isError")
	}

	_, err = reg.CallTool(ctx, mcp.CallToolParams{Name: "add", Arguments: json.RawMessage(`{"a":true,"b":1}`)})
	var jsonErr mcp.JSONRPCError
	if !errors.As(err, &jsonErr) || jsonErr.Code != mcp.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", err)
	}

	_, err = reg.CallTool(ctx, mcp.CallToolParams{Name: "missing"})
	if !errors.As(err, &jsonErr) || jsonErr.Code != mcp.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", err)
	}

	// Absent arguments are validated as an empty object.
	res, err = reg.CallTool(ctx, mcp.CallToolParams{Name: "reject"})
	if !errors.As(err, &jsonErr) || jsonErr.Message != "rejected" {
		t.Fatalf("expected handler error to pass through, got %v, %+v", err, res)
	}
}
