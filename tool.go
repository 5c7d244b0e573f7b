package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/qri-io/jsonschema"
)

// ToolHandler executes a tool with arguments that already satisfied the tool's input schema.
// The returned text becomes the single text content of the result. A returned error is a failure
// of the tool itself and is reported in-band, except for a JSONRPCError which is passed through as
// a protocol error.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (string, error)

// ToolDefinition describes one tool to register in a ToolRegistry.
type ToolDefinition struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema the call arguments are validated against.
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// ToolRegistry is an immutable ToolServer built from a fixed set of tool definitions. It
// validates call arguments against each tool's input schema before invoking the handler.
type ToolRegistry struct {
	tools  []registeredTool
	byName map[string]int
}

type registeredTool struct {
	tool    Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

var errToolHandlerMissing = errors.New("tool handler is nil")

// NewToolRegistry compiles the input schema of every definition and returns the registry. It
// fails on duplicate names, missing handlers and schemas that don't compile.
func NewToolRegistry(defs ...ToolDefinition) (*ToolRegistry, error) {
	r := &ToolRegistry{
		byName: make(map[string]int, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("tool name is empty")
		}
		if _, ok := r.byName[def.Name]; ok {
			return nil, fmt.Errorf("duplicate tool name %q", def.Name)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("tool %q: %w", def.Name, errToolHandlerMissing)
		}
		schemaBs := def.InputSchema
		if len(schemaBs) == 0 {
			schemaBs = json.RawMessage(`{"type":"object"}`)
		}
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(schemaBs, schema); err != nil {
			return nil, fmt.Errorf("tool %q: failed to compile input schema: %w", def.Name, err)
		}
		r.byName[def.Name] = len(r.tools)
		r.tools = append(r.tools, registeredTool{
			tool: Tool{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: schemaBs,
			},
			schema:  schema,
			handler: def.Handler,
		})
	}
	return r, nil
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.tool.Name)
	}
	sort.Strings(names)
	return names
}

// ListTools implements ToolServer. All tools fit in a single page.
func (r *ToolRegistry) ListTools(context.Context, ListToolsParams) (ListToolsResult, error) {
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.tool)
	}
	return ListToolsResult{Tools: tools}, nil
}

// CallTool implements ToolServer.
func (r *ToolRegistry) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if params.Name == "" {
		return CallToolResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: "missing tool name",
		}
	}
	idx, ok := r.byName[params.Name]
	if !ok {
		return CallToolResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
			Data:    methodNotFoundData{AvailableTools: r.Names()},
		}
	}
	t := r.tools[idx]

	args := bytes.TrimSpace(params.Arguments)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}

	keyErrs, err := t.schema.ValidateBytes(ctx, args)
	if err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid arguments for tool %s: %s", params.Name, err),
		}
	}
	if len(keyErrs) > 0 {
		verrs := make([]ValidationError, 0, len(keyErrs))
		for _, ke := range keyErrs {
			verrs = append(verrs, ValidationError{Path: ke.PropertyPath, Message: ke.Message})
		}
		return CallToolResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid arguments for tool %s", params.Name),
			Data:    validationErrorData{Tool: params.Name, Errors: verrs},
		}
	}

	text, err := t.handler(ctx, args)
	if err != nil {
		var jsonErr JSONRPCError
		if errors.As(err, &jsonErr) {
			return CallToolResult{}, jsonErr
		}
		return toolErrorResult(err), nil
	}

	return CallToolResult{
		Content: []Content{
			{
				Type: ContentTypeText,
				Text: text,
			},
		},
	}, nil
}

func toolErrorResult(err error) CallToolResult {
	return CallToolResult{
		Content: []Content{
			{
				Type: ContentTypeText,
				Text: fmt.Sprintf("Error: %s", err.Error()),
			},
		},
		IsError: true,
	}
}
