package calculator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/calc-mcp"
)

type operands struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

var binarySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number", "description": "First number"},
		"b": {"type": "number", "description": "Second number"}
	},
	"required": ["a", "b"],
	"additionalProperties": false
}`)

var divideSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number", "description": "Dividend"},
		"b": {"type": "number", "description": "Divisor (cannot be zero)"}
	},
	"required": ["a", "b"],
	"additionalProperties": false
}`)

// Tools returns the definitions of the add, subtract, multiply and divide tools.
func Tools() []mcp.ToolDefinition {
	return []mcp.ToolDefinition{
		{
			Name:        "add",
			Description: "Add two numbers together",
			InputSchema: binarySchema,
			Handler: binaryHandler(func(a, b float64) (float64, error) {
				return Add(a, b), nil
			}),
		},
		{
			Name:        "subtract",
			Description: "Subtract second number from first number",
			InputSchema: binarySchema,
			Handler: binaryHandler(func(a, b float64) (float64, error) {
				return Subtract(a, b), nil
			}),
		},
		{
			Name:        "multiply",
			Description: "Multiply two numbers together",
			InputSchema: binarySchema,
			Handler: binaryHandler(func(a, b float64) (float64, error) {
				return Multiply(a, b), nil
			}),
		},
		{
			Name:        "divide",
			Description: "Divide first number by second number",
			InputSchema: divideSchema,
			Handler:     binaryHandler(Divide),
		},
	}
}

// NewToolRegistry builds the registry holding the calculator tools.
func NewToolRegistry() (*mcp.ToolRegistry, error) {
	return mcp.NewToolRegistry(Tools()...)
}

func binaryHandler(op func(a, b float64) (float64, error)) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (string, error) {
		var args operands
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", mcp.JSONRPCError{
				Code:    mcp.CodeInvalidParams,
				Message: fmt.Sprintf("failed to unmarshal arguments: %s", err),
			}
		}
		res, err := op(args.A, args.B)
		if err != nil {
			return "", err
		}
		return FormatResult(res), nil
	}
}
