package calculator

import (
	"context"
	"fmt"

	"github.com/MegaGrindStone/calc-mcp"
)

// HelpURI is the URI of the help resource.
const HelpURI = "calculator://help"

const helpText = `Calculator MCP Server Help

Available tools:
- add: Add two numbers
- subtract: Subtract two numbers
- multiply: Multiply two numbers
- divide: Divide two numbers

Usage: Call tools with parameters {a: number, b: number}`

// HelpResources implements mcp.ResourceServer with a single text resource describing the tools.
type HelpResources struct{}

// ListResources implements mcp.ResourceServer interface.
func (HelpResources) ListResources(context.Context, mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{
			{
				URI:         HelpURI,
				Name:        "Calculator Help",
				Description: "Help documentation for the calculator",
				MimeType:    "text/plain",
			},
		},
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (HelpResources) ReadResource(_ context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	if params.URI != HelpURI {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    mcp.CodeResourceNotFound,
			Message: fmt.Sprintf("resource not found: %s", params.URI),
		}
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      HelpURI,
				MimeType: "text/plain",
				Text:     helpText,
			},
		},
	}, nil
}
