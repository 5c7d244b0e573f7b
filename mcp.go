package mcp

import (
	"context"
	"time"
)

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	//
	// Failures that belong to the request itself, such as an unknown tool or arguments that don't
	// satisfy the tool's input schema, must be returned as a JSONRPCError so the caller receives a
	// protocol error. Any other error is treated as a failure of the tool and reported in-band as a
	// CallToolResult with IsError set.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	// Returns error if operation fails or context is cancelled.
	ListResources(context.Context, ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if resource not found, cannot be read, or context is cancelled.
	ReadResource(context.Context, ReadResourceParams) (ReadResourceResult, error)
}

// SessionRegistry stores the sessions the server hands out. A single registry is shared by every
// inbound request, so implementations must be safe for concurrent use, and every state change must
// be an atomic check-and-set against the stored session.
type SessionRegistry interface {
	// Create stores a new session. The session's ID must not be in use. Implementations that
	// enforce a capacity return ErrTooManySessions when it is reached.
	Create(ctx context.Context, sess Session) error

	// Get returns the session with the given ID, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (Session, error)

	// MarkReady moves the session from handshaking to ready and returns the updated session.
	// A session that is already ready is returned unchanged. Any other state yields
	// ErrInvalidTransition.
	MarkReady(ctx context.Context, id string) (Session, error)

	// Touch records activity on the session at the given time.
	Touch(ctx context.Context, id string, at time.Time) error

	// Delete removes the session and returns its final snapshot with the closed state.
	Delete(ctx context.Context, id string) (Session, error)

	// DeleteIdle removes every session whose last activity is before the given time, and returns
	// the removed IDs.
	DeleteIdle(ctx context.Context, before time.Time) ([]string, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)
}
