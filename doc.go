// Package mcp implements a session-tracked Model Context Protocol (MCP) server and client over
// JSON-RPC 2.0.
//
// The Server type is a transport-agnostic dispatcher: it validates inbound envelopes, drives the
// per-session handshake (initialize, then notifications/initialized), routes tool and resource
// methods to the configured ToolServer and ResourceServer, and formats every outcome as a
// JSON-RPC response. Session state lives behind the SessionRegistry interface, so the in-memory
// registry shipped here can be swapped for a persistent one.
//
// Two transports bind the dispatcher to the outside world: HTTPHandler serves the streamable
// HTTP binding (POST for messages, GET for the server event stream, DELETE for teardown) and
// StdIO serves newline-delimited messages over a reader and writer pair. Client speaks the HTTP
// binding from the other side.
package mcp
