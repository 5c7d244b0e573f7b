package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gobwas/glob"
)

// HTTPHandler serves the streamable HTTP binding of the protocol on a single endpoint:
//   - POST carries one JSON-RPC message or a batch array, answered in the response body
//   - GET opens the server event stream of an existing session
//   - DELETE terminates a session
//   - OPTIONS answers CORS preflight requests
//
// The session is identified by the Mcp-Session-Id header, which the server sets on the response
// to the initialize request.
type HTTPHandler struct {
	server Server

	endpoint          string
	originPatterns    []string
	allowedOrigins    []glob.Glob
	maxBodyBytes      int64
	keepAliveInterval time.Duration

	logger *slog.Logger
}

// HTTPHandlerOption represents the options for the HTTPHandler.
type HTTPHandlerOption func(*HTTPHandler)

type serverInfoDocument struct {
	Name                      string             `json:"name"`
	Version                   string             `json:"version"`
	Protocol                  string             `json:"protocol"`
	ProtocolVersion           string             `json:"protocolVersion"`
	SupportedProtocolVersions []string           `json:"supportedProtocolVersions"`
	Transport                 string             `json:"transport"`
	Endpoint                  string             `json:"endpoint"`
	Capabilities              ServerCapabilities `json:"capabilities"`
	Tools                     []string           `json:"tools"`
}

const (
	// SessionIDHeader carries the session ID between client and server.
	SessionIDHeader = "Mcp-Session-Id"
	// ProtocolVersionHeader advertises the newest protocol revision the server speaks.
	ProtocolVersionHeader = "X-MCP-Protocol-Version"
	// ServerHeader identifies the server implementation as name/version.
	ServerHeader = "X-MCP-Server"

	allowedMethods = "GET, POST, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Accept, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID"
)

var (
	defaultHTTPEndpoint          = "/mcp"
	defaultHTTPMaxBodyBytes      = int64(1 << 20)
	defaultHTTPKeepAliveInterval = 30 * time.Second
)

// NewHTTPHandler creates the HTTP binding for server. It fails when an allowed origin pattern
// doesn't compile.
func NewHTTPHandler(server Server, options ...HTTPHandlerOption) (HTTPHandler, error) {
	h := HTTPHandler{
		server: server,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&h)
	}
	if h.endpoint == "" {
		h.endpoint = defaultHTTPEndpoint
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultHTTPMaxBodyBytes
	}
	if h.keepAliveInterval <= 0 {
		h.keepAliveInterval = defaultHTTPKeepAliveInterval
	}
	for _, p := range h.originPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return HTTPHandler{}, fmt.Errorf("invalid allowed origin pattern %q: %w", p, err)
		}
		h.allowedOrigins = append(h.allowedOrigins, g)
	}
	return h, nil
}

// WithAllowedOrigins returns an HTTPHandlerOption that restricts browser origins to the given
// glob patterns, such as "https://*.example.com" or "*". Without it, the Origin header is not
// checked and no CORS origin is granted.
func WithAllowedOrigins(patterns ...string) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

// WithEndpoint returns an HTTPHandlerOption that sets the path the handler is mounted on. It
// is only reported by the server info document.
func WithEndpoint(path string) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		h.endpoint = path
	}
}

// WithMaxBodyBytes returns an HTTPHandlerOption that limits the size of POST bodies.
func WithMaxBodyBytes(n int64) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		h.maxBodyBytes = n
	}
}

// WithKeepAliveInterval returns an HTTPHandlerOption that sets how often the event stream pings
// the client and checks that the session still exists.
func WithKeepAliveInterval(interval time.Duration) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		h.keepAliveInterval = interval
	}
}

// WithHTTPLogger sets the logger for the HTTP handler.
func WithHTTPLogger(logger *slog.Logger) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		h.logger = logger.With(
			slog.String("package", "calc-mcp"),
			slog.String("component", "http"),
		)
	}
}

// ServeHTTP implements http.Handler.
func (h HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.applyCORS(w, r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	h.setServerHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		writeJSONError(w, http.StatusMethodNotAllowed, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		})
	}
}

// HandleInfo returns an http.Handler that describes the server: name, version, protocol
// revisions, capabilities and tool names.
func (h HTTPHandler) HandleInfo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.applyCORS(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		h.setServerHeaders(w)

		info := h.server.Info()
		doc := serverInfoDocument{
			Name:                      info.Name,
			Version:                   info.Version,
			Protocol:                  "mcp",
			ProtocolVersion:           LatestProtocolVersion,
			SupportedProtocolVersions: SupportedProtocolVersions,
			Transport:                 "streamable-http",
			Endpoint:                  h.endpoint,
			Capabilities:              h.server.Capabilities(),
			Tools:                     h.server.ToolNames(r.Context()),
		}
		writeJSON(w, http.StatusOK, doc)
	})
}

// HandleHealth returns an http.Handler reporting liveness.
func (h HTTPHandler) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.logger.Warn("request body too large", slog.Int64("limit", maxErr.Limit))
			writeJSONError(w, http.StatusRequestEntityTooLarge, JSONRPCError{
				Code:    CodeInvalidRequest,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			})
			return
		}
		h.logger.Warn("failed to read request body", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, JSONRPCError{
			Code:    CodeParseError,
			Message: "failed to read request body",
		})
		return
	}

	reply := h.server.Handle(r.Context(), r.Header.Get(SessionIDHeader), body)
	if reply.SessionID != "" {
		w.Header().Set(SessionIDHeader, reply.SessionID)
	}

	if len(reply.Messages) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if !reply.Batch {
		if jsonErr := reply.Messages[0].Error; jsonErr != nil {
			switch jsonErr.Code {
			case CodeParseError:
				status = http.StatusBadRequest
			case CodeSessionNotFound:
				status = http.StatusNotFound
			}
		}
	}

	bs, err := reply.Body()
	if err != nil {
		h.logger.Error("failed to marshal reply", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, JSONRPCError{
			Code:    CodeInternalError,
			Message: "internal error",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(bs); err != nil {
		h.logger.Warn("failed to write reply", slog.String("err", err.Error()))
	}
}

func (h HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("missing %s header", SessionIDHeader),
		})
		return
	}

	if _, err := h.server.CloseSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, sessionNotFound(sessionID))
			return
		}
		h.logger.Error("failed to close session",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, JSONRPCError{
			Code:    CodeInternalError,
			Message: "internal error",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyCORS sets the CORS headers and reports whether the request origin is allowed.
func (h HTTPHandler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}

	allowed := false
	for _, g := range h.allowedOrigins {
		if g.Match(origin) {
			allowed = true
			break
		}
	}
	if !allowed {
		h.logger.Warn("rejected request from origin", slog.String("origin", origin))
		return false
	}

	header := w.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Add("Vary", "Origin")
	header.Set("Access-Control-Allow-Methods", allowedMethods)
	header.Set("Access-Control-Allow-Headers", allowedHeaders)
	header.Set("Access-Control-Expose-Headers", SessionIDHeader)
	header.Set("Access-Control-Max-Age", "86400")
	return true
}

func (h HTTPHandler) setServerHeaders(w http.ResponseWriter) {
	info := h.server.Info()
	w.Header().Set(ServerHeader, fmt.Sprintf("%s/%s", info.Name, info.Version))
	w.Header().Set(ProtocolVersionHeader, LatestProtocolVersion)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, jsonErr JSONRPCError) {
	writeJSON(w, status, errorMessage(nullID, jsonErr))
}
