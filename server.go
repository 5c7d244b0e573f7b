package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) dispatcher. It validates inbound JSON-RPC
// envelopes, tracks each client session through its handshake, routes requests to the configured
// ToolServer and ResourceServer, and formats every outcome as a JSON-RPC response.
//
// Server doesn't own a transport. HTTPHandler and StdIO feed it raw payloads through Handle, and
// Serve runs the background expiry of idle sessions.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	sessions       SessionRegistry
	toolServer     ToolServer
	resourceServer ResourceServer
	metrics        *Metrics

	idleTimeout  time.Duration
	reapInterval time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Reply is the outcome of handling one inbound payload. Messages is empty when nothing must be
// written back, which is the case for notifications, client responses and batches made only of
// those.
type Reply struct {
	Messages []JSONRPCMessage
	// Batch reports whether the payload was a JSON array, so the reply must be one too.
	Batch bool
	// SessionID is set when an initialize request in the payload created a session.
	SessionID string
}

const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeNotification = "notification"
	outcomePanic        = "panic"
	outcomeRejected     = "rejected"

	toolLabelUnknown = "unknown"
)

var (
	defaultSessionIdleTimeout  = 30 * time.Minute
	defaultSessionReapInterval = time.Minute
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// Without WithSessionRegistry the server keeps its sessions in a MemorySessionRegistry.
func NewServer(info Info, options ...ServerOption) Server {
	s := Server{
		info:   info,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sessions == nil {
		s.sessions = NewMemorySessionRegistry(0)
	}
	if s.idleTimeout == 0 {
		s.idleTimeout = defaultSessionIdleTimeout
	}
	if s.reapInterval == 0 {
		s.reapInterval = defaultSessionReapInterval
	}

	s.capabilities = ServerCapabilities{}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithSessionRegistry returns a ServerOption that configures where sessions are stored.
func WithSessionRegistry(registry SessionRegistry) ServerOption {
	return func(s *Server) {
		s.sessions = registry
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithSessionIdleTimeout returns a ServerOption that configures how long a session may stay
// without activity before Serve deletes it.
func WithSessionIdleTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// WithSessionReapInterval returns a ServerOption that configures how often Serve looks for idle
// sessions.
func WithSessionReapInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.reapInterval = interval
	}
}

// WithMetrics returns a ServerOption that records request, tool and session metrics.
func WithMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerClock replaces the time source used for session timestamps and expiry.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "calc-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Info returns the server's name and version.
func (s Server) Info() Info {
	return s.info
}

// Capabilities returns the capabilities advertised in the initialize result.
func (s Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// ToolNames returns the names of the tools the server exposes.
func (s Server) ToolNames(ctx context.Context) []string {
	if s.toolServer == nil {
		return nil
	}
	res, err := s.toolServer.ListTools(ctx, ListToolsParams{})
	if err != nil {
		s.logger.Warn("failed to list tools", slog.String("err", err.Error()))
		return nil
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names
}

// toolLabel bounds the tool metric label to the registered tools.
func (s Server) toolLabel(ctx context.Context, name string) string {
	if slices.Contains(s.ToolNames(ctx), name) {
		return name
	}
	return toolLabelUnknown
}

// Serve runs the expiry of idle sessions until ctx is done. Sessions whose last activity is older
// than the idle timeout are deleted; clients using them receive a session-not-found error and
// must initialize again.
func (s Server) Serve(ctx context.Context) error {
	if n, err := s.sessions.Count(ctx); err == nil {
		s.metrics.setActiveSessions(n)
	}

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ReapIdleSessions(ctx); err != nil {
				s.logger.Error("failed to reap idle sessions", slog.String("err", err.Error()))
			}
		}
	}
}

// ReapIdleSessions deletes the sessions that exceeded the idle timeout and returns how many were
// deleted.
func (s Server) ReapIdleSessions(ctx context.Context) (int, error) {
	removed, err := s.sessions.DeleteIdle(ctx, s.now().Add(-s.idleTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	for _, id := range removed {
		s.logger.Info("session expired", slog.String("sessionID", id))
	}
	s.metrics.sessionsClosed(sessionCloseExpired, len(removed))
	return len(removed), nil
}

// Body encodes the reply for the wire: a single object, an array for batches, or nil when there
// is nothing to write.
func (r Reply) Body() ([]byte, error) {
	if len(r.Messages) == 0 {
		return nil, nil
	}
	if r.Batch {
		return json.Marshal(r.Messages)
	}
	return json.Marshal(r.Messages[0])
}

// Session returns the stored session with the given ID.
func (s Server) Session(ctx context.Context, id string) (Session, error) {
	return s.sessions.Get(ctx, id)
}

// CloseSession deletes the session with the given ID.
func (s Server) CloseSession(ctx context.Context, id string) (Session, error) {
	sess, err := s.sessions.Delete(ctx, id)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("session closed", slog.String("sessionID", id))
	s.metrics.sessionsClosed(sessionCloseDeleted, 1)
	return sess, nil
}

// Handle decodes one inbound payload, either a single envelope or a batch array, and dispatches
// it on behalf of the given session. The sessionID may be empty for clients that haven't
// initialized yet.
func (s Server) Handle(ctx context.Context, sessionID string, payload []byte) Reply {
	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		s.logger.Warn("failed to parse payload", slog.Int("size", len(payload)))
		s.metrics.observeRequest("", outcomeError, 0)
		return Reply{
			Messages: []JSONRPCMessage{errorMessage(nullID, JSONRPCError{
				Code:    CodeParseError,
				Message: "parse error",
			})},
		}
	}

	if trimmed[0] != '[' {
		reply, newSessionID := s.Dispatch(ctx, sessionID, trimmed)
		r := Reply{SessionID: newSessionID}
		if reply != nil {
			r.Messages = []JSONRPCMessage{*reply}
		}
		return r
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return Reply{
			Messages: []JSONRPCMessage{errorMessage(nullID, JSONRPCError{
				Code:    CodeParseError,
				Message: "parse error",
			})},
		}
	}
	if len(items) == 0 {
		return Reply{
			Messages: []JSONRPCMessage{errorMessage(nullID, JSONRPCError{
				Code:    CodeInvalidRequest,
				Message: "invalid request: empty batch",
			})},
		}
	}

	msgs, newSessionID := s.DispatchBatch(ctx, sessionID, items)
	return Reply{
		Messages:  msgs,
		Batch:     true,
		SessionID: newSessionID,
	}
}

// DispatchBatch dispatches the batch items one by one in array order. The replies keep the order
// of the items that produced one; notifications leave no slot. An initialize item binds the new
// session for the items that follow it. The returned ID is the last session created by the batch.
func (s Server) DispatchBatch(ctx context.Context, sessionID string, items []json.RawMessage) ([]JSONRPCMessage, string) {
	var replies []JSONRPCMessage
	var created string

	current := sessionID
	for _, item := range items {
		reply, newSessionID := s.Dispatch(ctx, current, item)
		if newSessionID != "" {
			current = newSessionID
			created = newSessionID
		}
		if reply != nil {
			replies = append(replies, *reply)
		}
	}
	return replies, created
}

// Dispatch decodes and dispatches a single envelope. It returns nil when the envelope must not be
// answered, and the ID of the session an initialize request created.
func (s Server) Dispatch(ctx context.Context, sessionID string, raw json.RawMessage) (*JSONRPCMessage, string) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("invalid request", slog.String("err", err.Error()))
		s.metrics.observeRequest("", outcomeError, 0)
		reply := errorMessage(nullID, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "invalid request",
		})
		return &reply, ""
	}
	return s.DispatchMessage(ctx, sessionID, msg)
}

// DispatchMessage dispatches an already decoded envelope. See Dispatch.
func (s Server) DispatchMessage(ctx context.Context, sessionID string, msg JSONRPCMessage) (*JSONRPCMessage, string) {
	start := time.Now()

	logger := s.logger
	if sessionID != "" {
		logger = logger.With(slog.String("sessionID", sessionID))
	}

	if msg.IsResponse() {
		s.handleResponse(ctx, sessionID, msg, logger)
		return nil, ""
	}

	if jsonErr := validateEnvelope(msg); jsonErr != nil {
		s.metrics.observeRequest(msg.Method, outcomeError, time.Since(start))
		if msg.IsNotification() {
			logger.Debug("dropping invalid notification",
				slog.String("method", msg.Method),
				slog.String("err", jsonErr.Message))
			return nil, ""
		}
		id := msg.ID
		if !id.valid() {
			id = nullID
		}
		reply := errorMessage(id, *jsonErr)
		return &reply, ""
	}

	if msg.IsNotification() {
		s.handleNotification(ctx, sessionID, msg, logger)
		s.metrics.observeRequest(msg.Method, outcomeNotification, time.Since(start))
		return nil, ""
	}

	result, newSessionID, err := s.handleRequest(ctx, sessionID, msg, logger)

	var reply JSONRPCMessage
	outcome := outcomeOK
	if err == nil {
		reply, err = resultMessage(msg.ID, result)
	}
	if err != nil {
		outcome = outcomeError
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			logger.Error("failed to handle request",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			jsonErr = JSONRPCError{
				Code:    CodeInternalError,
				Message: "internal error",
			}
		}
		reply = errorMessage(msg.ID, jsonErr)
	}

	s.metrics.observeRequest(msg.Method, outcome, time.Since(start))
	return &reply, newSessionID
}

func (s Server) handleRequest(
	ctx context.Context,
	sessionID string,
	msg JSONRPCMessage,
	logger *slog.Logger,
) (any, string, error) {
	switch msg.Method {
	case MethodInitialize:
		return s.initialize(ctx, msg, logger)
	case MethodPing:
		if sessionID != "" {
			// Ping is answered in every state, including for sessions that no longer exist.
			_ = s.sessions.Touch(ctx, sessionID, s.now())
		}
		return struct{}{}, "", nil
	case MethodToolsList, MethodToolsCall:
		if s.toolServer == nil {
			return nil, "", methodNotFound(msg.Method, nil)
		}
	case MethodResourcesList, MethodResourcesRead:
		if s.resourceServer == nil {
			return nil, "", methodNotFound(msg.Method, nil)
		}
	case methodPromptsList, methodPromptsGet:
		return nil, "", methodNotFound(msg.Method, &methodNotFoundData{
			Suggestion:     MethodToolsList,
			AvailableTools: s.ToolNames(ctx),
		})
	default:
		return nil, "", methodNotFound(msg.Method, nil)
	}

	if _, err := s.readySession(ctx, sessionID); err != nil {
		return nil, "", err
	}

	var result any
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg, logger)
	case MethodResourcesList:
		result, err = s.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	}
	return result, "", err
}

func (s Server) initialize(ctx context.Context, msg JSONRPCMessage, logger *slog.Logger) (any, string, error) {
	if len(msg.Params) == 0 {
		return nil, "", JSONRPCError{
			Code:    CodeInvalidParams,
			Message: "missing initialize params",
		}
	}
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, "", JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	if params.ProtocolVersion == "" {
		return nil, "", JSONRPCError{
			Code:    CodeInvalidParams,
			Message: "missing protocolVersion",
		}
	}

	version := params.ProtocolVersion
	if !supportedProtocolVersion(version) {
		logger.Info("client requested unsupported protocol version, answering with latest",
			slog.String("requested", version),
			slog.String("latest", LatestProtocolVersion))
		version = LatestProtocolVersion
	}

	now := s.now()
	sess, err := Session{
		ID:                 uuid.New().String(),
		ProtocolVersion:    version,
		ClientInfo:         params.ClientInfo,
		ClientCapabilities: params.Capabilities,
		CreatedAt:          now,
		LastSeen:           now,
	}.BeginHandshake()
	if err != nil {
		return nil, "", err
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrTooManySessions) {
			return nil, "", JSONRPCError{
				Code:    CodeTooManySessions,
				Message: "too many sessions, try again later",
			}
		}
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.sessionOpened()

	logger.Info("session created",
		slog.String("sessionID", sess.ID),
		slog.String("client", sess.ClientInfo.Name),
		slog.String("clientVersion", sess.ClientInfo.Version),
		slog.String("protocolVersion", version))

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, sess.ID, nil
}

func (s Server) handleNotification(ctx context.Context, sessionID string, msg JSONRPCMessage, logger *slog.Logger) {
	switch msg.Method {
	case MethodNotificationsInitialized:
		if sessionID == "" {
			logger.Warn("received initialized notification without session")
			return
		}
		sess, err := s.sessions.MarkReady(ctx, sessionID)
		if err != nil {
			logger.Warn("failed to mark session ready", slog.String("err", err.Error()))
			return
		}
		_ = s.sessions.Touch(ctx, sessionID, s.now())
		logger.Info("session ready", slog.String("protocolVersion", sess.ProtocolVersion))
	case MethodNotificationsCancelled:
		// Requests are answered before the next message is read, so there is nothing to cancel.
		var params notificationsCancelledParams
		_ = json.Unmarshal(msg.Params, &params)
		logger.Debug("ignoring cancellation", slog.String("requestID", params.RequestID.String()))
		s.touch(ctx, sessionID)
	default:
		logger.Debug("ignoring notification", slog.String("method", msg.Method))
		s.touch(ctx, sessionID)
	}
}

func (s Server) handleResponse(ctx context.Context, sessionID string, msg JSONRPCMessage, logger *slog.Logger) {
	if msg.Error != nil {
		logger.Warn("received error response from client",
			slog.String("id", msg.ID.String()),
			slog.String("err", msg.Error.Error()))
	} else {
		logger.Debug("received response from client", slog.String("id", msg.ID.String()))
	}
	s.touch(ctx, sessionID)
}

func (s Server) touch(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.sessions.Touch(ctx, sessionID, s.now()); err != nil && !errors.Is(err, ErrSessionNotFound) {
		s.logger.Warn("failed to touch session",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
}

func (s Server) readySession(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, JSONRPCError{
			Code:    CodeSessionNotReady,
			Message: "session not initialized: send initialize first",
			Data:    sessionStateData{State: SessionStateNew.String()},
		}
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, sessionNotFound(sessionID)
		}
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.State != SessionStateReady {
		return sess, JSONRPCError{
			Code:    CodeSessionNotReady,
			Message: "session not ready: send notifications/initialized first",
			Data:    sessionStateData{State: sess.State.String()},
		}
	}

	s.touch(ctx, sessionID)
	return sess, nil
}

func (s Server) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	var params ListToolsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListToolsResult{}, err
	}
	return s.toolServer.ListTools(ctx, params)
}

func (s Server) callCallTool(ctx context.Context, msg JSONRPCMessage, logger *slog.Logger) (result any, err error) {
	var params CallToolParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked",
				slog.String("tool", params.Name),
				slog.Any("panic", r))
			s.metrics.observeToolCall(params.Name, outcomePanic)
			result = nil
			err = JSONRPCError{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("tool %s failed unexpectedly", params.Name),
			}
		}
	}()

	res, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			s.metrics.observeToolCall(s.toolLabel(ctx, params.Name), outcomeRejected)
			return nil, jsonErr
		}
		res = toolErrorResult(err)
	}

	outcome := outcomeOK
	if res.IsError {
		outcome = outcomeError
		logger.Info("tool reported an error", slog.String("tool", params.Name))
	}
	s.metrics.observeToolCall(params.Name, outcome)

	return res, nil
}

func (s Server) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	var params ListResourcesParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListResourcesResult{}, err
	}
	return s.resourceServer.ListResources(ctx, params)
}

func (s Server) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	var params ReadResourceParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ReadResourceResult{}, err
	}
	if params.URI == "" {
		return ReadResourceResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: "missing resource uri",
		}
	}
	return s.resourceServer.ReadResource(ctx, params)
}

func validateEnvelope(msg JSONRPCMessage) *JSONRPCError {
	if msg.JSONRPC != JSONRPCVersion {
		return &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("invalid request: jsonrpc must be %q", JSONRPCVersion),
		}
	}
	if msg.Method == "" {
		return &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "invalid request: missing method",
		}
	}
	if len(msg.ID) > 0 && !msg.ID.valid() {
		return &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "invalid request: id must be a string, a number or null",
		}
	}
	if params := bytes.TrimSpace(msg.Params); len(params) > 0 {
		switch params[0] {
		case '{', '[', 'n':
		default:
			return &JSONRPCError{
				Code:    CodeInvalidRequest,
				Message: "invalid request: params must be an object or an array",
			}
		}
	}
	return nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	return nil
}

func methodNotFound(method string, data *methodNotFoundData) JSONRPCError {
	jsonErr := JSONRPCError{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method not found: %s", method),
	}
	if data != nil {
		jsonErr.Data = data
	}
	return jsonErr
}

func sessionNotFound(sessionID string) JSONRPCError {
	return JSONRPCError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session not found: %s, send initialize to start a new session", sessionID),
	}
}
