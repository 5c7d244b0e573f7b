package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client speaking the streamable HTTP binding.
// It performs the initialize handshake, keeps the session ID the server assigned, and exposes
// the tool and resource methods.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed, which terminates the session on the server.
type Client struct {
	url             string
	httpClient      *http.Client
	info            Info
	protocolVersion string
	requestTimeout  time.Duration
	maxEventSize    int
	logger          *slog.Logger

	mu         sync.Mutex
	sessionID  string
	initResult InitializeResult
}

var defaultClientRequestTimeout = 30 * time.Second

// NewClient creates a client for the MCP endpoint at url, identifying itself with info.
func NewClient(url string, info Info, options ...ClientOption) *Client {
	c := &Client{
		url:             url,
		httpClient:      http.DefaultClient,
		info:            info,
		protocolVersion: LatestProtocolVersion,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	return c
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientProtocolVersion sets the protocol revision requested during initialize.
func WithClientProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithClientRequestTimeout sets the timeout applied to requests the client sends on its own,
// such as answers to server pings.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientMaxEventSize sets the maximum size of an event read from the server event stream.
func WithClientMaxEventSize(size int) ClientOption {
	return func(c *Client) {
		c.maxEventSize = size
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "calc-mcp"),
			slog.String("component", "client"),
		)
	}
}

// Connect performs the initialize handshake: it sends the initialize request, stores the session
// ID from the response header, and confirms with the initialized notification. After Connect
// returns successfully the session is ready for tool calls.
func (c *Client) Connect(ctx context.Context) (InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.info,
	}

	var result InitializeResult
	sessionID, err := c.call(ctx, "", MethodInitialize, params, &result)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}
	if sessionID == "" {
		return InitializeResult{}, fmt.Errorf("server didn't return the %s header", SessionIDHeader)
	}
	if !supportedProtocolVersion(result.ProtocolVersion) {
		return InitializeResult{}, fmt.Errorf("unsupported protocol version: %s", result.ProtocolVersion)
	}

	if err := c.notify(ctx, sessionID, MethodNotificationsInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to confirm initialization: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.initResult = result
	c.mu.Unlock()

	c.logger.Info("connected",
		slog.String("sessionID", sessionID),
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))

	return result, nil
}

// SessionID returns the session ID assigned by the server, or an empty string before Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ServerInfo returns the server's name and version received during Connect.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult.ServerInfo
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	var result struct{}
	_, err := c.call(ctx, c.SessionID(), MethodPing, nil, &result)
	return err
}

// ListTools returns the tools exposed by the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	sessionID, err := c.readySessionID()
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if _, err := c.call(ctx, sessionID, MethodToolsList, ListToolsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool executes the named tool with the given arguments, which must marshal to a JSON object.
// A tool failure is not an error: it is reported through the IsError field of the result.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (CallToolResult, error) {
	sessionID, err := c.readySessionID()
	if err != nil {
		return CallToolResult{}, err
	}
	argsBs, err := json.Marshal(arguments)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	var result CallToolResult
	if _, err := c.call(ctx, sessionID, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: argsBs,
	}, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListResources returns the resources exposed by the server.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	sessionID, err := c.readySessionID()
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if _, err := c.call(ctx, sessionID, MethodResourcesList, ListResourcesParams{}, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource retrieves the resource with the given URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	sessionID, err := c.readySessionID()
	if err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if _, err := c.call(ctx, sessionID, MethodResourcesRead, ReadResourceParams{URI: uri}, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// Close terminates the session on the server. Closing a client that never connected is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("failed to close session: %w", ErrSessionNotFound)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// forgetSession drops the stored session if it is still sessionID, so the next Connect starts a
// fresh one.
func (c *Client) forgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" && c.sessionID == sessionID {
		c.sessionID = ""
	}
}

func (c *Client) readySessionID() (string, error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return "", fmt.Errorf("client not connected: %w", ErrSessionNotReady)
	}
	return sessionID, nil
}

// call sends a request and decodes its result into result. It returns the session ID found in
// the response header, which is only set for initialize.
func (c *Client) call(ctx context.Context, sessionID, method string, params, result any) (string, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      RequestID(strconv.Quote(uuid.New().String())),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	resp, err := c.postWithSession(ctx, sessionID, msg)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("unexpected response, status code %d: %w", resp.StatusCode, err)
	}
	if res.Error != nil {
		err := rpcError(*res.Error)
		if errors.Is(err, ErrSessionNotFound) {
			c.forgetSession(sessionID)
		}
		return "", err
	}
	if !bytes.Equal(res.ID, msg.ID) {
		return "", fmt.Errorf("response id %s doesn't match request id %s", res.ID, msg.ID)
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return "", fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return resp.Header.Get(SessionIDHeader), nil
}

func (c *Client) notify(ctx context.Context, sessionID, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	resp, err := c.postWithSession(ctx, sessionID, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	return c.postWithSession(ctx, c.SessionID(), msg)
}

func (c *Client) postWithSession(ctx context.Context, sessionID string, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msgBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return resp, nil
}

// rpcError maps the session error codes back to their sentinel errors, keeping the JSONRPCError
// reachable through errors.As.
func rpcError(jsonErr JSONRPCError) error {
	switch jsonErr.Code {
	case CodeSessionNotFound:
		return errors.Join(ErrSessionNotFound, jsonErr)
	case CodeSessionNotReady:
		return errors.Join(ErrSessionNotReady, jsonErr)
	case CodeTooManySessions:
		return errors.Join(ErrTooManySessions, jsonErr)
	default:
		return jsonErr
	}
}
