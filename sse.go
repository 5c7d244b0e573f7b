package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const sseMessageEvent = "message"

// handleStream serves the GET side of the HTTP binding: a Server-Sent Events stream bound to an
// existing session. The stream pings the client every keep-alive interval and ends when the
// session is gone or the client disconnects.
func (h HTTPHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("missing %s header", SessionIDHeader),
		})
		return
	}

	if _, err := h.server.Session(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, sessionNotFound(sessionID))
			return
		}
		h.logger.Error("failed to get session",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, JSONRPCError{
			Code:    CodeInternalError,
			Message: "internal error",
		})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		h.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}
	// Flush right away so the client sees the response headers before the first ping.
	if err := sess.Flush(); err != nil {
		h.logger.Warn("failed to flush SSE", slog.String("err", err.Error()))
		return
	}

	logger := h.logger.With(slog.String("sessionID", sessionID))
	logger.Debug("event stream opened")

	ticker := time.NewTicker(h.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return
		case <-ticker.C:
		}

		if _, err := h.server.Session(r.Context(), sessionID); err != nil {
			logger.Info("closing event stream", slog.String("reason", err.Error()))
			return
		}

		if err := sendStreamMessage(sess, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      RequestID(strconv.Quote(uuid.New().String())),
			Method:  MethodPing,
		}); err != nil {
			logger.Warn("failed to send ping", slog.String("err", err.Error()))
			return
		}
	}
}

func sendStreamMessage(sess *sse.Session, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type(sseMessageEvent),
	}
	sseMsg.AppendData(string(msgBs))

	if err := sess.Send(sseMsg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// Events opens the server event stream of the connected session and returns an iterator over the
// messages the server sends. Ping requests are answered automatically before being yielded. The
// iteration ends when ctx is done, the server closes the stream, or the caller stops iterating.
func (c *Client) Events(ctx context.Context) (iter.Seq[JSONRPCMessage], error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, ErrSessionNotReady
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		c.forgetSession(sessionID)
		return nil, fmt.Errorf("failed to open event stream: %w", ErrSessionNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var config *sse.ReadConfig
	if c.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxEventSize,
		}
	}

	return func(yield func(JSONRPCMessage) bool) {
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, config) {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Error("failed to read SSE message", "err", err)
				}
				return
			}
			if ev.Type != "" && ev.Type != sseMessageEvent {
				c.logger.Warn("unhandled event type", "type", ev.Type)
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if msg.Method == MethodPing && len(msg.ID) > 0 {
				c.answerPing(ctx, msg.ID)
			}

			if !yield(msg) {
				return
			}
		}
	}, nil
}

func (c *Client) answerPing(ctx context.Context, id RequestID) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.post(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      RequestID(bytes.Clone(id)),
		Result:  json.RawMessage(`{}`),
	})
	if err != nil {
		c.logger.Warn("failed to answer ping", slog.String("err", err.Error()))
		return
	}
	resp.Body.Close()
}
