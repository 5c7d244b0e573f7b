package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// StdIO serves the dispatcher over newline-delimited JSON-RPC messages read from an io.Reader and
// written to an io.Writer, typically stdin and stdout. The connection holds one session slot: the
// session created by initialize is used for every following message, and is closed when the
// connection ends or a new initialize replaces it.
type StdIO struct {
	server Server
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOLine struct {
	line string
	err  error
}

// NewStdIO creates a StdIO transport serving server over the given reader and writer.
func NewStdIO(server Server, reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		server: server,
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "calc-mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Serve reads and answers messages until the reader is exhausted or ctx is done. Reaching the end
// of the input is not an error.
func (s StdIO) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	lines := make(chan stdIOLine)
	go s.readLines(lines, done)

	var sessionID string
	defer func() {
		if sessionID == "" {
			return
		}
		if _, err := s.server.CloseSession(context.Background(), sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("failed to close session", slog.String("err", err.Error()))
		}
	}()

	for {
		var l stdIOLine
		select {
		case <-ctx.Done():
			return nil
		case l = <-lines:
		}

		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", l.err)
		}

		reply := s.server.Handle(ctx, sessionID, []byte(l.line))
		if reply.SessionID != "" {
			if sessionID != "" && sessionID != reply.SessionID {
				if _, err := s.server.CloseSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
					s.logger.Warn("failed to close replaced session", slog.String("err", err.Error()))
				}
			}
			sessionID = reply.SessionID
		}

		body, err := reply.Body()
		if err != nil {
			s.logger.Error("failed to marshal reply", slog.String("err", err.Error()))
			continue
		}
		if body == nil {
			continue
		}
		if _, err := s.writer.Write(append(body, '\n')); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
}

func (s StdIO) readLines(lines chan<- stdIOLine, done <-chan struct{}) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			select {
			case lines <- stdIOLine{line: trimmed}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case lines <- stdIOLine{err: err}:
			case <-done:
			}
			return
		}
	}
}
