package boltstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
	"github.com/MegaGrindStone/calc-mcp/store/boltstore"
)

func openRegistry(t *testing.T, path string, options ...boltstore.Option) *boltstore.Registry {
	t.Helper()

	reg, err := boltstore.Open(path, options...)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	return reg
}

func testSession(id string, lastSeen time.Time) mcp.Session {
	return mcp.Session{
		ID:              id,
		State:           mcp.SessionStateHandshaking,
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Info{Name: "client", Version: "1.0"},
		CreatedAt:       lastSeen,
		LastSeen:        lastSeen,
	}
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, filepath.Join(t.TempDir(), "sessions.db"), boltstore.WithMaxSessions(2))
	defer reg.Close()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := reg.Create(ctx, testSession("a", start)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := reg.Create(ctx, testSession("a", start)); !errors.Is(err, mcp.ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	if err := reg.Create(ctx, testSession("b", start)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := reg.Create(ctx, testSession("c", start)); !errors.Is(err, mcp.ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}

	sess, err := reg.MarkReady(ctx, "a")
	if err != nil {
		t.Fatalf("failed to mark ready: %v", err)
	}
	if sess.State != mcp.SessionStateReady {
		t.Errorf("expected ready, got %s", sess.State)
	}
	if _, err := reg.MarkReady(ctx, "a"); err != nil {
		t.Errorf("expected marking ready twice to succeed, got %v", err)
	}
	if _, err := reg.MarkReady(ctx, "missing"); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	if err := reg.Touch(ctx, "a", start.Add(time.Hour)); err != nil {
		t.Fatalf("failed to touch: %v", err)
	}
	if err := reg.Touch(ctx, "a", start.Add(time.Minute)); err != nil {
		t.Fatalf("failed to touch: %v", err)
	}

	sess, err = reg.Get(ctx, "a")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if !sess.LastSeen.Equal(start.Add(time.Hour)) {
		t.Errorf("expected last seen %v, got %v", start.Add(time.Hour), sess.LastSeen)
	}
	if sess.ClientInfo.Name != "client" || sess.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("unexpected stored session %+v", sess)
	}

	removed, err := reg.DeleteIdle(ctx, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to delete idle sessions: %v", err)
	}
	if len(removed) != 1 || removed[0] != "b" {
		t.Errorf("expected [b] removed, got %v", removed)
	}

	if n, _ := reg.Count(ctx); n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}

	closed, err := reg.Delete(ctx, "a")
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if closed.State != mcp.SessionStateClosed {
		t.Errorf("expected closed snapshot, got %s", closed.State)
	}
	if _, err := reg.Get(ctx, "a"); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistrySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	reg := openRegistry(t, path)
	if err := reg.Create(ctx, testSession("persisted", now)); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if _, err := reg.MarkReady(ctx, "persisted"); err != nil {
		t.Fatalf("failed to mark ready: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reg = openRegistry(t, path)
	defer reg.Close()

	sess, err := reg.Get(ctx, "persisted")
	if err != nil {
		t.Fatalf("expected session after reopen, got %v", err)
	}
	if sess.State != mcp.SessionStateReady || !sess.CreatedAt.Equal(now) {
		t.Errorf("unexpected session after reopen %+v", sess)
	}
}

func TestRegistryServesServer(t *testing.T) {
	reg := openRegistry(t, filepath.Join(t.TempDir(), "sessions.db"))
	defer reg.Close()

	srv := mcp.NewServer(mcp.Info{Name: "bolt", Version: "1"}, mcp.WithSessionRegistry(reg))
	ctx := context.Background()

	reply := srv.Handle(ctx, "", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize",`+
		`"params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"c","version":"1"}}}`))
	if reply.SessionID == "" {
		t.Fatalf("expected a session, got %+v", reply.Messages)
	}
	srv.Handle(ctx, reply.SessionID, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	sess, err := reg.Get(ctx, reply.SessionID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if sess.State != mcp.SessionStateReady {
		t.Errorf("expected ready, got %s", sess.State)
	}
}
