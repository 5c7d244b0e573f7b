// Package boltstore implements mcp.SessionRegistry on top of a bbolt database, so sessions survive
// server restarts.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/calc-mcp"
	bolt "go.etcd.io/bbolt"
)

// Registry is a mcp.SessionRegistry storing sessions as JSON documents in a single bucket. Every
// state change runs in one read-write transaction, which bbolt serializes.
type Registry struct {
	db          *bolt.DB
	maxSessions int
}

// Option represents the options for the Registry.
type Option func(*Registry)

var sessionsBucket = []byte("sessions")

// Open opens or creates the database at path and prepares the sessions bucket.
func Open(path string, options ...Option) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	r := &Registry{db: db}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// WithMaxSessions caps the number of sessions stored at once.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create implements mcp.SessionRegistry.
func (r *Registry) Create(_ context.Context, sess mcp.Session) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.ID)) != nil {
			return fmt.Errorf("%w: %s", mcp.ErrSessionExists, sess.ID)
		}
		if r.maxSessions > 0 && countKeys(b) >= r.maxSessions {
			return mcp.ErrTooManySessions
		}
		return putSession(b, sess)
	})
}

// Get implements mcp.SessionRegistry.
func (r *Registry) Get(_ context.Context, id string) (mcp.Session, error) {
	var sess mcp.Session
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		sess, err = getSession(tx.Bucket(sessionsBucket), id)
		return err
	})
	return sess, err
}

// MarkReady implements mcp.SessionRegistry.
func (r *Registry) MarkReady(_ context.Context, id string) (mcp.Session, error) {
	var sess mcp.Session
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		current, err := getSession(b, id)
		if err != nil {
			return err
		}
		sess, err = current.MarkReady()
		if err != nil {
			return err
		}
		if sess.State == current.State {
			return nil
		}
		return putSession(b, sess)
	})
	return sess, err
}

// Touch implements mcp.SessionRegistry.
func (r *Registry) Touch(_ context.Context, id string, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		sess, err := getSession(b, id)
		if err != nil {
			return err
		}
		if !at.After(sess.LastSeen) {
			return nil
		}
		sess.LastSeen = at
		return putSession(b, sess)
	})
}

// Delete implements mcp.SessionRegistry.
func (r *Registry) Delete(_ context.Context, id string) (mcp.Session, error) {
	var sess mcp.Session
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var err error
		sess, err = getSession(b, id)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return mcp.Session{}, err
	}
	return sess.Close(), nil
}

// DeleteIdle implements mcp.SessionRegistry.
func (r *Registry) DeleteIdle(_ context.Context, before time.Time) ([]string, error) {
	var removed []string
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		// Keys are collected first, bbolt doesn't allow mutating a bucket inside ForEach.
		if err := b.ForEach(func(k, v []byte) error {
			var sess mcp.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("failed to decode session %s: %w", k, err)
			}
			if sess.LastSeen.Before(before) {
				removed = append(removed, string(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range removed {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Count implements mcp.SessionRegistry.
func (r *Registry) Count(context.Context) (int, error) {
	var n int
	err := r.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(sessionsBucket))
		return nil
	})
	return n, err
}

func getSession(b *bolt.Bucket, id string) (mcp.Session, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return mcp.Session{}, mcp.ErrSessionNotFound
	}
	var sess mcp.Session
	if err := json.Unmarshal(v, &sess); err != nil {
		return mcp.Session{}, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return sess, nil
}

func putSession(b *bolt.Bucket, sess mcp.Session) error {
	if sess.ID == "" {
		return errors.New("session id is empty")
	}
	v, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return b.Put([]byte(sess.ID), v)
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
