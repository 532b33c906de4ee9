// Package session provides CRUD over server-side session records with
// sliding TTL semantics and a per-user session index for bulk operations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/freekieb7/go-sentinel/internal/metrics"
	"github.com/freekieb7/go-sentinel/internal/store"
	"github.com/freekieb7/go-sentinel/pkg/random"
)

const component = "session"

// Manager owns the session keyspace: session:{session_id} records plus a
// user_sessions:{user_id} index.
type Manager struct {
	store      store.Store
	logger     *slog.Logger
	metrics    metrics.Sink
	defaultTTL time.Duration
	now        func() time.Time
}

// Config for a session Manager.
type Config struct {
	DefaultTTL time.Duration
	Now        func() time.Time
}

func NewManager(s store.Store, logger *slog.Logger, sink metrics.Sink, cfg Config) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 8 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if sink == nil {
		sink = metrics.NewNopSink()
	}
	return &Manager{
		store:      s,
		logger:     logger,
		metrics:    sink,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("user_sessions:%s", userID)
}

// Create persists a new session and indexes it under its owner. The session
// id is 32 random bytes, never derived from the user id or payload.
func (m *Manager) Create(ctx context.Context, userID, email string, payload map[string]any, ttl time.Duration) (*Session, error) {
	start := m.now()
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if payload == nil {
		payload = map[string]any{}
	}

	sess := &Session{
		SchemaVersion: schemaVersion,
		ID:            random.NewString(32),
		UserID:        userID,
		Email:         email,
		Payload:       payload,
		CreatedAt:     start,
		ExpiresAt:     start.Add(ttl),
		LastAccessed:  start,
		TTLSeconds:    int64(ttl / time.Second),
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode session", err)
	}

	if err := m.store.Set(ctx, sessionKey(sess.ID), raw, ttl); err != nil {
		m.metrics.RecordOperation(component, "create", m.now().Sub(start), err)
		return nil, err
	}

	if err := store.AddToSet(ctx, m.store, userIndexKey(userID), sess.ID, ttl); err != nil {
		// The record exists but is unindexed; surface the failure so the
		// caller does not hand out a session that bulk revocation misses.
		if delErr := m.store.Delete(ctx, sessionKey(sess.ID)); delErr != nil {
			m.logger.Warn("Failed to clean up unindexed session", "session_id", sess.ID, "error", delErr)
		}
		m.metrics.RecordOperation(component, "create", m.now().Sub(start), err)
		return nil, err
	}

	m.metrics.RecordOperation(component, "create", m.now().Sub(start), nil)
	m.metrics.RecordEvent(component, "created")
	m.logger.Debug("Session created", "user_id", userID, "ttl", ttl)
	return sess, nil
}

// Get returns the session and slides its expiry forward. A miss returns
// (nil, nil). The sliding write-back is best effort: if it fails the read
// still succeeds and the session simply keeps its previous expiry.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	start := m.now()
	sess, raw, err := m.load(ctx, sessionID)
	if err != nil || sess == nil {
		m.metrics.RecordOperation(component, "get", m.now().Sub(start), err)
		return nil, err
	}

	// Slide the expiry forward, never backward. The index entry must outlive
	// the record or bulk deletion loses sight of the session, so its ttl
	// moves first; if it cannot be extended the record keeps its old expiry.
	newExpiry := start.Add(sess.ttl())
	if newExpiry.After(sess.ExpiresAt) {
		if idxErr := store.AddToSet(ctx, m.store, userIndexKey(sess.UserID), sess.ID, newExpiry.Sub(start)); idxErr != nil {
			m.logger.Warn("Failed to slide session index", "session_id", sess.ID, "error", idxErr)
		} else {
			sess.ExpiresAt = newExpiry
		}
	}
	sess.LastAccessed = start

	updated, marshalErr := json.Marshal(sess)
	if marshalErr != nil {
		return nil, apperrors.InternalError("failed to encode session", marshalErr)
	}
	if ok, casErr := m.store.CompareAndSwap(ctx, sessionKey(sessionID), raw, updated, sess.ExpiresAt.Sub(start)); casErr != nil || !ok {
		// Fail open: a lost bump only means the session expires a little
		// earlier than the latest read suggests.
		m.logger.Warn("Failed to slide session expiry", "session_id", sessionID, "error", casErr)
	}

	m.metrics.RecordOperation(component, "get", m.now().Sub(start), nil)
	return sess, nil
}

// Validate is a thin wrapper over Get for callers that only need the owner
// and payload.
func (m *Manager) Validate(ctx context.Context, sessionID string) (string, map[string]any, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if sess == nil {
		return "", nil, nil
	}
	return sess.UserID, sess.Payload, nil
}

// Refresh explicitly extends the session's TTL. Reports false without error
// only if the session is absent; a write-back race with a concurrent slide
// is retried.
func (m *Manager) Refresh(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	start := m.now()
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	for attempt := 0; attempt < 3; attempt++ {
		sess, raw, err := m.load(ctx, sessionID)
		if err != nil || sess == nil {
			m.metrics.RecordOperation(component, "refresh", m.now().Sub(start), err)
			return false, err
		}

		newExpiry := start.Add(ttl)
		if newExpiry.After(sess.ExpiresAt) {
			// Index before record, same as Get: bulk deletion can only reach
			// sessions the index still knows about.
			if err := store.AddToSet(ctx, m.store, userIndexKey(sess.UserID), sess.ID, newExpiry.Sub(start)); err != nil {
				m.metrics.RecordOperation(component, "refresh", m.now().Sub(start), err)
				return false, err
			}
			sess.ExpiresAt = newExpiry
		}
		sess.LastAccessed = start
		sess.TTLSeconds = int64(ttl / time.Second)

		updated, err := json.Marshal(sess)
		if err != nil {
			return false, apperrors.InternalError("failed to encode session", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, sessionKey(sessionID), raw, updated, sess.ExpiresAt.Sub(start))
		if err != nil {
			m.metrics.RecordOperation(component, "refresh", m.now().Sub(start), err)
			return false, err
		}
		if ok {
			m.metrics.RecordOperation(component, "refresh", m.now().Sub(start), nil)
			return true, nil
		}
		// Lost to a concurrent slide; re-read and try again.
	}
	return false, apperrors.InternalError("too many concurrent updates while refreshing session", nil)
}

// Delete removes the session record and its index entry. Reports whether a
// record existed.
func (m *Manager) Delete(ctx context.Context, sessionID string) (bool, error) {
	start := m.now()
	sess, _, err := m.load(ctx, sessionID)
	if err != nil {
		m.metrics.RecordOperation(component, "delete", m.now().Sub(start), err)
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		m.metrics.RecordOperation(component, "delete", m.now().Sub(start), err)
		return false, err
	}
	if err := store.RemoveFromSet(ctx, m.store, userIndexKey(sess.UserID), sessionID, m.defaultTTL); err != nil {
		m.logger.Warn("Failed to unindex deleted session", "session_id", sessionID, "error", err)
	}

	m.metrics.RecordOperation(component, "delete", m.now().Sub(start), nil)
	m.metrics.RecordEvent(component, "deleted")
	return true, nil
}

// DeleteAllForUser removes every session owned by userID, tolerating
// per-item failures, then clears the index. Returns the number of records
// actually deleted.
func (m *Manager) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	start := m.now()
	ids, err := store.ReadSet(ctx, m.store, userIndexKey(userID))
	if err != nil {
		m.metrics.RecordOperation(component, "delete_all", m.now().Sub(start), err)
		return 0, err
	}

	deleted := 0
	var firstErr error
	for _, id := range ids {
		if err := m.store.Delete(ctx, sessionKey(id)); err != nil {
			m.logger.Warn("Failed to delete session during bulk delete", "session_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}

	if err := m.store.Delete(ctx, userIndexKey(userID)); err != nil {
		m.logger.Warn("Failed to clear session index", "user_id", userID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	m.metrics.RecordOperation(component, "delete_all", m.now().Sub(start), firstErr)
	return deleted, firstErr
}

// ListForUser enumerates the user's sessions. Index entries whose backing
// record has expired are pruned lazily and not returned.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]string, error) {
	start := m.now()
	ids, err := store.ReadSet(ctx, m.store, userIndexKey(userID))
	if err != nil {
		m.metrics.RecordOperation(component, "list", m.now().Sub(start), err)
		return nil, err
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		_, err := m.store.Get(ctx, sessionKey(id))
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				// Record expired underneath the index; prune best effort.
				if pruneErr := store.RemoveFromSet(ctx, m.store, userIndexKey(userID), id, m.defaultTTL); pruneErr != nil {
					m.logger.Warn("Failed to prune stale session index entry", "session_id", id, "error", pruneErr)
				}
				continue
			}
			m.metrics.RecordOperation(component, "list", m.now().Sub(start), err)
			return nil, err
		}
		live = append(live, id)
	}

	m.metrics.RecordOperation(component, "list", m.now().Sub(start), nil)
	return live, nil
}

// load fetches and decodes a session, returning the raw bytes for CAS
// write-backs. Absent or expired sessions return (nil, nil, nil).
func (m *Manager) load(ctx context.Context, sessionID string) (*Session, []byte, error) {
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, nil, apperrors.InternalError("corrupt session record", err)
	}
	if sess.SchemaVersion != schemaVersion {
		return nil, nil, apperrors.InternalError(fmt.Sprintf("unsupported session schema version %d", sess.SchemaVersion), nil)
	}

	// Guard against clock skew between store expiry and our own clock.
	if !sess.ExpiresAt.After(m.now()) {
		if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
			m.logger.Warn("Failed to delete expired session", "session_id", sessionID, "error", err)
		}
		return nil, nil, nil
	}
	return &sess, raw, nil
}
