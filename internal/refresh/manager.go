// Package refresh implements the rotation-chain state machine over refresh
// token records: issuance starts a family, each rotation deactivates the
// current generation and creates its child, and presenting an already
// rotated token is treated as a replay that revokes the whole family.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/freekieb7/go-sentinel/internal/metrics"
	"github.com/freekieb7/go-sentinel/internal/store"
	"github.com/freekieb7/go-sentinel/internal/token"
)

const component = "refresh"

// Manager owns the refresh token keyspace: refresh:{user_id}:{jti} records
// plus a user_refresh_tokens:{user_id} index.
type Manager struct {
	store      store.Store
	codec      *token.Codec
	logger     *slog.Logger
	metrics    metrics.Sink
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Config for a refresh Manager.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewManager(s store.Store, codec *token.Codec, logger *slog.Logger, sink metrics.Sink, cfg Config) *Manager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if sink == nil {
		sink = metrics.NewNopSink()
	}
	return &Manager{
		store:      s,
		codec:      codec,
		logger:     logger,
		metrics:    sink,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}
}

func recordKey(userID, jti string) string {
	return fmt.Sprintf("refresh:%s:%s", userID, jti)
}

func userRecordsPattern(userID string) string {
	return fmt.Sprintf("refresh:%s:*", userID)
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("user_refresh_tokens:%s", userID)
}

// Issue starts a new rotation family: generation 1, no parent, active.
// The returned token is the signed refresh JWT whose jti keys the record.
func (m *Manager) Issue(ctx context.Context, userID, email string, permissions []string, ttl time.Duration) (*Record, string, error) {
	start := m.now()
	if ttl <= 0 {
		ttl = m.refreshTTL
	}

	signed, claims, err := m.codec.Issue(userID, email, permissions, token.TypeRefresh, ttl)
	if err != nil {
		return nil, "", err
	}

	rec := &Record{
		SchemaVersion: schemaVersion,
		JTI:           claims.ID,
		FamilyID:      uuid.NewString(),
		Generation:    1,
		ParentJTI:     nil,
		UserID:        userID,
		Email:         email,
		IsActive:      true,
		CreatedAt:     claims.IssuedAt.Time,
		ExpiresAt:     claims.ExpiresAt.Time,
	}

	if err := m.persistNew(ctx, rec, ttl); err != nil {
		m.metrics.RecordOperation(component, "issue", m.now().Sub(start), err)
		return nil, "", err
	}

	m.metrics.RecordOperation(component, "issue", m.now().Sub(start), nil)
	m.metrics.RecordEvent(component, "issued")
	m.logger.Debug("Refresh token issued", "user_id", userID, "family_id", rec.FamilyID)
	return rec, signed, nil
}

// Rotate exchanges a presented refresh token for a fresh access/refresh
// pair. The deactivate-and-create step is a single conditional write:
// of two concurrent rotations on the same token exactly one produces a
// child, the other fails with a rotation conflict and no side effects.
//
// Presenting a token whose record is already inactive is a replay; the
// entire family is revoked before the error is returned.
func (m *Manager) Rotate(ctx context.Context, presented string) (*TokenPair, error) {
	start := m.now()
	pair, err := m.rotate(ctx, presented)
	m.metrics.RecordOperation(component, "rotate", m.now().Sub(start), err)
	return pair, err
}

func (m *Manager) rotate(ctx context.Context, presented string) (*TokenPair, error) {
	claims, err := m.codec.Verify(presented)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != token.TypeRefresh {
		return nil, apperrors.TokenInvalidError("not a refresh token", nil)
	}

	key := recordKey(claims.Subject, claims.ID)
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, apperrors.TokenInvalidError("no record for presented token", nil)
		}
		return nil, err
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}

	now := m.now()

	if !rec.IsActive {
		// Replay of an already rotated token. Someone is holding a stale
		// copy, so every descendant is suspect: revoke the whole family.
		m.metrics.RecordEvent(component, "reuse_detected")
		m.logger.Warn("Refresh token reuse detected, revoking family",
			"user_id", rec.UserID, "family_id", rec.FamilyID, "generation", rec.Generation)
		if _, revokeErr := m.RevokeFamily(ctx, rec.UserID, rec.FamilyID, ReasonReuseDetected); revokeErr != nil {
			m.logger.Error("Failed to revoke family after reuse detection",
				"family_id", rec.FamilyID, "error", revokeErr)
		}
		return nil, apperrors.TokenReuseDetectedError(fmt.Sprintf("family %s generation %d", rec.FamilyID, rec.Generation))
	}

	if !rec.ExpiresAt.After(now) {
		return nil, apperrors.TokenExpiredError(nil)
	}

	// Deactivate iff still the exact active record we read. Losing the swap
	// means a concurrent rotation won; fail cleanly with no side effects.
	deactivated := *rec
	deactivated.IsActive = false
	deactivated.LastUsed = &now
	reason := ReasonRotated
	deactivated.RotationReason = &reason

	replacement, err := json.Marshal(&deactivated)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode refresh record", err)
	}
	swapped, err := m.store.CompareAndSwap(ctx, key, raw, replacement, rec.ExpiresAt.Sub(now))
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, apperrors.RotationConflictError(fmt.Sprintf("family %s generation %d", rec.FamilyID, rec.Generation))
	}

	// We own the rotation now; mint the successor generation.
	signedRefresh, childClaims, err := m.codec.Issue(rec.UserID, rec.Email, claims.Permissions, token.TypeRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}

	child := &Record{
		SchemaVersion: schemaVersion,
		JTI:           childClaims.ID,
		FamilyID:      rec.FamilyID,
		Generation:    rec.Generation + 1,
		ParentJTI:     &rec.JTI,
		UserID:        rec.UserID,
		Email:         rec.Email,
		IsActive:      true,
		CreatedAt:     childClaims.IssuedAt.Time,
		ExpiresAt:     childClaims.ExpiresAt.Time,
	}
	if err := m.persistNew(ctx, child, m.refreshTTL); err != nil {
		return nil, err
	}

	signedAccess, _, err := m.codec.Issue(rec.UserID, rec.Email, claims.Permissions, token.TypeAccess, m.accessTTL)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordEvent(component, "rotated")
	m.logger.Debug("Refresh token rotated",
		"user_id", rec.UserID, "family_id", rec.FamilyID, "generation", child.Generation)
	return &TokenPair{AccessToken: signedAccess, RefreshToken: signedRefresh}, nil
}

// Revoke deactivates a single record. Reports whether a state change
// happened.
func (m *Manager) Revoke(ctx context.Context, userID, jti, reason string) (bool, error) {
	start := m.now()
	changed, err := m.deactivate(ctx, recordKey(userID, jti), reason)
	m.metrics.RecordOperation(component, "revoke", m.now().Sub(start), err)
	if changed {
		m.metrics.RecordEvent(component, "revoked")
	}
	return changed, err
}

// RevokeFamily deactivates every record of the family, whatever its
// generation. Returns the number of records whose state changed.
func (m *Manager) RevokeFamily(ctx context.Context, userID, familyID, reason string) (int, error) {
	start := m.now()
	count, err := m.revokeMatching(ctx, userID, reason, func(rec *Record) bool {
		return rec.FamilyID == familyID
	})
	m.metrics.RecordOperation(component, "revoke_family", m.now().Sub(start), err)
	return count, err
}

// RevokeAllForUser deactivates every refresh token the user owns across all
// families. Returns the number of records whose state changed.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	start := m.now()
	count, err := m.revokeMatching(ctx, userID, ReasonRevoked, func(*Record) bool { return true })
	m.metrics.RecordOperation(component, "revoke_all", m.now().Sub(start), err)
	return count, err
}

// ListForUser enumerates the user's refresh token jtis, pruning index
// entries whose records have expired out of the store.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]string, error) {
	jtis, err := store.ReadSet(ctx, m.store, userIndexKey(userID))
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(jtis))
	for _, jti := range jtis {
		if _, err := m.store.Get(ctx, recordKey(userID, jti)); err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				if pruneErr := store.RemoveFromSet(ctx, m.store, userIndexKey(userID), jti, m.refreshTTL); pruneErr != nil {
					m.logger.Warn("Failed to prune stale refresh index entry", "jti", jti, "error", pruneErr)
				}
				continue
			}
			return nil, err
		}
		live = append(live, jti)
	}
	return live, nil
}

// GetRecord loads one record, primarily for inspection and tests.
// Absent records return (nil, nil).
func (m *Manager) GetRecord(ctx context.Context, userID, jti string) (*Record, error) {
	raw, err := m.store.Get(ctx, recordKey(userID, jti))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecord(raw)
}

// revokeMatching scans the user's record keyspace (authoritative, unlike the
// index) and deactivates every matching record.
func (m *Manager) revokeMatching(ctx context.Context, userID, reason string, match func(*Record) bool) (int, error) {
	keys, err := m.store.Keys(ctx, userRecordsPattern(userID))
	if err != nil {
		return 0, err
	}

	count := 0
	var firstErr error
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				continue // expired between scan and read
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !match(rec) || !rec.IsActive {
			continue
		}
		changed, err := m.deactivate(ctx, key, reason)
		if err != nil {
			m.logger.Warn("Failed to revoke refresh token", "key", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			count++
		}
	}
	return count, firstErr
}

// deactivate flips a record to inactive through a short CAS loop. A record
// that is already inactive, or that a concurrent rotation deactivated first,
// counts as no change.
func (m *Manager) deactivate(ctx context.Context, key, reason string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				return false, nil
			}
			return false, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return false, err
		}
		if !rec.IsActive {
			return false, nil
		}

		now := m.now()
		rec.IsActive = false
		rec.LastUsed = &now
		rec.RotationReason = &reason

		replacement, err := json.Marshal(rec)
		if err != nil {
			return false, apperrors.InternalError("failed to encode refresh record", err)
		}
		ttl := rec.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return false, nil // expiring anyway
		}
		swapped, err := m.store.CompareAndSwap(ctx, key, raw, replacement, ttl)
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
	return false, apperrors.InternalError("too many concurrent updates while revoking", nil)
}

func (m *Manager) persistNew(ctx context.Context, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperrors.InternalError("failed to encode refresh record", err)
	}
	ok, err := m.store.SetNX(ctx, recordKey(rec.UserID, rec.JTI), raw, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.InternalError(fmt.Sprintf("refresh record %s already exists", rec.JTI), nil)
	}
	if err := store.AddToSet(ctx, m.store, userIndexKey(rec.UserID), rec.JTI, ttl); err != nil {
		if delErr := m.store.Delete(ctx, recordKey(rec.UserID, rec.JTI)); delErr != nil {
			m.logger.Warn("Failed to clean up unindexed refresh record", "jti", rec.JTI, "error", delErr)
		}
		return err
	}
	return nil
}

func decodeRecord(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperrors.InternalError("corrupt refresh record", err)
	}
	if rec.SchemaVersion != schemaVersion {
		return nil, apperrors.InternalError(fmt.Sprintf("unsupported refresh record schema version %d", rec.SchemaVersion), nil)
	}
	return &rec, nil
}
