// Package revocation maintains the blacklist of revoked token identifiers.
// Cryptographic validity says nothing about revocation: any caller turning
// a verified token into a trust decision must consult the guard as well.
package revocation

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
)

const (
	component     = "revocation"
	schemaVersion = 1
)

// Entry is the persisted blacklist record for one jti. Its store TTL is
// bounded by the token's own remaining lifetime; there is no value in
// remembering a token past its natural expiry.
type Entry struct {
	SchemaVersion int       `json:"schema_version"`
	JTI           string    `json:"jti"`
	RevokedAt     time.Time `json:"revoked_at"`
	Reason        string    `json:"reason"`
}

// Guard checks and records revoked token identifiers.
type Guard struct {
	store   store.Store
	logger  *slog.Logger
	metrics metrics.Sink
	now     func() time.Time
}

func NewGuard(s store.Store, logger *slog.Logger, sink metrics.Sink, now func() time.Time) *Guard {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if sink == nil {
		sink = metrics.NewNopSink()
	}
	return &Guard{
		store:   s,
		logger:  logger,
		metrics: sink,
		now:     now,
	}
}

func blacklistKey(jti string) string {
	return fmt.Sprintf("blacklist:%s", jti)
}

// Blacklist records the jti as revoked for ttl. The guard cannot derive the
// token's expiry from a bare jti, so the bound is the caller's contract: ttl
// must not exceed the token's remaining lifetime. A non-positive ttl means
// the token is already expired and nothing needs recording.
func (g *Guard) Blacklist(ctx context.Context, jti string, ttl time.Duration, reason string) error {
	start := g.now()
	if ttl <= 0 {
		return nil
	}

	entry := Entry{
		SchemaVersion: schemaVersion,
		JTI:           jti,
		RevokedAt:     start,
		Reason:        reason,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperrors.InternalError("failed to encode blacklist entry", err)
	}

	err = g.store.Set(ctx, blacklistKey(jti), raw, ttl)
	g.metrics.RecordOperation(component, "blacklist", g.now().Sub(start), err)
	if err != nil {
		return err
	}

	g.metrics.RecordEvent(component, "blacklisted")
	g.logger.Info("Token blacklisted", "jti", jti, "reason", reason, "ttl", ttl)
	return nil
}

// IsBlacklisted reports whether the jti has been revoked. A store failure
// is returned as an error, never as "not blacklisted": callers must fail
// closed when the blacklist cannot be consulted.
func (g *Guard) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	start := g.now()
	_, err := g.store.Get(ctx, blacklistKey(jti))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			g.metrics.RecordOperation(component, "check", g.now().Sub(start), nil)
			return false, nil
		}
		g.metrics.RecordOperation(component, "check", g.now().Sub(start), err)
		return false, apperrors.StoreUnavailableError("blacklist unreachable", err)
	}
	g.metrics.RecordOperation(component, "check", g.now().Sub(start), nil)
	return true, nil
}

// Entry returns the stored blacklist entry, or nil if the jti is not
// blacklisted.
func (g *Guard) Entry(ctx context.Context, jti string) (*Entry, error) {
	raw, err := g.store.Get(ctx, blacklistKey(jti))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, apperrors.StoreUnavailableError("blacklist unreachable", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, apperrors.InternalError("corrupt blacklist entry", err)
	}
	return &entry, nil
}
