package revocation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/freekieb7/go-sentinel/internal/store"
)

func TestGuard_BlacklistAndCheck(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryStore(), slog.Default(), nil, nil)

	blacklisted, err := g.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	require.NoError(t, g.Blacklist(ctx, "jti-1", time.Minute, "logout"))

	blacklisted, err = g.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	entry, err := g.Entry(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "jti-1", entry.JTI)
	assert.Equal(t, "logout", entry.Reason)
}

func TestGuard_EntryBoundByTTL(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryStore(), slog.Default(), nil, nil)

	require.NoError(t, g.Blacklist(ctx, "jti-1", 30*time.Millisecond, "test"))

	blacklisted, err := g.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	time.Sleep(60 * time.Millisecond)

	blacklisted, err = g.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, blacklisted, "entries vanish with the token's remaining lifetime")
}

func TestGuard_ExpiredTokenIsNoOp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	g := NewGuard(mem, slog.Default(), nil, nil)

	// Nothing to record for a token already past its natural expiry.
	require.NoError(t, g.Blacklist(ctx, "jti-1", -time.Minute, "late"))

	_, err := mem.Get(ctx, "blacklist:jti-1")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

// brokenStore simulates an unreachable backing store.
type brokenStore struct {
	store.Store
}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, apperrors.StoreUnavailableError("get failed", errors.New("connection refused"))
}

func TestGuard_UnreachableStoreSurfacesError(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(brokenStore{}, slog.Default(), nil, nil)

	blacklisted, err := g.IsBlacklisted(ctx, "jti-1")
	assert.False(t, blacklisted)
	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.CodeOf(err),
		"store failure must surface as an error, never as not-blacklisted")
}
