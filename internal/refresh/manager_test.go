package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/freekieb7/go-sentinel/internal/store"
	"github.com/freekieb7/go-sentinel/internal/token"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *token.Codec) {
	t.Helper()
	codec, err := token.NewCodec(token.Config{SigningKey: testKey, Algorithm: "HS256"})
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	m := NewManager(mem, codec, slog.Default(), nil, Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	})
	return m, mem, codec
}

func TestManager_Issue(t *testing.T) {
	ctx := context.Background()
	m, _, codec := newTestManager(t)

	rec, signed, err := m.Issue(ctx, "alice", "alice@example.com", []string{"read"}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Generation)
	assert.Nil(t, rec.ParentJTI)
	assert.True(t, rec.IsActive)
	assert.NotEmpty(t, rec.FamilyID)
	assert.True(t, rec.ExpiresAt.After(rec.CreatedAt))

	claims, err := codec.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, token.TypeRefresh, claims.TokenType)
	assert.Equal(t, rec.JTI, claims.ID)
	assert.Equal(t, "alice", claims.Subject)
}

func TestManager_RotationChain(t *testing.T) {
	ctx := context.Background()
	m, _, codec := newTestManager(t)

	root, signed, err := m.Issue(ctx, "alice", "alice@example.com", []string{"read"}, time.Hour)
	require.NoError(t, err)

	const rotations = 5
	current := signed
	for i := 0; i < rotations; i++ {
		pair, err := m.Rotate(ctx, current)
		require.NoError(t, err)
		require.NotEmpty(t, pair.AccessToken)
		require.NotEmpty(t, pair.RefreshToken)

		accessClaims, err := codec.Verify(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, token.TypeAccess, accessClaims.TokenType)
		assert.Equal(t, []string{"read"}, accessClaims.Permissions)

		current = pair.RefreshToken
	}

	// The family holds rotations+1 records, exactly one active, with an
	// unbroken parent chain back to generation 1.
	jtis, err := m.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jtis, rotations+1)

	byJTI := make(map[string]*Record, len(jtis))
	active := 0
	for _, jti := range jtis {
		rec, err := m.GetRecord(ctx, "alice", jti)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, root.FamilyID, rec.FamilyID)
		if rec.IsActive {
			active++
			assert.Equal(t, rotations+1, rec.Generation, "only the newest generation is active")
		}
		byJTI[jti] = rec
	}
	assert.Equal(t, 1, active)

	// Walk the chain from the newest generation down to the root.
	tip, err := codec.Verify(current)
	require.NoError(t, err)
	rec := byJTI[tip.ID]
	for gen := rotations + 1; gen > 1; gen-- {
		require.NotNil(t, rec)
		assert.Equal(t, gen, rec.Generation)
		require.NotNil(t, rec.ParentJTI)
		rec = byJTI[*rec.ParentJTI]
	}
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Generation)
	assert.Nil(t, rec.ParentJTI)
	assert.Equal(t, root.JTI, rec.JTI)
}

func TestManager_ReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	m, _, codec := newTestManager(t)

	root, original, err := m.Issue(ctx, "alice", "", nil, time.Hour)
	require.NoError(t, err)

	pair, err := m.Rotate(ctx, original)
	require.NoError(t, err)

	gen2Claims, err := codec.Verify(pair.RefreshToken)
	require.NoError(t, err)
	gen2, err := m.GetRecord(ctx, "alice", gen2Claims.ID)
	require.NoError(t, err)
	assert.True(t, gen2.IsActive)

	// Replaying the rotated original is a reuse: the whole family dies.
	_, err = m.Rotate(ctx, original)
	assert.Equal(t, apperrors.CodeTokenReuseDetected, apperrors.CodeOf(err))

	gen2, err = m.GetRecord(ctx, "alice", gen2Claims.ID)
	require.NoError(t, err)
	assert.False(t, gen2.IsActive, "reuse must revoke the newest generation too")
	require.NotNil(t, gen2.RotationReason)
	assert.Equal(t, ReasonReuseDetected, *gen2.RotationReason)

	// The still-cryptographically-valid generation 2 token is now dead.
	_, err = m.Rotate(ctx, pair.RefreshToken)
	assert.Equal(t, apperrors.CodeTokenReuseDetected, apperrors.CodeOf(err))

	rootRec, err := m.GetRecord(ctx, "alice", root.JTI)
	require.NoError(t, err)
	assert.False(t, rootRec.IsActive)
}

func TestManager_RotateFailures(t *testing.T) {
	ctx := context.Background()
	m, mem, codec := newTestManager(t)

	t.Run("garbage token", func(t *testing.T) {
		_, err := m.Rotate(ctx, "garbage")
		assert.Equal(t, apperrors.CodeTokenMalformed, apperrors.CodeOf(err))
	})

	t.Run("access token is not a refresh token", func(t *testing.T) {
		signed, _, err := codec.Issue("alice", "", nil, token.TypeAccess, time.Minute)
		require.NoError(t, err)
		_, err = m.Rotate(ctx, signed)
		assert.Equal(t, apperrors.CodeTokenInvalid, apperrors.CodeOf(err))
	})

	t.Run("valid token without a record", func(t *testing.T) {
		signed, _, err := codec.Issue("alice", "", nil, token.TypeRefresh, time.Hour)
		require.NoError(t, err)
		_, err = m.Rotate(ctx, signed)
		assert.Equal(t, apperrors.CodeTokenInvalid, apperrors.CodeOf(err))
	})

	t.Run("record expired out of the store", func(t *testing.T) {
		rec, signed, err := m.Issue(ctx, "carol", "", nil, time.Hour)
		require.NoError(t, err)
		require.NoError(t, mem.Delete(ctx, "refresh:carol:"+rec.JTI))

		_, err = m.Rotate(ctx, signed)
		assert.Equal(t, apperrors.CodeTokenInvalid, apperrors.CodeOf(err))
	})
}

// gateStore holds every Get of one key until the expected number of readers
// has arrived, forcing all rotation racers to observe the same active record
// before any of them reaches the conditional write.
type gateStore struct {
	store.Store
	key     string
	arrived atomic.Int32
	expect  int32
	release chan struct{}
}

func (g *gateStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := g.Store.Get(ctx, key)
	if key == g.key {
		if g.arrived.Add(1) == g.expect {
			close(g.release)
		}
		<-g.release
	}
	return raw, err
}

func TestManager_ConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	codec, err := token.NewCodec(token.Config{SigningKey: testKey, Algorithm: "HS256"})
	require.NoError(t, err)
	mem := store.NewMemoryStore()

	// Issue through a plain manager first so the gate only affects racers.
	plain := NewManager(mem, codec, slog.Default(), nil, Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})
	rec, signed, err := plain.Issue(ctx, "alice", "", nil, time.Hour)
	require.NoError(t, err)

	const racers = 10
	gated := &gateStore{
		Store:   mem,
		key:     "refresh:alice:" + rec.JTI,
		expect:  racers,
		release: make(chan struct{}),
	}
	m := NewManager(gated, codec, slog.Default(), nil, Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})

	var wg sync.WaitGroup
	var successes atomic.Int32
	var conflicts atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Rotate(ctx, signed)
			switch {
			case err == nil:
				successes.Add(1)
			case apperrors.CodeOf(err) == apperrors.CodeRotationConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one rotation wins")
	assert.Equal(t, int32(racers-1), conflicts.Load(), "losers fail cleanly")

	// The family ends with exactly one active record, never 0 or 2.
	jtis, err := plain.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, jtis, 2)
	active := 0
	for _, jti := range jtis {
		r, err := plain.GetRecord(ctx, "alice", jti)
		require.NoError(t, err)
		if r.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	rec, _, err := m.Issue(ctx, "alice", "", nil, time.Hour)
	require.NoError(t, err)

	changed, err := m.Revoke(ctx, "alice", rec.JTI, ReasonRevoked)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := m.GetRecord(ctx, "alice", rec.JTI)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.RotationReason)
	assert.Equal(t, ReasonRevoked, *got.RotationReason)

	// Revoking twice changes nothing.
	changed, err = m.Revoke(ctx, "alice", rec.JTI, ReasonRevoked)
	require.NoError(t, err)
	assert.False(t, changed)

	// Revoking a missing record is not an error.
	changed, err = m.Revoke(ctx, "alice", "no-such-jti", ReasonRevoked)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestManager_RevokeAllForUser_Isolation(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, _, err := m.Issue(ctx, "alice", "", nil, time.Hour)
		require.NoError(t, err)
	}
	bobRec, _, err := m.Issue(ctx, "bob", "", nil, time.Hour)
	require.NoError(t, err)

	bobRawBefore, err := mem.Get(ctx, "refresh:bob:"+bobRec.JTI)
	require.NoError(t, err)

	count, err := m.RevokeAllForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	jtis, err := m.ListForUser(ctx, "alice")
	require.NoError(t, err)
	for _, jti := range jtis {
		rec, err := m.GetRecord(ctx, "alice", jti)
		require.NoError(t, err)
		assert.False(t, rec.IsActive)
	}

	bobRawAfter, err := mem.Get(ctx, "refresh:bob:"+bobRec.JTI)
	require.NoError(t, err)
	assert.Equal(t, bobRawBefore, bobRawAfter, "other users' records must be untouched")
}

func TestManager_ListForUser_LazyPruning(t *testing.T) {
	ctx := context.Background()
	m, mem, _ := newTestManager(t)

	keep, _, err := m.Issue(ctx, "alice", "", nil, time.Hour)
	require.NoError(t, err)
	gone, _, err := m.Issue(ctx, "alice", "", nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, mem.Delete(ctx, "refresh:alice:"+gone.JTI))

	jtis, err := m.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{keep.JTI}, jtis)
}
