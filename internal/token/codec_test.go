package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(Config{SigningKey: testKey, Algorithm: "HS256"})
	require.NoError(t, err)
	return codec
}

func TestCodec_IssueAndVerify(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("round trip preserves claims", func(t *testing.T) {
		signed, issued, err := codec.Issue("user-1", "user@example.com", []string{"read", "write"}, TypeAccess, time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, issued.ID)

		claims, err := codec.Verify(signed)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "user@example.com", claims.Email)
		assert.Equal(t, []string{"read", "write"}, claims.Permissions)
		assert.Equal(t, TypeAccess, claims.TokenType)
		assert.Equal(t, issued.ID, claims.ID)
	})

	t.Run("token has three dot separated segments", func(t *testing.T) {
		signed, _, err := codec.Issue("user-1", "", nil, TypeRefresh, time.Minute)
		require.NoError(t, err)
		assert.Len(t, strings.Split(signed, "."), 3)
	})

	t.Run("unknown token type rejected at issuance", func(t *testing.T) {
		_, _, err := codec.Issue("user-1", "", nil, "id_token", time.Minute)
		require.Error(t, err)
	})
}

func TestCodec_Verify_Failures(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("expired token", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Hour)
		backdated, err := NewCodec(Config{
			SigningKey: testKey,
			Algorithm:  "HS256",
			Now:        func() time.Time { return past },
		})
		require.NoError(t, err)

		signed, _, err := backdated.Issue("user-1", "", nil, TypeAccess, time.Minute)
		require.NoError(t, err)

		_, err = codec.Verify(signed)
		assert.Equal(t, apperrors.CodeTokenExpired, apperrors.CodeOf(err))
	})

	t.Run("altered signature segment", func(t *testing.T) {
		signed, _, err := codec.Issue("user-1", "", nil, TypeAccess, time.Minute)
		require.NoError(t, err)

		parts := strings.Split(signed, ".")
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		tampered := parts[0] + "." + parts[1] + "." + string(sig)

		_, err = codec.Verify(tampered)
		assert.Equal(t, apperrors.CodeTokenInvalidSignature, apperrors.CodeOf(err))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewCodec(Config{SigningKey: []byte("ffffffffffffffffffffffffffffffff"), Algorithm: "HS256"})
		require.NoError(t, err)

		signed, _, err := other.Issue("user-1", "", nil, TypeAccess, time.Minute)
		require.NoError(t, err)

		_, err = codec.Verify(signed)
		assert.Equal(t, apperrors.CodeTokenInvalidSignature, apperrors.CodeOf(err))
	})

	t.Run("foreign algorithm rejected outright", func(t *testing.T) {
		hs512, err := NewCodec(Config{SigningKey: testKey, Algorithm: "HS512"})
		require.NoError(t, err)

		signed, _, err := hs512.Issue("user-1", "", nil, TypeAccess, time.Minute)
		require.NoError(t, err)

		_, err = codec.Verify(signed)
		assert.Equal(t, apperrors.CodeTokenUnsupportedAlgorithm, apperrors.CodeOf(err))
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := codec.Verify("not-a-token")
		assert.Equal(t, apperrors.CodeTokenMalformed, apperrors.CodeOf(err))
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := codec.Verify("")
		assert.Equal(t, apperrors.CodeTokenMalformed, apperrors.CodeOf(err))
	})
}

func TestCodec_JTIUniqueness(t *testing.T) {
	codec := newTestCodec(t)

	const issuances = 10000
	seen := make(map[string]struct{}, issuances)
	for i := 0; i < issuances; i++ {
		_, claims, err := codec.Issue("user-1", "", nil, TypeAccess, time.Minute)
		require.NoError(t, err)
		_, dup := seen[claims.ID]
		require.False(t, dup, "duplicate jti %s after %d issuances", claims.ID, i)
		seen[claims.ID] = struct{}{}
	}
}

func TestNewCodec_Validation(t *testing.T) {
	_, err := NewCodec(Config{SigningKey: nil, Algorithm: "HS256"})
	assert.Error(t, err)

	_, err = NewCodec(Config{SigningKey: testKey, Algorithm: "XX999"})
	assert.Error(t, err)
}
