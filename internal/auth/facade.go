// Package auth composes the token codec, session manager, refresh token
// manager and revocation guard into the login / refresh / logout surface
// consumed by the transport layer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/freekieb7/go-sentinel/internal/errors"
	"github.com/freekieb7/go-sentinel/internal/metrics"
	"github.com/freekieb7/go-sentinel/internal/refresh"
	"github.com/freekieb7/go-sentinel/internal/revocation"
	"github.com/freekieb7/go-sentinel/internal/session"
	"github.com/freekieb7/go-sentinel/internal/token"
)

const component = "auth"

// LoginResult is everything a successful login hands back to the caller.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
}

// Facade orchestrates the credential components. It holds no state of its
// own; every mutable bit lives in the shared store behind the managers.
type Facade struct {
	codec    *token.Codec
	sessions *session.Manager
	refresh  *refresh.Manager
	guard    *revocation.Guard
	logger   *slog.Logger
	metrics  metrics.Sink

	accessTTL  time.Duration
	refreshTTL time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// Config for the facade.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	SessionTTL time.Duration
	Now        func() time.Time
}

func NewFacade(
	codec *token.Codec,
	sessions *session.Manager,
	refreshManager *refresh.Manager,
	guard *revocation.Guard,
	logger *slog.Logger,
	sink metrics.Sink,
	cfg Config,
) *Facade {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 8 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if sink == nil {
		sink = metrics.NewNopSink()
	}
	return &Facade{
		codec:      codec,
		sessions:   sessions,
		refresh:    refreshManager,
		guard:      guard,
		logger:     logger,
		metrics:    sink,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		sessionTTL: cfg.SessionTTL,
		now:        cfg.Now,
	}
}

// Login issues an access token, starts a refresh token family and creates a
// session whose payload references the access token and the device it was
// issued to. The caller has already authenticated the user; this facade
// only manages credentials.
func (f *Facade) Login(ctx context.Context, userID, email string, permissions []string, deviceInfo string) (*LoginResult, error) {
	start := f.now()

	accessToken, accessClaims, err := f.codec.Issue(userID, email, permissions, token.TypeAccess, f.accessTTL)
	if err != nil {
		f.metrics.RecordOperation(component, "login", f.now().Sub(start), err)
		return nil, err
	}

	_, refreshToken, err := f.refresh.Issue(ctx, userID, email, permissions, f.refreshTTL)
	if err != nil {
		f.metrics.RecordOperation(component, "login", f.now().Sub(start), err)
		return nil, err
	}

	payload := map[string]any{
		"access_jti":  accessClaims.ID,
		"device_info": deviceInfo,
	}
	sess, err := f.sessions.Create(ctx, userID, email, payload, f.sessionTTL)
	if err != nil {
		f.metrics.RecordOperation(component, "login", f.now().Sub(start), err)
		return nil, err
	}

	f.metrics.RecordOperation(component, "login", f.now().Sub(start), nil)
	f.metrics.RecordEvent(component, "login")
	f.logger.Info("User logged in", "user_id", userID, "device_info", deviceInfo)

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    sess.ID,
	}, nil
}

// Refresh rotates the presented refresh token. Sessions are deliberately
// untouched: session and refresh token lifecycles are managed independently,
// so the access_jti stored in a session payload is a point-in-time reference
// from login, not a live pointer.
func (f *Facade) Refresh(ctx context.Context, refreshToken string) (*refresh.TokenPair, error) {
	start := f.now()
	pair, err := f.refresh.Rotate(ctx, refreshToken)
	f.metrics.RecordOperation(component, "refresh", f.now().Sub(start), err)
	return pair, err
}

// Logout revokes every refresh token and deletes every session the user
// owns. The two keyspaces are updated independently, not transactionally:
// failure of one never blocks the other, and both failures are surfaced.
func (f *Facade) Logout(ctx context.Context, userID string) error {
	start := f.now()

	revoked, revokeErr := f.refresh.RevokeAllForUser(ctx, userID)
	if revokeErr != nil {
		f.logger.Error("Logout: failed to revoke refresh tokens", "user_id", userID, "error", revokeErr)
	}
	deleted, deleteErr := f.sessions.DeleteAllForUser(ctx, userID)
	if deleteErr != nil {
		f.logger.Error("Logout: failed to delete sessions", "user_id", userID, "error", deleteErr)
	}

	err := errors.Join(revokeErr, deleteErr)
	f.metrics.RecordOperation(component, "logout", f.now().Sub(start), err)
	if err != nil {
		return apperrors.InternalError(fmt.Sprintf("logout incomplete for user %s", userID), err)
	}

	f.metrics.RecordEvent(component, "logout")
	f.logger.Info("User logged out", "user_id", userID, "tokens_revoked", revoked, "sessions_deleted", deleted)
	return nil
}

// ValidateSession resolves a session id to its owner and payload.
func (f *Facade) ValidateSession(ctx context.Context, sessionID string) (string, map[string]any, error) {
	userID, payload, err := f.sessions.Validate(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if userID == "" {
		return "", nil, apperrors.SessionNotFoundError(nil)
	}
	return userID, payload, nil
}

// ValidateToken verifies the token cryptographically and then consults the
// blacklist. An unreachable blacklist fails closed: the token is treated as
// untrusted, never as "not blacklisted".
func (f *Facade) ValidateToken(ctx context.Context, tokenString string) (*token.Claims, error) {
	claims, err := f.codec.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	blacklisted, err := f.guard.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		f.logger.Error("Blacklist unreachable, failing closed", "jti", claims.ID, "error", err)
		return nil, err
	}
	if blacklisted {
		return nil, apperrors.TokenRevokedError(fmt.Sprintf("jti %s", claims.ID))
	}
	return claims, nil
}

// RevokeToken blacklists a still-valid token for its remaining lifetime.
func (f *Facade) RevokeToken(ctx context.Context, tokenString, reason string) error {
	claims, err := f.codec.Verify(tokenString)
	if err != nil {
		return err
	}
	remaining := claims.ExpiresAt.Time.Sub(f.now())
	if err := f.guard.Blacklist(ctx, claims.ID, remaining, reason); err != nil {
		return err
	}
	f.metrics.RecordEvent(component, "token_revoked")
	return nil
}
