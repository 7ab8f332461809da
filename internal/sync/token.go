package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	calendarapi "google.golang.org/api/calendar/v3"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/gcal"
	"github.com/carebridge/calsync/internal/metrics"
	"github.com/carebridge/calsync/internal/store"
)

// refreshSafetyMargin keeps us from handing out tokens that expire mid-call.
const refreshSafetyMargin = 60 * time.Second

// TokenAuthority owns the OAuth credential lifecycle: code exchange on
// connect and transparent refresh before any provider call. Refreshes are
// single-flight per user because Google invalidates refresh tokens raced by
// duplicate grants.
type TokenAuthority struct {
	cfg      *config.Config
	creds    store.CredentialRepository
	verifier *oidc.IDTokenVerifier // nil when issuer discovery failed; connect still works
	group    singleflight.Group
	now      func() time.Time
}

func NewTokenAuthority(cfg *config.Config, creds store.CredentialRepository, verifier *oidc.IDTokenVerifier) *TokenAuthority {
	return &TokenAuthority{
		cfg:      cfg,
		creds:    creds,
		verifier: verifier,
		now:      time.Now,
	}
}

func (a *TokenAuthority) oauthConfig(redirectURL string) *oauth2.Config {
	conf := &oauth2.Config{
		ClientID:     a.cfg.Google.ClientID,
		ClientSecret: a.cfg.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendarapi.CalendarScope, oidc.ScopeOpenID, "email"},
	}
	if a.cfg.Google.TokenEndpoint != "" {
		conf.Endpoint = oauth2.Endpoint{
			AuthURL:  a.cfg.Google.TokenEndpoint,
			TokenURL: a.cfg.Google.TokenEndpoint,
		}
	}
	return conf
}

// BeginAuthorization builds the consent URL for the server-redirect flow.
// Offline access and forced consent are required: without them Google omits
// the refresh token and long-lived sync is impossible.
func (a *TokenAuthority) BeginAuthorization(state string) string {
	return a.oauthConfig(a.cfg.RedirectURL()).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeAuthorizationCode redeems an authorization code for tokens and
// stores the credential. A non-empty pkceVerifier selects the PKCE variant
// used by the mobile flow; the confidential server flow passes "".
func (a *TokenAuthority) ExchangeAuthorizationCode(ctx context.Context, userID, code, pkceVerifier, redirectURI string) (*store.Credential, error) {
	conf := a.oauthConfig(redirectURI)

	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}

	tok, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	cred := &store.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scopeFromToken(tok),
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.ExpiresAt = &expiry
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" && a.verifier != nil {
		idToken, err := a.verifier.Verify(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err == nil {
			cred.GoogleEmail = claims.Email
		}
		cred.GoogleSubject = idToken.Subject
	}

	if err := a.creds.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// EnsureValidAccessToken loads the credential and refreshes the access token
// when it is missing an expiry or inside the safety margin. Concurrent
// callers for the same user share one refresh.
func (a *TokenAuthority) EnsureValidAccessToken(ctx context.Context, userID string) (*store.Credential, string, error) {
	cred, err := a.creds.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrNotConnected
	}
	if err != nil {
		return nil, "", err
	}
	if cred.NeedsReauth {
		return nil, "", fmt.Errorf("%w: user must reconnect", gcal.ErrAuthExpired)
	}

	if cred.ExpiresAt != nil && a.now().Add(refreshSafetyMargin).Before(*cred.ExpiresAt) {
		return cred, cred.AccessToken, nil
	}

	v, err, _ := a.group.Do(userID, func() (any, error) {
		return a.refresh(ctx, cred)
	})
	if err != nil {
		return nil, "", err
	}
	refreshed := v.(*store.Credential)
	return refreshed, refreshed.AccessToken, nil
}

// refresh performs a refresh-token grant and rewrites only the token fields
// of the credential; managed-calendar state and the sync cursor are untouched.
func (a *TokenAuthority) refresh(ctx context.Context, cred *store.Credential) (*store.Credential, error) {
	conf := a.oauthConfig(a.cfg.RedirectURL())
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		if isRevokedGrant(err) {
			metrics.ObserveTokenRefresh("revoked")
			if derr := a.creds.SetNeedsReauth(ctx, cred.UserID, true); derr != nil {
				return nil, derr
			}
			return nil, fmt.Errorf("%w: refresh grant rejected: %v", gcal.ErrAuthExpired, err)
		}
		metrics.ObserveTokenRefresh("error")
		return nil, fmt.Errorf("%w: token refresh: %v", gcal.ErrTransient, err)
	}

	scope := scopeFromToken(tok)
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		expiresAt = &expiry
	}

	rotatedRefresh := ""
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		rotatedRefresh = tok.RefreshToken
	}
	if err := a.creds.UpdateTokens(ctx, cred.UserID, tok.AccessToken, rotatedRefresh, tok.TokenType, scope, expiresAt); err != nil {
		return nil, err
	}
	metrics.ObserveTokenRefresh("ok")

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if rotatedRefresh != "" {
		updated.RefreshToken = rotatedRefresh
	}
	if tok.TokenType != "" {
		updated.TokenType = tok.TokenType
	}
	if len(scope) > 0 {
		updated.Scope = scope
	}
	updated.ExpiresAt = expiresAt
	return &updated, nil
}

func isRevokedGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" {
		return true
	}
	return rerr.Response != nil && (rerr.Response.StatusCode == 400 || rerr.Response.StatusCode == 401) &&
		strings.Contains(strings.ToLower(string(rerr.Body)), "invalid_grant")
}

func scopeFromToken(tok *oauth2.Token) []string {
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return nil
}
