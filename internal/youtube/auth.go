// Package youtube publishes videos to YouTube: OAuth refresh-token
// authentication, resumable uploads, and classification of API errors.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/shortsd/internal/failure"
	"github.com/kalambet/shortsd/internal/storage"
)

// DefaultTokenURL is Google's OAuth 2.0 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// expirySkew treats tokens this close to expiry as already expired.
const expirySkew = time.Minute

// CredentialStore persists the platform credential.
type CredentialStore interface {
	LoadCredential() (storage.Credential, error)
	SaveCredential(c storage.Credential) error
}

// OAuthConfig identifies the OAuth client used for refreshes.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// TokenSource hands out valid access tokens. Refreshes are single-flight:
// concurrent callers wait on the refresh already in progress.
type TokenSource struct {
	cfg    OAuthConfig
	store  CredentialStore
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	cred  *storage.Credential
	group singleflight.Group
}

// NewTokenSource creates a TokenSource. A nil client uses a client with a
// 30 second timeout.
func NewTokenSource(cfg OAuthConfig, store CredentialStore, client *http.Client) *TokenSource {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		cfg:    cfg,
		store:  store,
		client: client,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Authenticate returns a non-expired credential, refreshing it first if
// needed. A missing or revoked refresh token fails with auth_expired.
func (ts *TokenSource) Authenticate(ctx context.Context) (storage.Credential, error) {
	cred, err := ts.current()
	if err != nil {
		return storage.Credential{}, err
	}
	if ts.valid(cred) {
		return cred, nil
	}

	v, err, shared := ts.group.Do("refresh", func() (any, error) {
		return ts.refresh(ctx)
	})
	if err != nil {
		return storage.Credential{}, err
	}
	if shared {
		ts.logger.Debug("joined in-flight token refresh")
	}
	return v.(storage.Credential), nil
}

// Invalidate drops the cached access token so the next Authenticate refreshes.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cred != nil {
		ts.cred.AccessToken = ""
		ts.cred.ExpiresAt = time.Time{}
	}
}

// SetRefreshToken stores a new refresh token from operator re-consent. The
// access token is cleared and fetched on next use.
func (ts *TokenSource) SetRefreshToken(refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return errors.New("refresh token must not be empty")
	}
	cred := storage.Credential{RefreshToken: refreshToken, UpdatedAt: ts.now()}
	if err := ts.store.SaveCredential(cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	ts.mu.Lock()
	ts.cred = &cred
	ts.mu.Unlock()
	return nil
}

func (ts *TokenSource) current() (storage.Credential, error) {
	ts.mu.RLock()
	cred := ts.cred
	ts.mu.RUnlock()
	if cred != nil {
		return *cred, nil
	}

	loaded, err := ts.store.LoadCredential()
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Credential{}, failure.Newf(failure.AuthExpired, "youtube.auth", "no credential stored")
	}
	if err != nil {
		return storage.Credential{}, fmt.Errorf("loading credential: %w", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.cred == nil {
		ts.cred = &loaded
	}
	return *ts.cred, nil
}

func (ts *TokenSource) valid(c storage.Credential) bool {
	return c.AccessToken != "" && ts.now().Add(expirySkew).Before(c.ExpiresAt)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
	Description  string `json:"error_description"`
}

func (ts *TokenSource) refresh(ctx context.Context) (storage.Credential, error) {
	const op = "youtube.auth"

	cred, err := ts.current()
	if err != nil {
		return storage.Credential{}, err
	}
	if ts.valid(cred) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return storage.Credential{}, failure.Newf(failure.AuthExpired, op, "no refresh token")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {ts.cfg.ClientID},
		"client_secret": {ts.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return storage.Credential{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return storage.Credential{}, failure.New(failure.Network, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return storage.Credential{}, failure.New(failure.Network, op, fmt.Errorf("reading token response: %w", err))
	}
	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := failure.Newf(failure.RateLimited, op, "token endpoint returned %d", resp.StatusCode)
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), ts.now())
		return storage.Credential{}, fe
	case resp.StatusCode >= 500:
		return storage.Credential{}, failure.Newf(failure.Network, op, "token endpoint returned %d", resp.StatusCode)
	default:
		// invalid_grant: the refresh token was revoked or expired.
		return storage.Credential{}, failure.Newf(failure.AuthExpired, op, "refresh rejected (%d): %s %s",
			resp.StatusCode, tr.Error, tr.Description)
	}
	if tr.AccessToken == "" {
		return storage.Credential{}, failure.Newf(failure.Network, op, "token response has no access_token")
	}

	now := ts.now()
	next := storage.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		UpdatedAt:    now,
	}
	if tr.RefreshToken != "" {
		next.RefreshToken = tr.RefreshToken
	}
	if err := ts.store.SaveCredential(next); err != nil {
		return storage.Credential{}, fmt.Errorf("saving refreshed credential: %w", err)
	}

	ts.mu.Lock()
	ts.cred = &next
	ts.mu.Unlock()

	ts.logger.Info("refreshed access token", "expires_at", next.ExpiresAt)
	return next, nil
}
