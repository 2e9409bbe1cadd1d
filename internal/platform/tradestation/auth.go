package tradestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// TokenSource hands out OAuth access tokens obtained with a refresh token.
// Tokens are cached until refreshEarly before their expiry; concurrent
// refreshes collapse into one request.
type TokenSource struct {
	authURL      string
	clientID     string
	clientSecret string
	refreshEarly time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	validUntil   time.Time
}

// TokenSourceConfig holds the OAuth client parameters.
type TokenSourceConfig struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	RefreshToken string
	RefreshEarly time.Duration
	Timeout      time.Duration
}

// NewTokenSource creates a TokenSource. No request is made until the first
// call to Token.
func NewTokenSource(cfg TokenSourceConfig, logger *slog.Logger) *TokenSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenSource{
		authURL:      strings.TrimRight(cfg.AuthURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		refreshEarly: cfg.RefreshEarly,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger.With(slog.String("component", "tradestation_auth")),
		now:          time.Now,
	}
}

// Token returns a valid access token, refreshing it when needed.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.accessToken != "" && s.now().Before(s.validUntil) {
		tok := s.accessToken
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached access token so the next call refreshes.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.accessToken = ""
	s.validUntil = time.Time{}
	s.mu.Unlock()
}

var _ domain.CredentialRefresher = (*TokenSource)(nil)

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()
	if refreshToken == "" {
		return "", fmt.Errorf("tradestation/auth: %w: no refresh token", domain.ErrUnauthorized)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("tradestation/auth: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tradestation/auth: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("tradestation/auth: read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return "", fmt.Errorf("tradestation/auth: refresh: %w", err)
	}

	var tok apiTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("tradestation/auth: decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("tradestation/auth: %w: empty access token", domain.ErrUnauthorized)
	}
	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}

	s.mu.Lock()
	s.accessToken = tok.AccessToken
	s.validUntil = s.now().Add(expiresIn - s.refreshEarly)
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "access token refreshed", slog.Duration("expires_in", expiresIn))
	return tok.AccessToken, nil
}
