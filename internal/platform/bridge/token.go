package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"notifications/internal/platform/config"
)

const tokenCacheKey = "bridge_access_token"

// fallbackTokenTTL applies when neither expires_in nor an exp claim is known.
const fallbackTokenTTL = time.Minute

var ErrNoCredentials = errors.New("bridge: no static token or client credentials configured")

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenProvider hands out the bearer token used against the bridge API. A
// static token is returned as is; otherwise a client credentials grant is
// performed and the result cached until shortly before it expires.
type TokenProvider struct {
	cfg        config.AuthConfig
	httpClient *http.Client
	cache      *cache.Cache
	now        func() time.Time

	mu sync.Mutex
}

func NewTokenProvider(cfg config.AuthConfig, httpClient *http.Client) (*TokenProvider, error) {
	if cfg.StaticToken == "" && (cfg.TokenURL == "" || cfg.ClientID == "") {
		return nil, ErrNoCredentials
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenProvider{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      cache.New(cache.NoExpiration, 10*time.Minute),
		now:        time.Now,
	}, nil
}

func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p.cfg.StaticToken != "" {
		return p.cfg.StaticToken, nil
	}
	if cached, found := p.cache.Get(tokenCacheKey); found {
		return cached.(string), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have refreshed while we waited.
	if cached, found := p.cache.Get(tokenCacheKey); found {
		return cached.(string), nil
	}

	tr, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	if ttl := p.ttl(tr); ttl > 0 {
		p.cache.Set(tokenCacheKey, tr.AccessToken, ttl)
	}
	return tr.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (p *TokenProvider) Invalidate() {
	p.cache.Delete(tokenCacheKey)
}

func (p *TokenProvider) fetch(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("bridge: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("bridge: token response has no access_token")
	}
	return &tr, nil
}

// ttl is how long a token may be served from cache: its lifetime minus the
// configured margin. Zero or less means do not cache.
func (p *TokenProvider) ttl(tr *tokenResponse) time.Duration {
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = fallbackTokenTTL
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			lifetime = exp.Sub(p.now())
		}
	}
	return lifetime - p.cfg.ExpiryMargin
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected for caching, the bridge does the verification.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
