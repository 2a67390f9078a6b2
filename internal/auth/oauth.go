// Package auth obtains OAuth2 access tokens with the refresh-token grant.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/logger"
)

// ExpiryBuffer is how long before expiry a cached token is refreshed.
const ExpiryBuffer = 60 * time.Second

type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// TokenStore persists refresh tokens rotated by the authorization server.
type TokenStore interface {
	LoadRefreshToken(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
}

// TokenManager caches an access token and refreshes it before it expires.
// It is safe for concurrent use.
type TokenManager struct {
	oauth  oauth2.Config
	store  TokenStore
	client *http.Client

	mu           sync.Mutex
	src          oauth2.TokenSource
	refreshToken string
	loaded       bool
}

// NewTokenManager creates a manager. store may be nil, in which case rotated
// refresh tokens live only in memory.
func NewTokenManager(cfg Config, store TokenStore, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		store:        store,
		client:       client,
		refreshToken: cfg.RefreshToken,
	}
}

// Token returns a valid access token, refreshing it when missing or about to expire.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded && m.store != nil {
		saved, err := m.store.LoadRefreshToken(ctx)
		if err != nil {
			return "", etl.SystemError("token_store", err)
		}
		if saved != "" {
			m.refreshToken = saved
		}
		m.loaded = true
	}
	if m.refreshToken == "" {
		return "", etl.AuthError(errors.New("no refresh token configured"))
	}

	if m.src == nil {
		// The source refreshes with this context long after the call returns.
		octx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, m.client)
		m.src = oauth2.ReuseTokenSourceWithExpiry(nil,
			m.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: m.refreshToken}), ExpiryBuffer)
	}

	tok, err := m.src.Token()
	if err != nil {
		m.src = nil
		return "", classifyTokenError(err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != m.refreshToken {
		m.refreshToken = tok.RefreshToken
		if m.store != nil {
			if err := m.store.SaveRefreshToken(ctx, tok.RefreshToken); err != nil {
				logger.Warnf("Could not persist rotated refresh token: %v", err)
			}
		}
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached access token, e.g. after the API rejected it.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.src = nil
	m.mu.Unlock()
}

func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		status := rerr.Response.StatusCode
		err := fmt.Errorf("token request failed: %d %s", status, strings.TrimSpace(string(rerr.Body)))
		switch {
		case status >= 500:
			return etl.UnavailableError(err)
		case status == http.StatusTooManyRequests:
			return etl.RateLimitError(err, 0)
		default:
			return etl.AuthError(err)
		}
	}
	var uerr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return etl.TimeoutError(fmt.Errorf("token request: %w", err))
	case errors.As(err, &uerr):
		return etl.ConnectionError(fmt.Errorf("token request: %w", err))
	default:
		return etl.MalformedResponseError(fmt.Errorf("token response: %w", err))
	}
}

// FileTokenStore keeps the current refresh token in a JSON file.
type FileTokenStore struct {
	Path string
}

type tokenFile struct {
	RefreshToken string    `json:"refreshToken"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s FileTokenStore) LoadRefreshToken(context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	return tf.RefreshToken, nil
}

func (s FileTokenStore) SaveRefreshToken(_ context.Context, token string) error {
	data, err := json.MarshalIndent(tokenFile{RefreshToken: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(s.Path), "."+filepath.Base(s.Path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}
