package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/syncflow/internal/etl"
)

type memStore struct {
	mu    sync.Mutex
	token string
	saves int
}

func (s *memStore) LoadRefreshToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memStore) SaveRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.saves++
	return nil
}

type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) LoadRefreshToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTokenStore) SaveRefreshToken(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func tokenServer(t *testing.T, calls *atomic.Int32, rotate bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		refresh := ""
		if rotate {
			refresh = fmt.Sprintf(`,"refresh_token":"rt-%d"`, n)
		}
		fmt.Fprintf(w, `{"access_token":"at-%d","expires_in":3600,"token_type":"Bearer"%s}`, n, refresh)
	}))
}

func TestTokenManagerCachesUntilExpiryBuffer(t *testing.T) {
	var calls atomic.Int32
	var expiresIn atomic.Int64
	expiresIn.Store(3600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "rt-0", r.PostForm.Get("refresh_token"))
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-%d","expires_in":%d,"token_type":"Bearer"}`, n, expiresIn.Load())
	}))
	defer srv.Close()

	m := NewTokenManager(Config{TokenURL: srv.URL, RefreshToken: "rt-0"}, nil, srv.Client())
	ctx := context.Background()

	tok, err := m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	tok, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok, "still inside the validity window")

	// A token that expires within the buffer is never reused.
	expiresIn.Store(int64((ExpiryBuffer - 10*time.Second).Seconds()))
	m.Invalidate()
	tok, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	tok, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-3", tok, "refreshed inside the expiry buffer")
	assert.Equal(t, int32(3), calls.Load())
}

func TestTokenManagerRequiresRefreshToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, false)
	defer srv.Close()

	m := NewTokenManager(Config{TokenURL: srv.URL, ClientID: "client-1"}, &memStore{}, srv.Client())
	_, err := m.Token(context.Background())
	var e *etl.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, etl.CodeAuth, e.Code)
	assert.Zero(t, calls.Load())
}

func TestTokenManagerPersistsRotatedRefreshToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, true)
	defer srv.Close()

	store := &memStore{token: "rt-saved"}
	m := NewTokenManager(Config{TokenURL: srv.URL, ClientID: "client-1", RefreshToken: "rt-config"}, store, srv.Client())

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", store.token)
	assert.Equal(t, 1, store.saves)

	m.Invalidate()
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, "rt-2", store.token)
}

func TestTokenManagerTokenStoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("load failure is a system error", func(t *testing.T) {
		var calls atomic.Int32
		srv := tokenServer(t, &calls, true)
		defer srv.Close()

		store := new(MockTokenStore)
		store.On("LoadRefreshToken", ctx).Return("", errors.New("disk unavailable"))

		m := NewTokenManager(Config{TokenURL: srv.URL, ClientID: "client-1"}, store, srv.Client())
		_, err := m.Token(ctx)
		var e *etl.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, etl.KindSystem, e.Kind)
		assert.Zero(t, calls.Load())
		store.AssertExpectations(t)
		store.AssertNotCalled(t, "SaveRefreshToken", mock.Anything, mock.Anything)
	})

	t.Run("save failure keeps the fresh token", func(t *testing.T) {
		var calls atomic.Int32
		srv := tokenServer(t, &calls, true)
		defer srv.Close()

		store := new(MockTokenStore)
		store.On("LoadRefreshToken", ctx).Return("rt-saved", nil).Once()
		store.On("SaveRefreshToken", ctx, "rt-1").Return(errors.New("read-only file system")).Once()

		m := NewTokenManager(Config{TokenURL: srv.URL, ClientID: "client-1"}, store, srv.Client())
		tok, err := m.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "at-1", tok)
		store.AssertExpectations(t)
	})
}

func TestTokenManagerConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, false)
	defer srv.Close()

	m := NewTokenManager(Config{TokenURL: srv.URL, ClientID: "client-1", RefreshToken: "rt-0"}, nil, srv.Client())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenManagerErrorClassification(t *testing.T) {
	cases := map[string]struct {
		status int
		kind   etl.ErrorKind
		code   string
	}{
		"rejected grant": {http.StatusBadRequest, etl.KindPermanent, etl.CodeAuth},
		"unauthorized":   {http.StatusUnauthorized, etl.KindPermanent, etl.CodeAuth},
		"server down":    {http.StatusBadGateway, etl.KindTransient, etl.CodeUnavailable},
		"throttled":      {http.StatusTooManyRequests, etl.KindTransient, etl.CodeRateLimit},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"invalid_grant"}`, tc.status)
			}))
			defer srv.Close()

			m := NewTokenManager(Config{TokenURL: srv.URL, RefreshToken: "rt-0"}, nil, srv.Client())
			_, err := m.Token(context.Background())
			var e *etl.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, tc.code, e.Code)
		})
	}
}

func TestFileTokenStoreRoundTrip(t *testing.T) {
	s := FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}

	tok, err := s.LoadRefreshToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.SaveRefreshToken(context.Background(), "rt-new"))
	tok, err = s.LoadRefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-new", tok)
}
