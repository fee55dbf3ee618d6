package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subpub/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestManager_GetReturnsSuppliedToken(t *testing.T) {
	store := newTestStore(t)
	m := New(Config{}, store, http.DefaultClient)

	supplied := &storage.Token{Access: "a", Refresh: "r", ExpiresAt: time.Now().Unix() + 10000}
	require.NoError(t, m.Start(context.Background(), supplied))
	defer m.Stop()

	got, err := m.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, supplied, got)
}

func TestManager_SingleFlightRefresh(t *testing.T) {
	var refreshCount int32
	var preserveOldRefresh atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCount, 1)
		time.Sleep(30 * time.Millisecond) // keep the gate closed long enough for concurrent Get calls to queue
		_ = r.ParseForm()
		preserveOldRefresh.Store(r.Form.Get("refresh_token") == "old-refresh")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	cfg := Config{Endpoints: Endpoints{TokenURL: srv.URL}}
	m := New(cfg, store, srv.Client())

	initial := &storage.Token{Access: "old-access", Refresh: "old-refresh", ExpiresAt: time.Now().Unix() + 10000}
	require.NoError(t, m.Start(context.Background(), initial))
	defer m.Stop()

	const n = 10
	results := make([]*storage.Token, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = m.Refresh(context.Background())
			tok, err := m.Get(context.Background())
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCount), "refresh must be single-flight")
	for _, tok := range results {
		assert.Equal(t, "new-access", tok.Access)
		assert.Equal(t, "old-refresh", tok.Refresh, "server omitting refresh_token preserves the old one")
	}
	assert.True(t, preserveOldRefresh.Load())
}

func TestManager_RefreshPreservesOldRefreshTokenOnOmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	cfg := Config{Endpoints: Endpoints{TokenURL: srv.URL}}
	m := New(cfg, store, srv.Client())
	require.NoError(t, m.Start(context.Background(), &storage.Token{Access: "old", Refresh: "keep-me", ExpiresAt: time.Now().Unix() + 1}))
	defer m.Stop()

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep-me", tok.Refresh)
	assert.Equal(t, "new-access", tok.Access)
}

// TestManager_RunAuthorizationCodeFlow_StateMismatchIsFatal covers spec
// invariant "state mismatch is fatal to the flow": a callback whose state
// parameter doesn't match the one generated for this flow must fail the
// whole flow with ErrStateMismatch rather than proceeding to exchange a
// code.
func TestManager_RunAuthorizationCodeFlow_StateMismatchIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	store := newTestStore(t)
	cfg := Config{
		ClientID:    "cid",
		RedirectURI: fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Endpoints:   Endpoints{AuthorizeURL: "http://example.invalid/authorize"},
	}
	m := New(cfg, store, http.DefaultClient)

	flowErr := make(chan error, 1)
	go func() {
		_, err := m.runAuthorizationCodeFlow(context.Background())
		flowErr <- err
	}()

	var resp *http.Response
	var reqErr error
	callbackURL := fmt.Sprintf("http://127.0.0.1:%d/callback?state=wrong-state&code=abc", port)
	for i := 0; i < 50; i++ {
		resp, reqErr = http.Get(callbackURL)
		if reqErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, reqErr, "callback server never came up")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case err := <-flowErr:
		assert.ErrorIs(t, err, ErrStateMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("runAuthorizationCodeFlow did not return after a state mismatch")
	}
}

func TestGenerateState_Length(t *testing.T) {
	s, err := generateState()
	require.NoError(t, err)
	assert.Len(t, s, 19) // 14 random bytes, unpadded base64url

	s2, err := generateState()
	require.NoError(t, err)
	assert.NotEqual(t, s, s2)
}
