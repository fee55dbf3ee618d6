// Package oauth implements the authorization-code flow, persistent
// refresh, and single-flight gating that make up TokenManager: the
// module holds one valid platform token at a time and blocks readers
// while a refresh is in flight.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/ashgrove/subpub/internal/metrics"
	"github.com/ashgrove/subpub/internal/storage"
)

// tokenName is the fixed storage key the module persists the platform
// token under.
const tokenName = "twitch"

// validateInterval is the validator loop's fixed cadence.
const validateInterval = 3600 * time.Second

// preemptiveWindow triggers a refresh when the token's remaining lifetime
// drops to or below this, even if validation itself returned 200.
const preemptiveWindow = 3600 * time.Second

// TokenExchangeFailed is raised when the token endpoint returns a
// non-200 response, carrying the response body for diagnosis.
type TokenExchangeFailed struct {
	Status int
	Body   string
}

func (e *TokenExchangeFailed) Error() string {
	return fmt.Sprintf("oauth: token exchange failed: status %d: %s", e.Status, e.Body)
}

// ErrStateMismatch is returned when the OAuth redirect's state parameter
// does not match the one generated for this flow.
var ErrStateMismatch = errors.New("oauth: state mismatch")

// Endpoints holds the platform's OAuth2 endpoint URLs.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	ValidateURL  string
}

// Config is the subset of the module's configuration TokenManager needs.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string // e.g. "http://localhost:17563/oauth/callback"
	Scopes       []string
	Endpoints    Endpoints
}

// oauth2Config adapts Config into the standard library's oauth2.Config,
// used only to build the authorization URL — refresh and exchange stay
// hand-rolled because the platform's refresh_token-omission quirk and
// single-flight gating need direct control over the request/response.
func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.Endpoints.AuthorizeURL,
			TokenURL: c.Endpoints.TokenURL,
		},
	}
}

// Manager owns the current token, gates concurrent readers during
// refresh, and runs the background validator loop.
type Manager struct {
	cfg    Config
	store  storage.Store
	client *http.Client

	mu    sync.RWMutex
	token *storage.Token

	gateMu sync.Mutex
	gate   chan struct{} // closed when a valid token is available

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New returns a Manager ready for Start.
func New(cfg Config, store storage.Store, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	m := &Manager{cfg: cfg, store: store, client: client}
	m.gate = make(chan struct{})
	close(m.gate) // starts open: no refresh in flight yet
	return m
}

// Start loads a persisted token, or runs the authorization-code flow if
// none is supplied or stored, then launches the background validator.
// It returns once a valid token is held.
func (m *Manager) Start(ctx context.Context, supplied *storage.Token) error {
	tok := supplied
	if tok == nil {
		loaded, err := m.store.LoadToken(ctx, tokenName)
		if err != nil {
			return err
		}
		tok = loaded
	}

	if tok == nil {
		fresh, err := m.runAuthorizationCodeFlow(ctx)
		if err != nil {
			return err
		}
		tok = fresh
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	// Validate once up front so user_id is captured (and an already-stale
	// token refreshed) before Start returns, not up to validateInterval
	// later. Callers that read the token's UserID right after Start (e.g.
	// to build the reconciler's Identity) depend on this.
	m.validateOnce(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.validatorLoop(runCtx)

	return nil
}

// Stop cancels the validator loop. Idempotent.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.stopped
}

// Get returns the current token, blocking while a refresh is in flight.
func (m *Manager) Get(ctx context.Context) (*storage.Token, error) {
	m.gateMu.Lock()
	gate := m.gate
	m.gateMu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// validatorLoop runs the 3600-second validation/preemptive-refresh cycle
// until ctx is canceled.
func (m *Manager) validatorLoop(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(validateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.validateOnce(ctx)
	}
}

func (m *Manager) validateOnce(ctx context.Context) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok == nil {
		return
	}

	needsRefresh := time.Now().Unix()+int64(preemptiveWindow.Seconds()) >= tok.ExpiresAt

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Endpoints.ValidateURL, nil)
	if err == nil {
		req.Header.Set("Authorization", "OAuth "+tok.Access)
		resp, err := m.client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var body struct {
					UserID string `json:"user_id"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&body)
				if body.UserID != "" {
					m.mu.Lock()
					m.token.UserID = body.UserID
					m.mu.Unlock()
				}
				metrics.TokenValidationsTotal.WithLabelValues("ok").Inc()
			} else {
				metrics.TokenValidationsTotal.WithLabelValues("failed").Inc()
				needsRefresh = true
			}
		} else {
			metrics.TokenValidationsTotal.WithLabelValues("error").Inc()
			slog.Warn("oauth: validation request failed", "error", err)
		}
	}

	if needsRefresh {
		if _, err := m.refresh(ctx); err != nil {
			slog.Warn("oauth: refresh failed, validator will retry next tick", "error", err)
		}
	}
}

// refresh performs a single-flight token refresh: the first caller
// closes the gate, does the work, and reopens it; concurrent callers
// simply wait on the (already-closed) gate and return the refreshed
// token without issuing a second refresh.
func (m *Manager) refresh(ctx context.Context) (*storage.Token, error) {
	m.gateMu.Lock()
	select {
	case <-m.gate:
		// Gate is open: we are the one to start the refresh.
		m.gate = make(chan struct{})
		myGate := m.gate
		m.gateMu.Unlock()

		tok, err := m.doRefresh(ctx)

		m.gateMu.Lock()
		close(myGate)
		m.gateMu.Unlock()

		return tok, err
	default:
		// A refresh is already in flight; wait for it.
		gate := m.gate
		m.gateMu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.token, nil
	}
}

func (m *Manager) doRefresh(ctx context.Context) (*storage.Token, error) {
	m.mu.RLock()
	prev := m.token
	m.mu.RUnlock()

	if prev == nil || prev.Refresh == "" {
		fresh, err := m.runAuthorizationCodeFlow(ctx)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("reauth_failed").Inc()
			return nil, err
		}
		m.mu.Lock()
		m.token = fresh
		m.mu.Unlock()
		metrics.TokenRefreshesTotal.WithLabelValues("reauth").Inc()
		return fresh, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {prev.Refresh},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		fresh, ferr := m.runAuthorizationCodeFlow(ctx)
		if ferr != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("reauth_failed").Inc()
			return nil, ferr
		}
		m.mu.Lock()
		m.token = fresh
		m.mu.Unlock()
		metrics.TokenRefreshesTotal.WithLabelValues("reauth").Inc()
		return fresh, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fresh, ferr := m.runAuthorizationCodeFlow(ctx)
		if ferr != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("reauth_failed").Inc()
			return nil, ferr
		}
		m.mu.Lock()
		m.token = fresh
		m.mu.Unlock()
		metrics.TokenRefreshesTotal.WithLabelValues("reauth").Inc()
		return fresh, nil
	}

	var body struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int64    `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("oauth: decode refresh response: %w", err)
	}

	refreshToken := body.RefreshToken
	if refreshToken == "" {
		refreshToken = prev.Refresh // provider quirk: omission means "unchanged"
	}

	next := &storage.Token{
		Access:    body.AccessToken,
		Refresh:   refreshToken,
		ExpiresAt: time.Now().Unix() + body.ExpiresIn,
		Scopes:    body.Scope,
		UserID:    prev.UserID,
	}

	if err := m.store.SaveToken(ctx, tokenName, next); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.token = next
	m.mu.Unlock()

	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	return next, nil
}

// Refresh exposes a forced refresh for callers outside the validator
// loop (e.g. AuthedClient after a 401).
func (m *Manager) Refresh(ctx context.Context) (*storage.Token, error) {
	return m.refresh(ctx)
}

func generateState() (string, error) {
	buf := make([]byte, 14)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var sanitizer = bluemonday.StrictPolicy()

func closeTabHTML(errMsg string) string {
	safe := sanitizer.Sanitize(errMsg)
	if safe == "" {
		return `<html><body><script>window.close()</script>You may close this tab.</body></html>`
	}
	return fmt.Sprintf(`<html><body><p>Authorization failed: %s</p><script>window.close()</script></body></html>`, safe)
}

// runAuthorizationCodeFlow drives the full browser-based authorization
// grant: build the URL, open the browser (or log it), receive the
// redirect on an embedded server, verify state, and exchange the code.
func (m *Manager) runAuthorizationCodeFlow(ctx context.Context) (*storage.Token, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	redirect, err := url.Parse(m.cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("oauth: parse redirect_uri: %w", err)
	}

	authURLStr := m.cfg.oauth2Config().AuthCodeURL(state)

	type result struct {
		code string
		err  error
	}
	resultCh := make(chan result, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		qp := r.URL.Query()

		if errParam := qp.Get("error"); errParam != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, closeTabHTML(errParam))
			once.Do(func() { resultCh <- result{err: fmt.Errorf("oauth: authorization denied: %s", errParam)} })
			return
		}

		if qp.Get("state") != state {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, closeTabHTML("state mismatch"))
			once.Do(func() { resultCh <- result{err: ErrStateMismatch} })
			return
		}

		code := qp.Get("code")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, closeTabHTML(""))
		once.Do(func() { resultCh <- result{code: code} })
	})

	srv := &http.Server{Addr: redirect.Host, Handler: mux}
	ln, err := newListener(redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("oauth: bind callback server: %w", err)
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := browser.OpenURL(authURLStr); err != nil {
		slog.Info("oauth: open this URL to authorize", "url", authURLStr)
		printAuthQRCode(authURLStr)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return m.exchangeCode(ctx, res.code)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) exchangeCode(ctx context.Context, code string) (*storage.Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.cfg.RedirectURI},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := make([]byte, 4096)
		n, _ := resp.Body.Read(body)
		return nil, &TokenExchangeFailed{Status: resp.StatusCode, Body: string(body[:n])}
	}

	var body struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int64    `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", err)
	}

	tok := &storage.Token{
		Access:    body.AccessToken,
		Refresh:   body.RefreshToken,
		ExpiresAt: time.Now().Unix() + body.ExpiresIn,
		Scopes:    body.Scope,
	}
	if err := m.store.SaveToken(ctx, tokenName, tok); err != nil {
		return nil, err
	}
	return tok, nil
}
