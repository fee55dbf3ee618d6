// Package restclient provides AuthedClient, a thin authenticated HTTP
// helper that injects the platform's Client-ID and bearer token, and
// retries deterministically on 401 (refresh once) and 429 (sleep then
// retry).
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/ashgrove/subpub/internal/id"
	"github.com/ashgrove/subpub/internal/metrics"
	"github.com/ashgrove/subpub/internal/storage"
)

// TokenSource returns the current token, blocking while a refresh is in
// progress, and can be asked to force a refresh. oauth.Manager satisfies
// this.
type TokenSource interface {
	Get(ctx context.Context) (*storage.Token, error)
	Refresh(ctx context.Context) (*storage.Token, error)
}

// AuthFailedError is returned when a request still gets 401 after a
// token refresh and retry.
type AuthFailedError struct {
	Method, URL string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("restclient: auth failed: %s %s", e.Method, e.URL)
}

// RateLimitedError describes a 429 response. Request never returns it:
// every 429 is retried transparently after the Ratelimit-Reset wait.
type RateLimitedError struct {
	Method, URL string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("restclient: rate limited: %s %s", e.Method, e.URL)
}

// HTTPError carries a non-2xx, non-401/429 response.
type HTTPError struct {
	Status int
	Body   string
	Method string
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("restclient: %s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client is an authenticated HTTP helper for the platform's REST
// surface; callers pass absolute URLs.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	clientID   string
}

// New returns a Client that injects clientID and the TokenSource's
// current bearer token on every request. A nil httpClient gets a
// transport with HTTP/2 explicitly configured, since the platform's
// REST surface negotiates it over TLS ALPN.
func New(httpClient *http.Client, tokens TokenSource, clientID string) *Client {
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(transport); err != nil {
			slog.Warn("restclient: http2 configuration failed, falling back to http/1.1", "error", err)
		}
		httpClient = &http.Client{Transport: transport}
	}
	return &Client{httpClient: httpClient, tokens: tokens, clientID: clientID}
}

// Request issues method against rawURL with an optional JSON body and
// query params, returning the parsed JSON body. A 401 retries once
// after forcing a refresh, and a second 401 surfaces as
// AuthFailedError; 429 sleeps until
// Ratelimit-Reset+3 seconds and retries. Non-2xx otherwise surfaces as
// HTTPError.
func (c *Client) Request(ctx context.Context, method, rawURL string, body any, query url.Values) (map[string]any, error) {
	return c.request(ctx, method, rawURL, body, query, false)
}

func (c *Client) request(ctx context.Context, method, rawURL string, body any, query url.Values, retriedAuth bool) (map[string]any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("X-Request-Id", id.Generate())

	tok, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		req.Header.Set("Authorization", "Bearer "+tok.Access)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	statusClass := strconv.Itoa(resp.StatusCode/100) + "xx"
	metrics.RESTRequestsTotal.WithLabelValues(method, statusClass).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if retriedAuth {
			return nil, &AuthFailedError{Method: method, URL: rawURL}
		}
		if _, err := c.tokens.Refresh(ctx); err != nil {
			return nil, &AuthFailedError{Method: method, URL: rawURL}
		}
		return c.request(ctx, method, rawURL, body, query, true)

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := rateLimitWait(resp.Header.Get("Ratelimit-Reset"))
		metrics.RESTRateLimitWaitSeconds.Observe(wait.Seconds())
		slog.Info("restclient: rate limited, sleeping", "seconds", wait.Seconds(), "url", rawURL)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.request(ctx, method, rawURL, body, query, retriedAuth)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return map[string]any{}, nil
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			slog.Warn("restclient: response body is not JSON", "url", rawURL, "error", err)
			return map[string]any{"_raw": string(data), "_status": resp.StatusCode}, nil
		}
		return parsed, nil

	default:
		data, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(data), Method: method, URL: rawURL}
	}
}

// rateLimitWait parses a Ratelimit-Reset header (epoch seconds) and
// returns reset-now+3 seconds, floored at zero.
func rateLimitWait(resetHeader string) time.Duration {
	reset, err := strconv.ParseInt(resetHeader, 10, 64)
	if err != nil {
		return 3 * time.Second
	}
	wait := time.Duration(reset-time.Now().Unix()+3) * time.Second
	if wait < 0 {
		wait = 0
	}
	return wait
}
