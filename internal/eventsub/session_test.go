package eventsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subpub/internal/notify"
)

type fakeReconciler struct {
	calls int32
}

func (f *fakeReconciler) Reconcile(ctx context.Context, sessionID string, desired map[string][]*string) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []notify.Metadata
}

func (f *fakeHandler) Handle(ctx context.Context, meta notify.Metadata, payload notify.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, meta)
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

// wsURL converts an http:// test server URL to a ws:// one.
func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestMachine_WelcomeThenNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"metadata":{"message_id":"w1","message_type":"session_welcome","message_timestamp":"2024-01-01T00:00:00Z"},"payload":{"session":{"id":"sess-A"}}}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"metadata":{"message_id":"n1","message_type":"notification","message_timestamp":"2024-01-01T00:00:01Z"},"payload":{"subscription":{"type":"channel.follow"},"event":{"user_id":"42"}}}`))

		<-ctx.Done()
	}))
	defer srv.Close()

	reconciler := &fakeReconciler{}
	handler := &fakeHandler{}
	m, err := New(Config{URL: wsURL(srv.URL), Reconciler: reconciler, Handler: handler})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.Run(ctx)

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "sess-A", m.SessionID())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&reconciler.calls), int32(1))

	m.Close()
}

func TestMachine_DuplicateEnvelopeProcessedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"metadata":{"message_id":"w1","message_type":"session_welcome","message_timestamp":"2024-01-01T00:00:00Z"},"payload":{"session":{"id":"sess-A"}}}`))
		frame := []byte(`{"metadata":{"message_id":"n1","message_type":"notification","message_timestamp":"2024-01-01T00:00:01Z"},"payload":{"subscription":{"type":"channel.follow"},"event":{}}}`)
		conn.Write(ctx, websocket.MessageText, frame)
		conn.Write(ctx, websocket.MessageText, frame)

		<-ctx.Done()
	}))
	defer srv.Close()

	handler := &fakeHandler{}
	m, err := New(Config{URL: wsURL(srv.URL), Handler: handler})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, handler.count())

	m.Close()
}

func TestMachine_ReconnectBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, err := New(Config{URL: wsURL(srv.URL), MaxReconnect: 1})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWebSocketClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not exit after exhausting reconnect budget")
	}
}
