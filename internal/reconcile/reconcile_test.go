package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subpub/internal/restclient"
	"github.com/ashgrove/subpub/internal/storage"
)

type fakeTokens struct{ token *storage.Token }

func (f *fakeTokens) Get(ctx context.Context) (*storage.Token, error)     { return f.token, nil }
func (f *fakeTokens) Refresh(ctx context.Context) (*storage.Token, error) { return f.token, nil }

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConditionFor(t *testing.T) {
	self := Identity{UserID: "u1", ClientID: "c1"}
	bid := "b1"

	tests := []struct {
		topic string
		bid   *string
		want  map[string]string
	}{
		{"channel.chat.message", nil, map[string]string{"broadcaster_user_id": "u1", "user_id": "u1"}},
		{"channel.chat.message", &bid, map[string]string{"broadcaster_user_id": "b1", "user_id": "u1"}},
		{"channel.chat.clear", nil, map[string]string{"broadcaster_user_id": "u1", "user_id": "u1"}},
		{"channel.raid", nil, map[string]string{"to_broadcaster_user_id": "u1"}},
		{"channel.follow", &bid, map[string]string{"broadcaster_user_id": "b1", "moderator_user_id": "u1"}},
		{"channel.shield_mode.begin", nil, map[string]string{"broadcaster_user_id": "u1", "moderator_user_id": "u1"}},
		{"channel.suspicious_user.message", nil, map[string]string{"broadcaster_user_id": "u1", "moderator_user_id": "u1"}},
		{"user.update", nil, map[string]string{"user_id": "u1"}},
		{"user.authorization.grant", nil, map[string]string{"client_id": "c1"}},
		{"channel.subscribe", &bid, map[string]string{"broadcaster_user_id": "b1"}},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, conditionFor(tt.topic, tt.bid, self))
		})
	}
}

func TestReconciler_IdempotentNoOpOnSecondRun(t *testing.T) {
	var createCalls int32
	var listResponses = []string{
		`{"data":[]}`,
		`{"data":[{"id":"s1","type":"channel.follow","status":"enabled","transport":{"session_id":"sess-A"}}]}`,
	}
	var listCall int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			n := atomic.AddInt32(&listCall, 1)
			idx := n - 1
			if int(idx) >= len(listResponses) {
				idx = int32(len(listResponses) - 1)
			}
			w.Write([]byte(listResponses[idx]))
		case http.MethodPost:
			atomic.AddInt32(&createCalls, 1)
			w.Write([]byte(`{"data":[{"id":"s1"}]}`))
		case http.MethodDelete:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	origURL := subscriptionsURLOverride(srv.URL)
	defer origURL()

	store := newTestStore(t)
	client := restclient.New(srv.Client(), &fakeTokens{token: &storage.Token{Access: "a"}}, "cid")
	r := New(client, store, Identity{UserID: "u1", ClientID: "cid"})

	desired := Desired{"channel.follow": nil}

	require.NoError(t, r.Reconcile(context.Background(), "sess-A", desired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&createCalls))

	require.NoError(t, r.Reconcile(context.Background(), "sess-A", desired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&createCalls), "second run with an already-enabled subscription must create nothing")
}

func TestVersionFor_FallsBackToCompiled(t *testing.T) {
	store := newTestStore(t)
	client := restclient.New(http.DefaultClient, &fakeTokens{}, "cid")
	r := New(client, store, Identity{})

	assert.Equal(t, "2", r.versionFor(context.Background(), "channel.follow"))
	assert.Equal(t, "1", r.versionFor(context.Background(), "some.unknown.topic"))
}

func TestVersionFor_PrefersCachedOverCompiled(t *testing.T) {
	store := newTestStore(t)
	client := restclient.New(http.DefaultClient, &fakeTokens{}, "cid")
	r := New(client, store, Identity{})

	require.NoError(t, r.cacheVersion(context.Background(), "channel.follow", "99"))
	assert.Equal(t, "99", r.versionFor(context.Background(), "channel.follow"))
}
