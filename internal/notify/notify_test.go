package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/storage"
)

type fakeAlert struct {
	evt       alert.Event
	queueSkip bool
	store     alert.StoreMode
	processed chan struct{}
}

func (a *fakeAlert) Priority() int         { return 3 }
func (a *fakeAlert) QueueSkip() bool       { return a.queueSkip }
func (a *fakeAlert) Store() alert.StoreMode { return a.store }
func (a *fakeAlert) Event() alert.Event    { return a.evt }
func (a *fakeAlert) Process(ctx context.Context) error {
	if a.processed != nil {
		close(a.processed)
	}
	return nil
}

type fakeQueue struct {
	puts []alert.Alert
}

func (q *fakeQueue) Put(ctx context.Context, a alert.Alert) (string, error) {
	q.puts = append(q.puts, a)
	return "item-1", nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandle_EnqueuesNonSkipAlert(t *testing.T) {
	registry := alert.NewRegistry()
	registry.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, store: alert.StoreDefault()}
	})
	q := &fakeQueue{}
	h := New(registry, newTestStore(t), q)

	h.Handle(context.Background(), Metadata{MessageID: "n1", MessageTimestamp: "2024-01-01T00:00:01Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.follow"}, Event: map[string]any{"user_id": "42"}})

	require.Len(t, q.puts, 1)
	assert.Equal(t, "channel.follow", q.puts[0].Event().Channel)
}

func TestHandle_QueueSkipRunsDetached(t *testing.T) {
	processed := make(chan struct{})
	registry := alert.NewRegistry()
	registry.Register("channel.raid", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, queueSkip: true, store: alert.StoreNone(), processed: processed}
	})
	q := &fakeQueue{}
	h := New(registry, newTestStore(t), q)

	h.Handle(context.Background(), Metadata{MessageID: "n2", MessageTimestamp: "2024-01-01T00:00:02Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.raid"}})

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("detached process was never called")
	}
	assert.Empty(t, q.puts)
}

func TestHandle_ArchivesWhenStoreConfigured(t *testing.T) {
	registry := alert.NewRegistry()
	registry.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, store: alert.StoreDefault()}
	})
	store := newTestStore(t)
	q := &fakeQueue{}
	h := New(registry, store, q)

	h.Handle(context.Background(), Metadata{MessageID: "n3", MessageTimestamp: "2024-01-01T00:00:03Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.follow"}, Event: map[string]any{"user_id": "42"}})

	rows, err := store.Query(context.Background(), "channel.follow", "message_id = ?", "n3")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestHandle_SkipsArchiveForTestPrefixedMessageID(t *testing.T) {
	registry := alert.NewRegistry()
	registry.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, store: alert.StoreDefault()}
	})
	store := newTestStore(t)
	q := &fakeQueue{}
	h := New(registry, store, q)

	h.Handle(context.Background(), Metadata{MessageID: "test_n4", MessageTimestamp: "2024-01-01T00:00:04Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.follow"}})

	rows, err := store.Query(context.Background(), "channel.follow", "", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestHandle_RegistryMissFallsBackToGenericAlert(t *testing.T) {
	registry := alert.NewRegistry()
	q := &fakeQueue{}
	h := New(registry, newTestStore(t), q)

	h.Handle(context.Background(), Metadata{MessageID: "n5", MessageTimestamp: "2024-01-01T00:00:05Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.unregistered"}})

	assert.Empty(t, q.puts, "GenericAlert bypasses the queue")
}

func TestHandle_ConfigQueueSkipTopicBypassesQueueEvenWhenAlertDoesNotRequestIt(t *testing.T) {
	processed := make(chan struct{})
	registry := alert.NewRegistry()
	registry.Register("channel.chat.message", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, queueSkip: false, store: alert.StoreNone(), processed: processed}
	})
	q := &fakeQueue{}
	h := New(registry, newTestStore(t), q)
	h.SetQueueSkipTopics([]string{"channel.chat.message"})

	h.Handle(context.Background(), Metadata{MessageID: "n7", MessageTimestamp: "2024-01-01T00:00:07Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.chat.message"}})

	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("config-level queue_skip topic did not bypass the queue")
	}
	assert.Empty(t, q.puts)
}

func TestHandle_ArchiveFailureDoesNotBlockDispatch(t *testing.T) {
	registry := alert.NewRegistry()
	registry.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &fakeAlert{evt: evt, store: alert.StoreDefault()}
	})
	store := newTestStore(t)
	require.NoError(t, store.Close()) // force subsequent Insert to fail

	q := &fakeQueue{}
	h := New(registry, store, q)

	h.Handle(context.Background(), Metadata{MessageID: "n6", MessageTimestamp: "2024-01-01T00:00:06Z"},
		Payload{Subscription: struct{ Type string }{Type: "channel.follow"}})

	require.Len(t, q.puts, 1, "dispatch must still happen even though archival failed")
}
