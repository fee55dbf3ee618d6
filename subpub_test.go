package subpub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/notify"
)

type recordingAlert struct {
	evt    alert.Event
	runLog chan string
}

func (a *recordingAlert) Priority() int          { return 2 }
func (a *recordingAlert) QueueSkip() bool        { return false }
func (a *recordingAlert) Store() alert.StoreMode { return alert.StoreNone() }
func (a *recordingAlert) Event() alert.Event     { return a.evt }
func (a *recordingAlert) Process(ctx context.Context) error {
	a.runLog <- a.evt.MessageID
	return nil
}

// TestBot_RestoresQueueAfterCrash exercises the crash-recovery scenario
// end to end through the public Bot surface: a notification handled by
// one Bot's pipeline is left queued (never dispatched, simulating a
// crash before the worker loop drains it), and a second Bot built on
// the same storage file and registry picks the entry back up and
// processes it.
func TestBot_RestoresQueueAfterCrash(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subpub.db")

	firstRunLog := make(chan string, 1)
	registry1 := alert.NewRegistry()
	registry1.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &recordingAlert{evt: evt, runLog: firstRunLog}
	})

	bot1, err := New(Config{
		ClientID:    "cid",
		RedirectURI: "http://localhost:0/callback",
		StorageType: "sqlite",
		StoragePath: dbPath,
		Registry:    registry1,
	})
	require.NoError(t, err)

	handler := notify.New(registry1, bot1.store, bot1.queue)
	handler.Handle(context.Background(), notify.Metadata{
		MessageID:        "n1",
		MessageTimestamp: "2024-01-01T00:00:01Z",
	}, notify.Payload{
		Subscription: struct{ Type string }{Type: "channel.follow"},
		Event:        map[string]any{"user_name": "ash"},
	})

	require.Equal(t, 1, bot1.queue.Len(), "notification must land in the queue, not run immediately")
	select {
	case <-firstRunLog:
		t.Fatal("alert ran before a crash-recovery restart; test setup is wrong")
	default:
	}

	// Simulate the crash: close storage without ever starting the
	// dispatch worker.
	require.NoError(t, bot1.store.Close())

	secondRunLog := make(chan string, 1)
	registry2 := alert.NewRegistry()
	registry2.Register("channel.follow", func(evt alert.Event) alert.Alert {
		return &recordingAlert{evt: evt, runLog: secondRunLog}
	})

	bot2, err := New(Config{
		ClientID:    "cid",
		RedirectURI: "http://localhost:0/callback",
		StorageType: "sqlite",
		StoragePath: dbPath,
		Registry:    registry2,
	})
	require.NoError(t, err)
	defer func() { _ = bot2.store.Close() }()

	require.NoError(t, bot2.queue.LoadState(context.Background(), registry2))
	assert.Equal(t, 1, bot2.queue.Len())

	runCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go bot2.queue.Run(runCtx)

	select {
	case msgID := <-secondRunLog:
		assert.Equal(t, "n1", msgID)
	case <-time.After(2 * time.Second):
		t.Fatal("restored alert was never processed after restart")
	}
}
