// Package queue implements the durable priority dispatch queue: a
// min-heap keyed by (priority, timestamp, message_id) with an auxiliary
// map so entries can be inspected and removed by id, snapshotted to
// storage after every mutation.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/id"
	"github.com/ashgrove/subpub/internal/metrics"
	"github.com/ashgrove/subpub/internal/storage"
)

// snapshotName is the fixed storage key this module always saves and
// loads the queue snapshot under.
const snapshotName = "alerts"

// entry is one heap/map element: an Alert plus the ordering key it was
// enqueued with.
type entry struct {
	itemID    string
	priority  int
	timestamp float64
	messageID string
	alert     alert.Alert
	index     int // heap.Interface bookkeeping
}

// heapSlice implements heap.Interface over []*entry, ordered by
// (priority, timestamp, message_id).
type heapSlice []*entry

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].messageID < h[j].messageID
}

func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapSlice) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the durable priority queue described by the module: puts and
// pops record their effect to storage.Store before returning, and
// load_state reconstructs prior entries through an alert.Registry on
// startup.
type Queue struct {
	mu     sync.Mutex
	heap   heapSlice
	byID   map[string]*entry
	store  storage.Store
	paused bool
}

// New returns an empty Queue backed by store.
func New(store storage.Store) *Queue {
	return &Queue{
		byID:  make(map[string]*entry),
		store: store,
	}
}

// Put pushes alert onto the queue, persists the new snapshot, and
// returns the generated item id.
func (q *Queue) Put(ctx context.Context, a alert.Alert) (string, error) {
	q.mu.Lock()
	evt := a.Event()
	e := &entry{
		itemID:    id.Generate(),
		priority:  a.Priority(),
		timestamp: evt.Timestamp,
		messageID: evt.MessageID,
		alert:     a,
	}
	heap.Push(&q.heap, e)
	q.byID[e.itemID] = e
	metrics.QueueDepth.Set(float64(len(q.byID)))
	q.mu.Unlock()

	if err := q.saveState(ctx); err != nil {
		return e.itemID, err
	}
	return e.itemID, nil
}

// Get pops the minimum entry, persists the new snapshot, and returns its
// item id and Alert. ok is false when the queue is empty.
func (q *Queue) Get(ctx context.Context) (itemID string, a alert.Alert, ok bool, err error) {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return "", nil, false, nil
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.itemID)
	metrics.QueueDepth.Set(float64(len(q.byID)))
	q.mu.Unlock()

	if err := q.saveState(ctx); err != nil {
		return e.itemID, e.alert, true, err
	}
	return e.itemID, e.alert, true, nil
}

// RemoveByID removes the entry for itemID, if present, persists the new
// snapshot, and reports whether anything was removed. Per spec, this
// requires a linear rebuild of the heap; acceptable at the module's
// expected scale of a few hundred entries.
func (q *Queue) RemoveByID(ctx context.Context, itemID string) (bool, error) {
	q.mu.Lock()
	if _, ok := q.byID[itemID]; !ok {
		q.mu.Unlock()
		return false, nil
	}
	delete(q.byID, itemID)

	rebuilt := make(heapSlice, 0, len(q.byID))
	for _, e := range q.byID {
		rebuilt = append(rebuilt, e)
	}
	heap.Init(&rebuilt)
	q.heap = rebuilt
	metrics.QueueDepth.Set(float64(len(q.byID)))
	q.mu.Unlock()

	if err := q.saveState(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Contents returns a point-in-time snapshot of queued item ids and their
// Alerts, in no particular order.
func (q *Queue) Contents() map[string]alert.Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]alert.Alert, len(q.byID))
	for id, e := range q.byID {
		out[id] = e.alert
	}
	return out
}

// Len reports the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// saveState serializes the current contents to storage under the fixed
// snapshot name. Must be called without q.mu held.
func (q *Queue) saveState(ctx context.Context) error {
	q.mu.Lock()
	snaps := make([]storage.QueueEntrySnapshot, 0, len(q.byID))
	for _, e := range q.byID {
		evt := e.alert.Event()
		snaps = append(snaps, storage.QueueEntrySnapshot{
			ItemID:    e.itemID,
			Channel:   evt.Channel,
			MessageID: evt.MessageID,
			Data:      evt.Data,
			Timestamp: evt.Timestamp,
			Priority:  e.priority,
		})
	}
	q.mu.Unlock()

	return q.store.SaveQueue(ctx, snapshotName, snaps)
}

// LoadState reads the queue snapshot from storage, reconstructs Alerts
// through registry, and re-inserts them. Called once at startup, before
// any Put/Get activity.
func (q *Queue) LoadState(ctx context.Context, registry *alert.Registry) error {
	snaps, err := q.store.LoadQueue(ctx, snapshotName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(heapSlice, 0, len(snaps))
	q.byID = make(map[string]*entry, len(snaps))
	for _, s := range snaps {
		evt := alert.Event{
			MessageID: s.MessageID,
			Channel:   s.Channel,
			Data:      s.Data,
			Timestamp: s.Timestamp,
		}
		a := registry.Build(evt)
		e := &entry{
			itemID:    s.ItemID,
			priority:  s.Priority,
			timestamp: s.Timestamp,
			messageID: s.MessageID,
			alert:     a,
		}
		heap.Push(&q.heap, e)
		q.byID[e.itemID] = e
	}
	metrics.QueueDepth.Set(float64(len(q.byID)))
	return nil
}

// Pause sets the paused flag observed by Run's dispatch loop.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume clears the paused flag.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

func (q *Queue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// pollInterval is how often Run checks the paused flag or retries an
// empty queue, mirroring the "pop with a short timeout" description.
const pollInterval = 1 * time.Second

// Run is the dispatch worker loop: while not paused, pop the minimum
// entry and await its Process, logging and swallowing any error so the
// worker never dies on a user handler failure. It returns when ctx is
// canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// ready is always receivable: waiting on it lets the loop pop again
	// straight away instead of waiting for the next tick.
	ready := make(chan time.Time)
	close(ready)
	var wait <-chan time.Time = ready

	for {
		select {
		case <-ctx.Done():
			return
		case <-wait:
		}
		wait = ticker.C

		if q.isPaused() {
			continue
		}

		itemID, a, ok, err := q.Get(ctx)
		if err != nil {
			slog.Warn("queue: save state after get failed", "item_id", itemID, "error", err)
		}
		if !ok {
			continue
		}

		if perr := a.Process(ctx); perr != nil {
			slog.Warn("queue: alert process failed", "item_id", itemID, "error", perr)
		}
		wait = ready
	}
}
