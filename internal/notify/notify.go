// Package notify implements NotificationHandler: the four mandatory
// steps that turn a decoded EventSub notification frame into a built
// Alert, an optional archive write, and a dispatch into the priority
// queue or a detached task.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/id"
	"github.com/ashgrove/subpub/internal/metrics"
	"github.com/ashgrove/subpub/internal/storage"
)

// testPrefix marks synthetic message ids that must never be archived,
// matching the platform's test-event convention.
const testPrefix = "test_"

// Queue is the subset of queue.Queue that NotificationHandler depends
// on, kept as an interface so this package doesn't import queue
// directly and tests can use a lightweight fake.
type Queue interface {
	Put(ctx context.Context, a alert.Alert) (string, error)
}

// Metadata carries the frame envelope fields NotificationHandler reads.
type Metadata struct {
	MessageID        string
	MessageTimestamp string // ISO-8601
}

// Payload is the notification frame's payload: subscription.type names
// the topic, event is the opaque body.
type Payload struct {
	Subscription struct {
		Type string
	}
	Event map[string]any
}

// Handler wires a Registry, an optional Storage, and a Queue together
// per the four mandatory steps.
type Handler struct {
	registry        *alert.Registry
	store           storage.Store // nil disables archival entirely
	queue           Queue
	queueSkipTopics map[string]bool // config's queue_skip key, overlaid on top of each Alert's own QueueSkip()
}

// New returns a Handler. store may be nil to disable archival.
func New(registry *alert.Registry, store storage.Store, queue Queue) *Handler {
	return &Handler{registry: registry, store: store, queue: queue}
}

// SetQueueSkipTopics overlays the config-level queue_skip topic set: a
// notification for any of these topics bypasses the queue regardless of
// what its built Alert's own QueueSkip() reports.
func (h *Handler) SetQueueSkipTopics(topics []string) {
	m := make(map[string]bool, len(topics))
	for _, topic := range topics {
		m[topic] = true
	}
	h.queueSkipTopics = m
}

// Handle runs the four mandatory steps. Persistence failures are logged
// but never block dispatch; registry misses always fall back to
// GenericAlert rather than a hard error.
func (h *Handler) Handle(ctx context.Context, meta Metadata, payload Payload) {
	ts, err := parseISO8601(meta.MessageTimestamp)
	if err != nil {
		slog.Warn("notify: unparseable message_timestamp, using receive time", "message_id", meta.MessageID, "error", err)
		ts = float64(time.Now().Unix())
	}

	evt := alert.Event{
		MessageID: meta.MessageID,
		Channel:   payload.Subscription.Type,
		Data:      payload.Event,
		Timestamp: ts,
	}

	a := h.registry.Build(evt)

	if h.store != nil && !a.Store().IsNone() && !strings.HasPrefix(evt.MessageID, testPrefix) {
		h.archive(ctx, a)
	}

	if a.QueueSkip() || h.queueSkipTopics[evt.Channel] {
		go h.processDetached(ctx, a)
		return
	}

	if _, err := h.queue.Put(ctx, a); err != nil {
		slog.Warn("notify: enqueue failed", "message_id", evt.MessageID, "error", err)
	}
	metrics.AlertsEnqueuedTotal.WithLabelValues(evt.Channel).Inc()
}

func (h *Handler) archive(ctx context.Context, a alert.Alert) {
	evt := a.Event()

	record := evt.Data
	if a.Store().IsCustom() {
		projected, err := a.Store().Project(ctx)
		if err != nil {
			slog.Warn("notify: custom archive projection failed", "message_id", evt.MessageID, "error", err)
			metrics.ArchiveWritesTotal.WithLabelValues(evt.Channel, "projection_error").Inc()
			return
		}
		record = projected
	}

	row := make(map[string]any, len(record)+2)
	for k, v := range record {
		row[k] = v
	}
	row["message_id"] = evt.MessageID
	row["timestamp"] = evt.Timestamp

	if err := h.store.Insert(ctx, evt.Channel, row); err != nil {
		slog.Warn("notify: archive write failed", "channel", evt.Channel, "message_id", evt.MessageID, "error", err)
		metrics.ArchiveWritesTotal.WithLabelValues(evt.Channel, "error").Inc()
		return
	}
	metrics.ArchiveWritesTotal.WithLabelValues(evt.Channel, "ok").Inc()
}

func (h *Handler) processDetached(ctx context.Context, a alert.Alert) {
	requestID := id.Generate()
	if err := a.Process(ctx); err != nil {
		slog.Warn("notify: detached process failed", "request_id", requestID, "channel", a.Event().Channel, "error", err)
		metrics.AlertsProcessedTotal.WithLabelValues(a.Event().Channel, "error").Inc()
		return
	}
	metrics.AlertsProcessedTotal.WithLabelValues(a.Event().Channel, "ok").Inc()
}

// parseISO8601 parses the platform's timestamp format into epoch seconds
// with fractional precision.
func parseISO8601(s string) (float64, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return float64(t.UnixNano()) / 1e9, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
