// Package alert defines the Alert contract dispatched by the notification
// pipeline, the registry that maps EventSub topics to concrete Alert
// constructors, and the fallback GenericAlert for unregistered topics.
package alert

import "context"

// StoreMode controls how a dispatched Alert's event data is archived,
// standing in for the bool-or-callable choice the embedder makes per
// topic: a plain default upsert, no archival at all, or a custom
// projection that runs before the record is written.
type StoreMode struct {
	kind    storeKind
	project func(ctx context.Context) (map[string]any, error)
}

type storeKind int

const (
	storeDefault storeKind = iota
	storeNone
	storeCustom
)

// StoreDefault archives the event using the handler's default upsert path.
func StoreDefault() StoreMode { return StoreMode{kind: storeDefault} }

// StoreNone disables archival for this alert entirely.
func StoreNone() StoreMode { return StoreMode{kind: storeNone} }

// StoreCustom archives whatever project returns instead of the raw event
// data, e.g. to flatten nested lists before insert.
func StoreCustom(project func(ctx context.Context) (map[string]any, error)) StoreMode {
	return StoreMode{kind: storeCustom, project: project}
}

// IsNone reports whether this mode disables archival.
func (m StoreMode) IsNone() bool { return m.kind == storeNone }

// IsCustom reports whether this mode projects a custom record.
func (m StoreMode) IsCustom() bool { return m.kind == storeCustom }

// Project runs the custom projection. Callers must only call this when
// IsCustom reports true.
func (m StoreMode) Project(ctx context.Context) (map[string]any, error) {
	return m.project(ctx)
}

// Event is the normalized notification built by the notify package before
// an Alert is constructed from it.
type Event struct {
	MessageID string
	Channel   string
	Data      map[string]any
	Timestamp float64
}

// Alert is the contract every concrete notification type satisfies.
// Process must be idempotent with respect to its side effects, because
// the priority queue reconstructs and re-runs Alerts restored from disk
// after a restart.
type Alert interface {
	// Priority orders dispatch; lower values run first.
	Priority() int
	// QueueSkip reports whether this alert bypasses the queue and runs
	// immediately as a detached task instead.
	QueueSkip() bool
	// Store selects how (or whether) this alert's event data is archived.
	Store() StoreMode
	// Process runs the alert's side effects.
	Process(ctx context.Context) error
	// Event returns the underlying normalized event, so the dispatch
	// pipeline can snapshot it without type-asserting every concrete
	// Alert variant.
	Event() Event
}

// Factory constructs an Alert from a normalized event. Registered once
// per topic by the embedder.
type Factory func(evt Event) Alert

// Registry is a process-wide topic -> Factory map. Lookup is by exact
// topic string; a miss always falls back to GenericAlert rather than a
// hard error.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds topic to factory. A later call for the same topic
// replaces the earlier one.
func (r *Registry) Register(topic string, factory Factory) {
	r.factories[topic] = factory
}

// Build constructs the Alert for evt.Channel, falling back to
// GenericAlert when no factory is registered for that topic.
func (r *Registry) Build(evt Event) Alert {
	if factory, ok := r.factories[evt.Channel]; ok {
		return factory(evt)
	}
	return NewGenericAlert(evt)
}

// GenericAlert is the fallback Alert for topics with no registered
// factory: priority 4, bypasses the queue, and is never archived.
type GenericAlert struct {
	evt Event
}

// NewGenericAlert wraps evt in the fallback Alert implementation.
func NewGenericAlert(evt Event) *GenericAlert {
	return &GenericAlert{evt: evt}
}

func (a *GenericAlert) Priority() int    { return 4 }
func (a *GenericAlert) QueueSkip() bool  { return true }
func (a *GenericAlert) Store() StoreMode { return StoreNone() }
func (a *GenericAlert) Event() Event     { return a.evt }

func (a *GenericAlert) Process(ctx context.Context) error {
	return nil
}
