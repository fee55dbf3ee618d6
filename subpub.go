// Package subpub is an embeddable client for a third-party
// chat/streaming platform's EventSub push-notification system: it
// maintains an OAuth user token, holds a persistent WebSocket session,
// reconciles desired subscriptions against the server, and dispatches
// notifications through a durable priority queue to embedder-supplied
// Alert handlers.
package subpub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashgrove/subpub/internal/alert"
	"github.com/ashgrove/subpub/internal/config"
	"github.com/ashgrove/subpub/internal/eventsub"
	"github.com/ashgrove/subpub/internal/notify"
	"github.com/ashgrove/subpub/internal/oauth"
	"github.com/ashgrove/subpub/internal/queue"
	"github.com/ashgrove/subpub/internal/reconcile"
	"github.com/ashgrove/subpub/internal/restclient"
	"github.com/ashgrove/subpub/internal/storage"
)

const (
	authorizeURL = "https://id.twitch.tv/oauth2/authorize"
	tokenURL     = "https://id.twitch.tv/oauth2/token"
	validateURL  = "https://id.twitch.tv/oauth2/validate"
)

// Config is the embedder-facing configuration record, matching
// internal/config's recognized keys plus the AlertRegistry the
// embedder populates at construction time.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Channels     map[string][]*string // topic -> broadcaster ids (nil entry means "self")
	QueueSkip    []string             // topics whose built Alert should bypass the queue regardless of registry default
	MaxReconnect int
	StorageType  string // "sqlite" or "json"
	StoragePath  string // file path (sqlite) or directory (json)

	Registry *alert.Registry
}

// FromLoaded adapts a config.Config (as produced by internal/config.Load)
// plus an embedder-supplied registry into a subpub.Config.
func FromLoaded(loaded *config.Config, registry *alert.Registry) Config {
	channels := make(map[string][]*string, len(loaded.Channels))
	for topic, ids := range loaded.Channels {
		converted := make([]*string, len(ids))
		for i, id := range ids {
			id := id
			if id == "" {
				converted[i] = nil
			} else {
				converted[i] = &id
			}
		}
		channels[topic] = converted
	}
	return Config{
		ClientID:     loaded.ClientID,
		ClientSecret: loaded.ClientSecret,
		RedirectURI:  loaded.RedirectURI,
		Scopes:       loaded.Scopes,
		Channels:     channels,
		QueueSkip:    loaded.QueueSkip,
		MaxReconnect: loaded.MaxReconnect,
		StorageType:  loaded.StorageType,
		Registry:     registry,
	}
}

// Bot wires the whole pipeline together: Storage, TokenManager,
// AuthedClient, SubscriptionReconciler, SessionMachine, AlertRegistry,
// PriorityQueue, and NotificationHandler.
type Bot struct {
	cfg Config

	store      storage.Store
	tokens     *oauth.Manager
	rest       *restclient.Client
	reconciler *reconcile.Reconciler
	handler    *notify.Handler
	queue      *queue.Queue
	machine    *eventsub.Machine

	cancel context.CancelFunc
	runErr chan error
}

// New constructs a Bot and its storage backend from cfg, but does not
// yet start the OAuth flow or the WebSocket session — call Start for
// that.
func New(cfg Config) (*Bot, error) {
	if cfg.Registry == nil {
		cfg.Registry = alert.NewRegistry()
	}

	var store storage.Store
	var err error
	switch cfg.StorageType {
	case "", "sqlite":
		path := cfg.StoragePath
		if path == "" {
			path = "subpub.db"
		}
		store, err = storage.OpenSQLite(path)
	case "json":
		dir := cfg.StoragePath
		if dir == "" {
			dir = "subpub-data"
		}
		store, err = storage.OpenJSON(dir)
	default:
		return nil, fmt.Errorf("subpub: unsupported storage_type %q", cfg.StorageType)
	}
	if err != nil {
		return nil, fmt.Errorf("subpub: open storage: %w", err)
	}

	tokens := oauth.New(oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoints: oauth.Endpoints{
			AuthorizeURL: authorizeURL,
			TokenURL:     tokenURL,
			ValidateURL:  validateURL,
		},
	}, store, nil)

	rest := restclient.New(nil, tokens, cfg.ClientID)

	q := queue.New(store)
	handler := notify.New(cfg.Registry, store, q)
	handler.SetQueueSkipTopics(cfg.QueueSkip)

	return &Bot{
		cfg:     cfg,
		store:   store,
		tokens:  tokens,
		rest:    rest,
		handler: handler,
		queue:   q,
	}, nil
}

// Start loads or acquires a token, restores the queue from storage,
// and launches the EventSub session machine and the queue worker in the
// background. It returns without waiting for the first session_welcome.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.tokens.Start(ctx, nil); err != nil {
		return fmt.Errorf("subpub: start token manager: %w", err)
	}

	if err := b.queue.LoadState(ctx, b.cfg.Registry); err != nil {
		return fmt.Errorf("subpub: restore queue: %w", err)
	}

	tok, err := b.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("subpub: get token: %w", err)
	}

	b.reconciler = reconcile.New(b.rest, b.store, reconcile.Identity{
		UserID:   tok.UserID,
		ClientID: b.cfg.ClientID,
	})

	desired := make(map[string][]*string, len(b.cfg.Channels))
	for topic, ids := range b.cfg.Channels {
		desired[topic] = ids
	}

	machine, err := eventsub.New(eventsub.Config{
		MaxReconnect: b.cfg.MaxReconnect,
		Desired:      desired,
		Reconciler:   b.reconciler,
		Handler:      b.handler,
	})
	if err != nil {
		return fmt.Errorf("subpub: create session machine: %w", err)
	}
	b.machine = machine

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.runErr = make(chan error, 1)

	go func() { b.runErr <- b.machine.Run(runCtx) }()
	go b.queue.Run(runCtx)

	return nil
}

// Hold blocks until the socket loop exits with its reconnect budget
// exhausted, or Stop is called.
func (b *Bot) Hold() error {
	if b.runErr == nil {
		return fmt.Errorf("subpub: Hold called before Start")
	}
	err := <-b.runErr
	if err != nil {
		slog.Error("subpub: session machine exited", "error", err)
	}
	return err
}

// Stop cancels the session machine, the queue worker, and the token
// manager's validator loop. Idempotent.
func (b *Bot) Stop() {
	if b.machine != nil {
		b.machine.Close()
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.tokens.Stop()
	_ = b.store.Close()
}

// Registry exposes the AlertRegistry so an embedder can register topics
// after construction but before Start.
func (b *Bot) Registry() *alert.Registry { return b.cfg.Registry }

// Queue exposes the priority queue for pause/resume/remove-by-id calls.
func (b *Bot) Queue() *queue.Queue { return b.queue }
