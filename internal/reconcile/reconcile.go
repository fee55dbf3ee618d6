// Package reconcile diffs desired EventSub subscriptions against the
// server's actual subscription set for the current session: it deletes
// stale subscriptions and, when none is live for the session, creates the
// whole desired set, pacing creation calls to respect server limits.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ashgrove/subpub/internal/restclient"
	"github.com/ashgrove/subpub/internal/storage"
)

// subscriptionsURL is the platform's subscription CRUD endpoint. It is a
// var rather than a const solely so tests can point it at an httptest
// server.
var subscriptionsURL = "https://api.twitch.tv/helix/eventsub/subscriptions"

// createRate paces subscription creation at ~5 per second, per the
// reconciliation algorithm's explicit pacing requirement.
const createRate = 5

// Desired maps a topic to its list of target broadcaster ids. A nil
// entry in the slice means "use broadcaster = own user_id"; an absent
// slice (nil map value) is shorthand for exactly one subscription built
// from self. It is a type alias (not a defined type) so Reconciler
// satisfies eventsub.Reconciler's plain map[string][]*string signature.
type Desired = map[string][]*string

// Identity is the subject the reconciler builds self-referencing
// conditions from.
type Identity struct {
	UserID   string
	ClientID string
}

// Reconciler reconciles desired subscriptions against the platform's
// EventSub subscription CRUD endpoints for one session at a time.
type Reconciler struct {
	client   *restclient.Client
	store    storage.Store
	identity Identity
	limiter  *rate.Limiter
}

// New returns a Reconciler that issues requests through client and
// caches the topic->version table in store.
func New(client *restclient.Client, store storage.Store, identity Identity) *Reconciler {
	return &Reconciler{
		client:   client,
		store:    store,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(createRate), createRate),
	}
}

// serverSubscription is the shape of one entry in the platform's
// subscription list response.
type serverSubscription struct {
	ID        string
	Type      string
	Status    string
	SessionID string
}

// Reconcile runs the full algorithm for one session_welcome: list, split
// into keep/delete, and create anything still missing, then logs the
// final set. It is safe to call repeatedly for the same session/desired
// pair; a fully reconciled state is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, desired Desired) error {
	current, err := r.list(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list subscriptions: %w", err)
	}

	var keep []serverSubscription
	var stale []serverSubscription
	for _, sub := range current {
		if sub.SessionID == sessionID && sub.Status == "enabled" {
			keep = append(keep, sub)
		} else {
			stale = append(stale, sub)
		}
	}

	// Deletes run concurrently, one goroutine per stale subscription: they
	// are independent DELETE calls against distinct ids, so there is
	// nothing to serialize on.
	var wg sync.WaitGroup
	for _, sub := range stale {
		wg.Add(1)
		go func(sub serverSubscription) {
			defer wg.Done()
			if err := r.delete(ctx, sub.ID); err != nil {
				slog.Warn("reconcile: delete stale subscription failed", "id", sub.ID, "error", err)
			}
		}(sub)
	}
	wg.Wait()

	if len(keep) == 0 {
		for topic, ids := range desired {
			if len(ids) == 0 {
				ids = []*string{nil}
			}
			for _, bid := range ids {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
				cond := conditionFor(topic, bid, r.identity)
				version := r.versionFor(ctx, topic)
				if err := r.create(ctx, sessionID, topic, version, cond); err != nil {
					slog.Warn("reconcile: create subscription failed", "topic", topic, "error", err)
					continue
				}
			}
		}
	}

	slog.Info("reconcile: final subscription set", "session_id", sessionID, "kept", len(keep), "deleted", len(stale))
	return nil
}

func (r *Reconciler) list(ctx context.Context) ([]serverSubscription, error) {
	resp, err := r.client.Request(ctx, "GET", subscriptionsURL, nil, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["data"].([]any)
	out := make([]serverSubscription, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sub := serverSubscription{
			ID:     asString(m["id"]),
			Type:   asString(m["type"]),
			Status: asString(m["status"]),
		}
		if transport, ok := m["transport"].(map[string]any); ok {
			sub.SessionID = asString(transport["session_id"])
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *Reconciler) delete(ctx context.Context, id string) error {
	q := url.Values{"id": {id}}
	_, err := r.client.Request(ctx, "DELETE", subscriptionsURL, nil, q)
	return err
}

func (r *Reconciler) create(ctx context.Context, sessionID, topic, version string, condition map[string]string) error {
	body := map[string]any{
		"type":      topic,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	_, err := r.client.Request(ctx, "POST", subscriptionsURL, body, nil)
	return err
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// conditionFor builds the subscription condition for topic, per the
// exhaustive case table: bid overrides self where a per-broadcaster
// condition is expected; a nil bid means "use self".
func conditionFor(topic string, bid *string, identity Identity) map[string]string {
	broadcaster := identity.UserID
	if bid != nil {
		broadcaster = *bid
	}

	switch {
	case strings.HasPrefix(topic, "channel.chat.message") ||
		strings.HasPrefix(topic, "channel.chat.clear") ||
		topic == "channel.chat.notification":
		return map[string]string{"broadcaster_user_id": broadcaster, "user_id": identity.UserID}

	case topic == "channel.raid":
		return map[string]string{"to_broadcaster_user_id": identity.UserID}

	case topic == "channel.follow" ||
		strings.HasPrefix(topic, "channel.shield_mode.") ||
		topic == "channel.suspicious_user.message":
		return map[string]string{"broadcaster_user_id": broadcaster, "moderator_user_id": identity.UserID}

	case topic == "user.update":
		return map[string]string{"user_id": identity.UserID}

	case strings.HasPrefix(topic, "user.authorization."):
		return map[string]string{"client_id": identity.ClientID}

	default:
		return map[string]string{"broadcaster_user_id": broadcaster}
	}
}
