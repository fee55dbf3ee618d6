package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// compiledVersions is the default topic->subscription-version table,
// updated out of band as the platform's EventSub catalog changes. It is
// used unless a cached value for the topic exists in subpub_versions or
// RefreshVersionTable has populated a fresher one.
var compiledVersions = map[string]string{
	"channel.follow":                  "2",
	"channel.raid":                    "1",
	"channel.chat.message":            "1",
	"channel.chat.clear":              "1",
	"channel.chat.notification":       "1",
	"channel.shield_mode.begin":       "1",
	"channel.shield_mode.end":         "1",
	"channel.suspicious_user.message": "1",
	"channel.subscribe":               "1",
	"channel.cheer":                   "1",
	"channel.update":                  "2",
	"user.update":                     "1",
	"user.authorization.grant":        "1",
	"user.authorization.revoke":       "1",
}

const versionsTable = "subpub_versions"

// versionFor returns the subscription version for topic: a cached entry
// in subpub_versions, falling back to the compiled-in table, falling
// back to "1".
func (r *Reconciler) versionFor(ctx context.Context, topic string) string {
	rows, err := r.store.Query(ctx, versionsTable, "name = ?", topic)
	if err == nil && len(rows) > 0 {
		if v, ok := rows[0]["version"].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := compiledVersions[topic]; ok {
		return v
	}
	return "1"
}

// cacheVersion persists a learned topic->version mapping.
func (r *Reconciler) cacheVersion(ctx context.Context, topic, version string) error {
	return r.store.Insert(ctx, versionsTable, map[string]any{"name": topic, "version": version})
}

var topicVersionPattern = regexp.MustCompile(`(?s)(channel\.[\w.]+|user\.[\w.]+)[^0-9]{0,200}?version\D{0,20}(\d+)`)

// RefreshVersionTable scrapes the platform's published EventSub
// subscription-types documentation page to refresh the topic->version
// cache. It is never called automatically; the compiled-in table is the
// default per-process cache, and this path exists for embedders that
// want to track new topic versions without a module update.
func (r *Reconciler) RefreshVersionTable(ctx context.Context, docsURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docsURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reconcile: fetch eventsub types: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	matches := topicVersionPattern.FindAllStringSubmatch(string(body), -1)
	learned := 0
	for _, m := range matches {
		topic := strings.TrimSpace(m[1])
		version := m[2]
		if err := r.cacheVersion(ctx, topic, version); err != nil {
			slog.Warn("reconcile: cache scraped version failed", "topic", topic, "error", err)
			continue
		}
		learned++
	}
	slog.Info("reconcile: refreshed version table", "topics_learned", learned)
	return nil
}
