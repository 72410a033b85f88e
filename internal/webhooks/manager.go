// Package webhooks implements C9: delete-then-recreate webhook
// registrations so the upstream's callback target always matches this
// process's current public URL. Registration state is relational
// (spec.md's persisted state layout), not a local file.
package webhooks

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/syncbridge-dev/syncbridge/internal/logging"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Registrar performs the upstream side of registration for one source.
// Implementations wrap the source's upstream webhook management endpoint.
type Registrar interface {
	Delete(ctx context.Context, registrationID string) error
	Create(ctx context.Context, targetURL string, events []string) (registrationID string, err error)
}

// SourceConfig is the static event list a source's webhook registrations
// must cover.
type SourceConfig struct {
	Source    syncmodel.Source
	Registrar Registrar
	Events    []string
}

// Manager runs the C9 algorithm and, optionally, watches a public-URL file
// for changes and re-reconciles when it does.
type Manager struct {
	store   Store
	sources []SourceConfig
	log     logging.Logger
}

func New(store Store, sources []SourceConfig, log logging.Logger) *Manager {
	return &Manager{store: store, sources: sources, log: log}
}

// ReconcileAll runs the algorithm for every configured source against
// targetURL. It never returns an error: a registration failure is logged
// as a manual-setup instruction and does not block the rest of the
// process (spec.md §4.9 step 5 — webhook liveness is not a hard
// prerequisite).
func (m *Manager) ReconcileAll(ctx context.Context, targetURL string) {
	for _, sc := range m.sources {
		m.reconcileOne(ctx, sc, targetURL)
	}
}

func (m *Manager) reconcileOne(ctx context.Context, sc SourceConfig, targetURL string) {
	existing, _, err := m.store.Get(ctx, sc.Source)
	if err != nil {
		m.log.Warn(ctx, "failed to load webhook registration state", "source", string(sc.Source), "error", err)
	}

	for _, id := range existing.RegistrationIDs {
		if err := sc.Registrar.Delete(ctx, id); err != nil && !syncmodel.IsGone(err) {
			m.log.Warn(ctx, "webhook deregistration failed", "source", string(sc.Source), "registration_id", id, "error", err)
		}
	}

	var created []string
	for _, event := range sc.Events {
		id, err := sc.Registrar.Create(ctx, targetURL, []string{event})
		if err != nil {
			m.log.Error(ctx, "webhook registration failed, manual setup required",
				"source", string(sc.Source), "event", event, "target_url", targetURL, "error", err)
			continue
		}
		created = append(created, id)
	}

	reg := syncmodel.WebhookRegistration{Source: sc.Source, RegistrationIDs: created, TargetURL: targetURL, Events: sc.Events}
	if err := m.store.Set(ctx, reg); err != nil {
		m.log.Warn(ctx, "failed to persist webhook registration state", "source", string(sc.Source), "error", err)
	}
}

// WatchPublicURLFile watches path for writes and calls ReconcileAll with
// the file's contents (trimmed) whenever it changes, until ctx is
// cancelled.
func (m *Manager) WatchPublicURLFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			url, err := readPublicURL(path)
			if err != nil {
				m.log.Warn(ctx, "failed to read public url file", "path", path, "error", err)
				continue
			}
			m.ReconcileAll(ctx, url)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn(ctx, "public url watcher error", "error", err)
		}
	}
}

func readPublicURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(string(data)), nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
