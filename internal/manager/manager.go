// Package manager implements the Backend Manager: the single point that
// enforces mutual exclusion over the accelerator across every configured
// backend.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oneslot/oneslot/internal/backend"
)

// ErrBackendNotFound is returned by Ready when the given key has no
// registered backend.
var ErrBackendNotFound = errors.New("manager: backend not found")

// ErrBackendUnavailable is returned by Ready when the target backend
// exists but failed to become ready.
var ErrBackendUnavailable = errors.New("manager: backend unavailable")

// Manager holds every configured Backend and serializes ready/quiesce
// operations across all of them with a single mutex, so that at most one
// backend ever holds the accelerator at a time.
type Manager struct {
	mu    sync.Mutex
	order []string
	byKey map[string]*backend.Backend
	log   *slog.Logger
}

// New constructs an empty Manager.
func New(log *slog.Logger) *Manager {
	return &Manager{
		byKey: make(map[string]*backend.Backend),
		log:   log.With("component", "manager"),
	}
}

// Register adds a backend to the manager. Registration is a startup-only
// operation; the map is treated as read-only once the server begins
// serving requests.
func (m *Manager) Register(b *backend.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.Key()
	if _, exists := m.byKey[key]; !exists {
		m.order = append(m.order, key)
	}
	m.byKey[key] = b
}

// Ready quiesces every other backend, then readies the backend named by
// key, returning it on success.
func (m *Manager) Ready(ctx context.Context, key string) (*backend.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, key)
	}

	m.quiesceAllLocked(ctx, key)

	if err := target.Ready(ctx); err != nil {
		m.log.Warn("backend failed to become ready", "key", key, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, err)
	}

	return target, nil
}

// QuiesceAll quiesces every registered backend except the one named by
// except (pass "" to quiesce all of them), preferring each backend's fast
// unload path over a full shutdown.
func (m *Manager) QuiesceAll(ctx context.Context, except string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quiesceAllLocked(ctx, except)
}

func (m *Manager) quiesceAllLocked(ctx context.Context, except string) {
	for _, key := range m.order {
		if key == except {
			continue
		}
		b := m.byKey[key]
		if err := b.Quiesce(ctx, false); err != nil {
			m.log.Warn("failed to quiesce backend", "key", key, "error", err)
		}
	}
}

// ShutdownAll force-quiesces every registered backend, guaranteeing that
// any running child process is terminated rather than merely unloaded.
// Intended for process-wide shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.order {
		b := m.byKey[key]
		if err := b.Quiesce(ctx, true); err != nil {
			m.log.Warn("failed to shut down backend", "key", key, "error", err)
		}
	}
}
