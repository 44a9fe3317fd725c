// Package warmup sequentially readies a configured list of (server,
// endpoint) pairs once every listener is bound, so the last entry is the
// backend left hot at the end of startup.
package warmup

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oneslot/oneslot/internal/manager"
	"github.com/oneslot/oneslot/internal/muxconfig"
)

// Run readies each warmup entry in declared order. It aborts the whole
// sequence if an entry names a backend the manager doesn't know about;
// it logs and continues past an entry whose backend fails to become
// ready.
func Run(ctx context.Context, mgr *manager.Manager, entries []muxconfig.WarmupEntry, log *slog.Logger) error {
	log = log.With("component", "warmup")

	for _, entry := range entries {
		key := entry.Server + ":" + entry.Endpoint
		_, err := mgr.Ready(ctx, key)
		if err == nil {
			log.Info("warmed up", "key", key)
			continue
		}

		if errors.Is(err, manager.ErrBackendNotFound) {
			return err
		}

		log.Warn("warmup entry unavailable, continuing", "key", key, "error", err)
	}

	return nil
}
