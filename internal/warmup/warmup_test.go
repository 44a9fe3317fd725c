package warmup_test

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneslot/oneslot/internal/backend"
	"github.com/oneslot/oneslot/internal/driver"
	"github.com/oneslot/oneslot/internal/manager"
	"github.com/oneslot/oneslot/internal/muxconfig"
	"github.com/oneslot/oneslot/internal/warmup"
)

type fakeDriver struct {
	caps driver.Capabilities
}

func (d *fakeDriver) Name() string                     { return "fake" }
func (d *fakeDriver) Capabilities() driver.Capabilities { return d.caps }
func (d *fakeDriver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	return []string{"-c", "sleep 5"}, nil
}
func (d *fakeDriver) BuildEnvironment(base []string, host string, port uint16) []string {
	return base
}
func (d *fakeDriver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	return true
}
func (d *fakeDriver) UnloadModel(ctx context.Context, client *http.Client, baseURL string) bool {
	return false
}
func (d *fakeDriver) SaveKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}
func (d *fakeDriver) RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWarmupEndsWithLastEntryHot(t *testing.T) {
	m := manager.New(discardLogger())
	var backends []*backend.Backend
	for _, name := range []string{"a", "b"} {
		d := &fakeDriver{caps: driver.Capabilities{ExecutesDirectly: true}}
		b, err := backend.New("main", name, "127.0.0.1", d, muxconfig.BackendConfig{Binary: "/bin/sh"}, muxconfig.EndpointConfig{}, t.TempDir(), discardLogger())
		require.NoError(t, err)
		m.Register(b)
		backends = append(backends, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries := []muxconfig.WarmupEntry{
		{Server: "main", Endpoint: "a"},
		{Server: "main", Endpoint: "b"},
	}
	require.NoError(t, warmup.Run(ctx, m, entries, discardLogger()))

	assert.False(t, backends[0].IsRunning())
	assert.True(t, backends[1].IsRunning())

	for _, b := range backends {
		require.NoError(t, b.Quiesce(context.Background(), true))
	}
}

func TestWarmupAbortsOnUnknownBackend(t *testing.T) {
	m := manager.New(discardLogger())
	entries := []muxconfig.WarmupEntry{{Server: "nope", Endpoint: "nope"}}
	err := warmup.Run(context.Background(), m, entries, discardLogger())
	assert.ErrorIs(t, err, manager.ErrBackendNotFound)
}
