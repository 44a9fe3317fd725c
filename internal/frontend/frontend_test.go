package frontend_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneslot/oneslot/internal/backend"
	"github.com/oneslot/oneslot/internal/driver"
	"github.com/oneslot/oneslot/internal/frontend"
	"github.com/oneslot/oneslot/internal/manager"
	"github.com/oneslot/oneslot/internal/muxconfig"
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

func buildManager(t *testing.T, names ...string) *manager.Manager {
	t.Helper()
	m := manager.New(discardLogger())
	for _, name := range names {
		d := &fakeDriver{caps: driver.Capabilities{ExecutesDirectly: true}}
		b, err := backend.New("main", name, "127.0.0.1", d, muxconfig.BackendConfig{Binary: "/bin/sh"}, muxconfig.EndpointConfig{}, t.TempDir(), discardLogger())
		require.NoError(t, err)
		m.Register(b)
	}
	return m
}

func TestRoutingPrefersLongestPrefix(t *testing.T) {
	cfg := muxconfig.ServerConfig{
		Name: "main", Host: "127.0.0.1", Port: 0,
		Endpoints: []muxconfig.EndpointConfig{
			{Name: "catchall", Backend: "x", PathPrefix: ""},
			{Name: "a", Backend: "x", PathPrefix: "/a"},
		},
	}
	m := buildManager(t, "catchall", "a")
	srv := frontend.New(cfg, m, discardLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/x", nil)
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/a/x")

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/z", nil)
	srv.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTemporaryRedirect, rr2.Code)
}

func TestRoutingStripsPrefix(t *testing.T) {
	cfg := muxconfig.ServerConfig{
		Name: "main", Host: "127.0.0.1", Port: 0,
		Endpoints: []muxconfig.EndpointConfig{
			{Name: "a", Backend: "x", PathPrefix: "/a", StripPrefix: true},
		},
	}
	m := buildManager(t, "a")
	srv := frontend.New(cfg, m, discardLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/x", nil)
	srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/x")
	assert.NotContains(t, rr.Header().Get("Location"), "/a/x")
}

func TestUnmappedPathReturns404WithoutCallingReady(t *testing.T) {
	cfg := muxconfig.ServerConfig{
		Name: "main", Host: "127.0.0.1", Port: 0,
		Endpoints: []muxconfig.EndpointConfig{
			{Name: "a", Backend: "x", PathPrefix: "/a"},
		},
	}
	m := buildManager(t, "a")
	srv := frontend.New(cfg, m, discardLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/unmapped", nil)
	srv.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownEndpointMappingReturns500(t *testing.T) {
	cfg := muxconfig.ServerConfig{
		Name: "main", Host: "127.0.0.1", Port: 0,
		Endpoints: []muxconfig.EndpointConfig{
			{Name: "missing", Backend: "x", PathPrefix: "/x"},
		},
	}
	m := manager.New(discardLogger())
	srv := frontend.New(cfg, m, discardLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	srv.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

