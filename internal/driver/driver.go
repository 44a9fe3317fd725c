// Package driver declares the capability model and lifecycle hooks that
// every backend flavor (llama.cpp, SDWebUI, ComfyUI, Ollama, KoboldCpp, ...)
// implements, plus a name-keyed registry populated by each driver package's
// init function.
package driver

import (
	"context"
	"fmt"
	"net/http"
)

// Capabilities is the immutable set of lifecycle features a driver
// supports. A Backend consults these to decide which operations are legal
// for the backend it wraps.
type Capabilities struct {
	// ExecutesDirectly is true if the driver can spawn its own binary.
	ExecutesDirectly bool
	// AttachesToRunningInstance is true if the driver can attach to an
	// already-running externally-managed instance instead of spawning one.
	AttachesToRunningInstance bool
	// SupportsKvCacheRestore is true if the driver can save and restore a
	// KV cache across restarts.
	SupportsKvCacheRestore bool
	// SupportsModelUnloading is true if the driver can release the
	// accelerator without exiting the backend process.
	SupportsModelUnloading bool
}

// Driver is implemented by every backend flavor. Drivers are stateless:
// all mutable state (child process, port, readiness) lives in the Backend
// instance that owns a Driver, never in the Driver itself.
type Driver interface {
	// Name returns the driver's registered name.
	Name() string
	// Capabilities returns the driver's immutable capability set.
	Capabilities() Capabilities
	// BuildCommandLine returns the argv used to spawn the backend's binary,
	// given the endpoint's configured parameter tokens (default tokens
	// followed by endpoint-specific tokens), the allocated port, the
	// multiplexer's configured temp directory, and whether KV-cache
	// saving is enabled for this endpoint.
	BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error)
	// BuildEnvironment returns the environment the child process should
	// inherit, given the process's own environment as a base. Returning
	// the input unmodified is legal for drivers with no environment needs.
	BuildEnvironment(base []string, host string, port uint16) []string
	// ProbeReady issues one readiness check against the backend's base URL
	// and reports whether the backend is ready to serve traffic.
	ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool
	// UnloadModel releases the accelerator without exiting the process. It
	// is a no-op returning true for drivers that don't advertise
	// SupportsModelUnloading.
	UnloadModel(ctx context.Context, client *http.Client, baseURL string) bool
	// SaveKvCache persists the KV cache to the given file. It is a no-op
	// returning false for drivers that don't advertise
	// SupportsKvCacheRestore.
	SaveKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool
	// RestoreKvCache restores a previously saved KV cache from the given
	// file. It is a no-op returning false for drivers that don't advertise
	// SupportsKvCacheRestore.
	RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool
}

// Constructor creates a new Driver instance for a single BackendConfig.
type Constructor func() Driver

var registry = make(map[string]Constructor)

// Register adds a driver constructor to the registry under name. It is
// intended to be called from the init function of each driver package, not
// at runtime. Registering the same name twice is a programmer error and
// panics.
func Register(name string, ctor Constructor) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("driver: duplicate registration for %q", name))
	}
	registry[name] = ctor
}

// New looks up the driver registered under name and constructs a new
// instance. It returns an error (not a panic) because the name usually
// originates from user-supplied configuration.
func New(name string) (Driver, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return ctor(), nil
}

// Known returns the names of every registered driver, useful for error
// messages and validation.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
