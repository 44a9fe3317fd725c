// Package backend implements the runtime lifecycle of a single configured
// backend instance: spawning its process (or attaching to an externally
// running one), probing readiness, and quiescing it to free the
// accelerator for another backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oneslot/oneslot/internal/driver"
	"github.com/oneslot/oneslot/internal/muxconfig"
	"github.com/oneslot/oneslot/internal/muxlog"
)

const (
	initialStartupDelay      = 150 * time.Millisecond
	startupDelayMultiplier   = 1.1
	subsequentStartupDelay   = 300 * time.Millisecond
	shutdownGracePeriod      = 5 * time.Second
)

// ErrNotRunning is returned by URL when the backend has neither an
// attached instance nor a live child process.
var ErrNotRunning = errors.New("backend: not running")

// Backend is one configured (server, endpoint) pair's runtime state.
type Backend struct {
	serverName   string
	endpointName string
	host         string

	driver            driver.Driver
	binary            string
	attachTo          string
	tempDir           string
	modelUnloading    bool
	kvCacheEnabled    bool
	kvCacheFile       string
	serviceParameters []string

	httpClient *http.Client
	log        *slog.Logger

	mu                    sync.Mutex
	cmd                   *exec.Cmd
	exited                chan struct{}
	port                  uint16
	ready                 bool
	attached              bool
	checkpointMaybeLoaded bool
	kvCacheSaved          bool
}

// New constructs a Backend for one server/endpoint pair. serverName and
// endpointName form its manager key ("server:endpoint"); tempDir is the
// multiplexer's configured temp directory.
func New(serverName, endpointName, host string, d driver.Driver, backendCfg muxconfig.BackendConfig, endpointCfg muxconfig.EndpointConfig, tempDir string, log *slog.Logger) (*Backend, error) {
	b := &Backend{
		serverName:        serverName,
		endpointName:      endpointName,
		host:              host,
		driver:            d,
		binary:            backendCfg.Binary,
		attachTo:          backendCfg.AttachTo,
		tempDir:           tempDir,
		modelUnloading:    backendCfg.ModelUnloading,
		kvCacheEnabled:    endpointCfg.KvCacheSaving,
		serviceParameters: append(append([]string{}, backendCfg.DefaultParameters...), endpointCfg.Parameters...),
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		log:               log.With("component", "backend", "server", serverName, "endpoint", endpointName),
	}

	if b.kvCacheEnabled {
		kvDir := filepath.Join(tempDir, "kv_cache")
		if err := os.MkdirAll(kvDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating kv cache directory: %w", err)
		}
		b.kvCacheFile = fmt.Sprintf("kv_cache-%s-%s.bin", serverName, endpointName)
	}

	return b, nil
}

// Key returns the manager map key for this backend ("server:endpoint").
func (b *Backend) Key() string {
	return b.serverName + ":" + b.endpointName
}

// Ready ensures the backend can service traffic, spawning or attaching as
// needed. It implements the resolution order from the design: already
// attached, already running and ready, attach probe, spawn.
func (b *Backend) Ready(ctx context.Context) error {
	b.mu.Lock()
	attached := b.attached
	running := b.isRunningLocked()
	ready := b.ready
	b.mu.Unlock()

	if attached {
		return nil
	}
	if running && ready {
		return nil
	}

	if b.attachTo != "" {
		if b.probeAttach(ctx) {
			return nil
		}
	}

	if b.binary != "" {
		return b.start(ctx)
	}

	return fmt.Errorf("backend %s: no binary configured and no instance attached", b.Key())
}

func (b *Backend) probeAttach(ctx context.Context) bool {
	if !b.driver.ProbeReady(ctx, b.httpClient, b.attachTo) {
		return false
	}
	b.mu.Lock()
	b.attached = true
	b.checkpointMaybeLoaded = true
	b.mu.Unlock()
	b.log.Info("attached to running instance", "url", b.attachTo)
	return true
}

func (b *Backend) start(ctx context.Context) error {
	if _, err := os.Stat(b.binary); err != nil {
		return fmt.Errorf("backend %s: binary %q does not exist: %w", b.Key(), b.binary, err)
	}

	port, err := allocatePort()
	if err != nil {
		return fmt.Errorf("backend %s: allocating port: %w", b.Key(), err)
	}

	argv, err := b.driver.BuildCommandLine(b.serviceParameters, port, b.tempDir, b.kvCacheEnabled)
	if err != nil {
		return fmt.Errorf("backend %s: building command line: %w", b.Key(), err)
	}

	env := b.driver.BuildEnvironment(os.Environ(), b.host, port)

	// Deliberately not exec.CommandContext: ctx here is request-scoped (it
	// comes from the HTTP handler that triggered this Ready call) and is
	// canceled the moment that handler returns. The child must outlive the
	// request that spawned it; only quiesce()/shutdown() may kill it.
	cmd := exec.Command(b.binary, argv...)
	cmd.Env = env

	stdoutDrain := muxlog.NewLineDrain(b.log.With("stream", "stdout"))
	stderrDrain := muxlog.NewLineDrain(b.log.With("stream", "stderr"))
	cmd.Stdout = stdoutDrain
	cmd.Stderr = stderrDrain

	b.log.Info("starting backend", "binary", b.binary, "port", port)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend %s: starting process: %w", b.Key(), err)
	}

	exited := make(chan struct{})
	b.mu.Lock()
	b.cmd = cmd
	b.exited = exited
	b.port = port
	b.ready = false
	b.mu.Unlock()

	go b.reap(cmd, exited, stdoutDrain, stderrDrain)

	time.Sleep(initialStartupDelay)

	if !b.IsRunning() {
		return fmt.Errorf("backend %s: service failed to start", b.Key())
	}

	return b.pollReady(ctx)
}

// reap waits for a spawned child to exit, drains its output pipes, and
// clears the backend's running state so a dead process is never mistaken
// for a live one. It runs for the lifetime of every spawned process.
func (b *Backend) reap(cmd *exec.Cmd, exited chan struct{}, stdoutDrain, stderrDrain io.Closer) {
	_ = cmd.Wait()
	_ = stdoutDrain.Close()
	_ = stderrDrain.Close()

	b.mu.Lock()
	if b.cmd == cmd {
		b.cmd = nil
		b.exited = nil
		b.ready = false
		b.port = 0
	}
	b.mu.Unlock()

	close(exited)
}

func (b *Backend) pollReady(ctx context.Context) error {
	delay := subsequentStartupDelay
	baseURL := fmt.Sprintf("http://%s:%d", b.host, b.portSnapshot())

	for {
		if !b.IsRunning() {
			return fmt.Errorf("backend %s: process exited before becoming ready", b.Key())
		}

		if b.driver.ProbeReady(ctx, b.httpClient, baseURL) {
			b.mu.Lock()
			b.ready = true
			kvCacheSaved := b.kvCacheSaved
			b.mu.Unlock()

			if kvCacheSaved {
				b.driver.RestoreKvCache(ctx, b.httpClient, baseURL, b.kvCacheFile)
			}

			b.mu.Lock()
			b.checkpointMaybeLoaded = true
			b.mu.Unlock()

			b.log.Info("backend ready", "url", baseURL)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * startupDelayMultiplier)
	}
}

// Quiesce releases the accelerator. When force is false and the driver
// supports model unloading, it prefers the fast unload path over a full
// shutdown.
func (b *Backend) Quiesce(ctx context.Context, force bool) error {
	b.mu.Lock()
	running := b.isRunningLocked()
	attached := b.attached
	b.mu.Unlock()

	if !running && !attached {
		return nil
	}

	baseURL, err := b.urlLocked()
	if err == nil && b.kvCacheEnabled {
		if b.driver.SaveKvCache(ctx, b.httpClient, baseURL, b.kvCacheFile) {
			b.mu.Lock()
			b.kvCacheSaved = true
			b.mu.Unlock()
		}
	}

	if !force && b.modelUnloading {
		if b.driver.UnloadModel(ctx, b.httpClient, baseURL) {
			b.mu.Lock()
			b.checkpointMaybeLoaded = false
			b.mu.Unlock()
			b.log.Info("model unloaded")
		} else {
			b.log.Warn("unload failed")
		}
		return nil
	}

	return b.shutdown()
}

func (b *Backend) shutdown() error {
	b.mu.Lock()
	cmd := b.cmd
	exited := b.exited
	b.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(shutdownGracePeriod):
		_ = cmd.Process.Kill()
		<-exited
	}

	b.log.Info("backend stopped")
	return nil
}

// URL returns the backend's base URL: the attached instance's URL, or
// http://host:port for a spawned process.
func (b *Backend) URL() (string, error) {
	return b.urlLocked()
}

func (b *Backend) urlLocked() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return b.attachTo, nil
	}
	if b.isRunningLocked() {
		return fmt.Sprintf("http://%s:%d", b.host, b.port), nil
	}
	return "", ErrNotRunning
}

// IsRunning reports whether the backend holds a live child process. State
// of a child that has exited is cleared by reap, not here.
func (b *Backend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRunningLocked()
}

func (b *Backend) isRunningLocked() bool {
	return b.cmd != nil
}

func (b *Backend) portSnapshot() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

func allocatePort() (uint16, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}
