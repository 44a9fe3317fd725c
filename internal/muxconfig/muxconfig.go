// Package muxconfig loads and validates the multiplexer's JSON
// configuration file.
package muxconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oneslot/oneslot/internal/driver"
)

// BackendConfig describes one configured backend: which driver it uses
// and how to reach or spawn it.
type BackendConfig struct {
	Name               string
	Type               string
	Binary             string
	AttachTo           string
	DefaultParameters  []string
	ModelUnloading     bool
	Capabilities       driver.Capabilities
}

// EndpointConfig describes one routable endpoint on a server.
type EndpointConfig struct {
	Name          string
	Backend       string
	PathPrefix    string
	StripPrefix   bool
	Parameters    []string
	KvCacheSaving bool
}

// ServerConfig describes one HTTP listener and its endpoints.
type ServerConfig struct {
	Name      string
	Host      string
	Port      int
	Endpoints []EndpointConfig
}

// WarmupEntry names one (server, endpoint) pair to warm at startup.
type WarmupEntry struct {
	Server   string
	Endpoint string
}

// Config is the fully validated, in-memory configuration.
type Config struct {
	TempDir  string
	Backends map[string]BackendConfig
	Servers  []ServerConfig
	Warmup   []WarmupEntry
}

// on-disk JSON shapes, kept private and distinct from the validated types
// above so validation has a single place to run.

type rawBackend struct {
	Type              string   `json:"type"`
	Binary            string   `json:"binary"`
	AttachTo          string   `json:"attach_to"`
	DefaultParameters []string `json:"default_parameters"`
	ModelUnloading    *bool    `json:"model_unloading"`
}

type rawEndpoint struct {
	Name          string   `json:"name"`
	Backend       string   `json:"backend"`
	PathPrefix    string   `json:"path_prefix"`
	StripPrefix   bool     `json:"strip_prefix"`
	Parameters    []string `json:"parameters"`
	KvCacheSaving *bool    `json:"kv_cache_saving"`
}

type rawServer struct {
	Name      string        `json:"name"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Endpoints []rawEndpoint `json:"endpoints"`
}

type rawWarmup struct {
	Server   string `json:"server"`
	Endpoint string `json:"endpoint"`
}

type rawConfig struct {
	TempDir  string                `json:"temp_dir"`
	Backends map[string]rawBackend `json:"backends"`
	Servers  []rawServer           `json:"servers"`
	Warmup   []rawWarmup           `json:"warmup"`
}

// Load reads and validates the configuration file at path. path may name
// the file directly or a directory containing config.json.
func Load(path string) (*Config, error) {
	configPath := path
	if path == "" {
		configPath = "config.json"
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		configPath = filepath.Join(path, "config.json")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", configPath, err)
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	backends, err := buildBackends(raw.Backends)
	if err != nil {
		return nil, err
	}

	servers, err := buildServers(raw.Servers, backends)
	if err != nil {
		return nil, err
	}

	warmup := make([]WarmupEntry, 0, len(raw.Warmup))
	for _, w := range raw.Warmup {
		warmup = append(warmup, WarmupEntry{Server: w.Server, Endpoint: w.Endpoint})
	}

	return &Config{
		TempDir:  resolveTempDir(raw.TempDir),
		Backends: backends,
		Servers:  servers,
		Warmup:   warmup,
	}, nil
}

func buildBackends(raw map[string]rawBackend) (map[string]BackendConfig, error) {
	backends := make(map[string]BackendConfig, len(raw))
	for name, b := range raw {
		caps, err := capabilitiesFor(b.Type)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}

		if !caps.AttachesToRunningInstance && b.AttachTo != "" {
			return nil, fmt.Errorf("backend %q: driver %q does not support attaching to a running instance", name, b.Type)
		}
		if !caps.ExecutesDirectly && b.Binary != "" {
			return nil, fmt.Errorf("backend %q: driver %q does not support executing directly", name, b.Type)
		}
		if b.Binary == "" && b.AttachTo == "" {
			return nil, fmt.Errorf("backend %q: requires either a binary path or a running instance to attach to", name)
		}

		modelUnloading := caps.SupportsModelUnloading
		if b.ModelUnloading != nil {
			modelUnloading = caps.SupportsModelUnloading && *b.ModelUnloading
		}

		backends[name] = BackendConfig{
			Name:              name,
			Type:              b.Type,
			Binary:            b.Binary,
			AttachTo:          b.AttachTo,
			DefaultParameters: append([]string{}, b.DefaultParameters...),
			ModelUnloading:    modelUnloading,
			Capabilities:      caps,
		}
	}
	return backends, nil
}

func capabilitiesFor(driverType string) (driver.Capabilities, error) {
	d, err := driver.New(driverType)
	if err != nil {
		return driver.Capabilities{}, fmt.Errorf("unknown driver %q (known: %v)", driverType, driver.Known())
	}
	return d.Capabilities(), nil
}

func buildServers(raw []rawServer, backends map[string]BackendConfig) ([]ServerConfig, error) {
	servers := make([]ServerConfig, 0, len(raw))
	seenPorts := make(map[int]struct{}, len(raw))

	for _, s := range raw {
		if _, dup := seenPorts[s.Port]; dup {
			return nil, fmt.Errorf("duplicate server port: %d", s.Port)
		}
		seenPorts[s.Port] = struct{}{}

		endpoints := make([]EndpointConfig, 0, len(s.Endpoints))
		for _, e := range s.Endpoints {
			backend, ok := backends[e.Backend]
			if !ok {
				return nil, fmt.Errorf("server %q endpoint %q: %w: %q", s.Name, e.Name, ErrUnknownBackend, e.Backend)
			}

			kvCacheSaving := backend.Capabilities.SupportsKvCacheRestore
			if e.KvCacheSaving != nil {
				kvCacheSaving = backend.Capabilities.SupportsKvCacheRestore && *e.KvCacheSaving
			}

			endpoints = append(endpoints, EndpointConfig{
				Name:          e.Name,
				Backend:       e.Backend,
				PathPrefix:    e.PathPrefix,
				StripPrefix:   e.StripPrefix,
				Parameters:    append([]string{}, e.Parameters...),
				KvCacheSaving: kvCacheSaving,
			})
		}

		servers = append(servers, ServerConfig{
			Name:      s.Name,
			Host:      s.Host,
			Port:      s.Port,
			Endpoints: endpoints,
		})
	}

	return servers, nil
}

func resolveTempDir(configured string) string {
	if configured != "" {
		abs, err := filepath.Abs(configured)
		if err == nil {
			return abs
		}
		return configured
	}
	if _, err := os.Stat(string(os.PathSeparator) + "tmp"); err == nil {
		return filepath.Join(string(os.PathSeparator)+"tmp", "oneslot")
	}
	abs, err := filepath.Abs("oneslot")
	if err != nil {
		return "oneslot"
	}
	return abs
}

// ErrUnknownBackend is returned when an endpoint references a backend name
// absent from the backends map.
var ErrUnknownBackend = errors.New("unknown backend")
