package muxconfig_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneslot/oneslot/internal/muxconfig"

	_ "github.com/oneslot/oneslot/internal/driver/comfyui"
	_ "github.com/oneslot/oneslot/internal/driver/koboldcpp"
	_ "github.com/oneslot/oneslot/internal/driver/llamacpp"
	_ "github.com/oneslot/oneslot/internal/driver/ollama"
	_ "github.com/oneslot/oneslot/internal/driver/sdwebui"
)

func writeConfig(t *testing.T, doc any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"temp_dir": t.TempDir(),
		"backends": map[string]any{
			"llama": map[string]any{"type": "llamacpp", "binary": "/usr/bin/llama-server"},
			"sd":    map[string]any{"type": "sdwebui", "attach_to": "http://localhost:7860"},
		},
		"servers": []any{
			map[string]any{
				"name": "main", "host": "0.0.0.0", "port": 18080,
				"endpoints": []any{
					map[string]any{"name": "llm", "backend": "llama", "path_prefix": "/llm", "strip_prefix": true},
					map[string]any{"name": "img", "backend": "sd", "path_prefix": "/img"},
				},
			},
		},
		"warmup": []any{map[string]any{"server": "main", "endpoint": "llm"}},
	})

	cfg, err := muxconfig.Load(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Backends, 2)
	assert.True(t, cfg.Backends["llama"].Capabilities.SupportsKvCacheRestore)
	assert.False(t, cfg.Backends["sd"].Capabilities.SupportsKvCacheRestore)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, 18080, cfg.Servers[0].Port)
	require.Len(t, cfg.Servers[0].Endpoints, 2)
	require.Len(t, cfg.Warmup, 1)
	assert.Equal(t, "llm", cfg.Warmup[0].Endpoint)
}

func TestLoadUnknownDriver(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{"x": map[string]any{"type": "not-a-driver", "binary": "/bin/x"}},
		"servers":  []any{},
	})
	_, err := muxconfig.Load(path)
	assert.Error(t, err)
}

func TestLoadAttachToUnsupportedDriver(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{"x": map[string]any{"type": "llamacpp", "attach_to": "http://localhost:1234"}},
		"servers":  []any{},
	})
	_, err := muxconfig.Load(path)
	assert.Error(t, err)
}

func TestLoadAttachToForNonAttachingKoboldCpp(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{"x": map[string]any{"type": "koboldcpp", "attach_to": "http://localhost:1234"}},
		"servers":  []any{},
	})
	_, err := muxconfig.Load(path)
	assert.Error(t, err)
}

func TestLoadMissingBinaryAndAttachTo(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{"x": map[string]any{"type": "llamacpp"}},
		"servers":  []any{},
	})
	_, err := muxconfig.Load(path)
	assert.Error(t, err)
}

func TestLoadDuplicateServerPort(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{
			"llama": map[string]any{"type": "llamacpp", "binary": "/usr/bin/llama-server"},
		},
		"servers": []any{
			map[string]any{"name": "a", "host": "0.0.0.0", "port": 9000, "endpoints": []any{}},
			map[string]any{"name": "b", "host": "0.0.0.0", "port": 9000, "endpoints": []any{}},
		},
	})
	_, err := muxconfig.Load(path)
	assert.Error(t, err)
}

func TestLoadEndpointUnknownBackend(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{
			"llama": map[string]any{"type": "llamacpp", "binary": "/usr/bin/llama-server"},
		},
		"servers": []any{
			map[string]any{
				"name": "a", "host": "0.0.0.0", "port": 9000,
				"endpoints": []any{
					map[string]any{"name": "e", "backend": "nope"},
				},
			},
		},
	})
	_, err := muxconfig.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, muxconfig.ErrUnknownBackend)
}

func TestKvCacheSavingForcedFalseForNonRestoringDriver(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"backends": map[string]any{
			"sd": map[string]any{"type": "sdwebui", "attach_to": "http://localhost:7860"},
		},
		"servers": []any{
			map[string]any{
				"name": "a", "host": "0.0.0.0", "port": 9000,
				"endpoints": []any{
					map[string]any{"name": "e", "backend": "sd", "kv_cache_saving": true},
				},
			},
		},
	})
	cfg, err := muxconfig.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Servers[0].Endpoints[0].KvCacheSaving)
}
