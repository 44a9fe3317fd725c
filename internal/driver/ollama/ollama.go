// Package ollama implements the driver for Ollama's server binary.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oneslot/oneslot/internal/driver"
)

func init() {
	driver.Register("ollama", func() driver.Driver { return New() })
}

// Driver talks to Ollama's /api endpoints and sets OLLAMA_HOST on spawn.
type Driver struct{}

// New constructs an Ollama driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "ollama" }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ExecutesDirectly:          true,
		AttachesToRunningInstance: true,
		SupportsKvCacheRestore:    false,
		SupportsModelUnloading:    true,
	}
}

func (d *Driver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	argv := make([]string, 0, len(tokens)+1)
	argv = append(argv, "serve")
	argv = append(argv, tokens...)
	return argv, nil
}

func (d *Driver) BuildEnvironment(base []string, host string, port uint16) []string {
	return append(append([]string{}, base...), fmt.Sprintf("OLLAMA_HOST=%s:%d", host, port))
}

func (d *Driver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type psResponse struct {
	Models []struct {
		Model string `json:"model"`
	} `json:"models"`
}

func (d *Driver) UnloadModel(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/ps", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	var ps psResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&ps)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || decodeErr != nil {
		return false
	}

	ok := true
	for _, m := range ps.Models {
		if !d.unloadOne(ctx, client, baseURL, m.Model) {
			ok = false
		}
	}
	return ok
}

func (d *Driver) unloadOne(ctx context.Context, client *http.Client, baseURL, model string) bool {
	body, err := json.Marshal(map[string]any{"model": model, "keep_alive": 0})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (d *Driver) SaveKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}

func (d *Driver) RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}
