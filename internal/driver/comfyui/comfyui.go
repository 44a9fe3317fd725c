// Package comfyui implements the driver for ComfyUI.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/oneslot/oneslot/internal/driver"
)

func init() {
	driver.Register("comfyui", func() driver.Driver { return New() })
}

// Driver talks to ComfyUI's system_stats/free API.
type Driver struct{}

// New constructs a ComfyUI driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "comfyui" }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ExecutesDirectly:          true,
		AttachesToRunningInstance: true,
		SupportsKvCacheRestore:    false,
		SupportsModelUnloading:    true,
	}
}

func (d *Driver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	return append(append([]string{}, tokens...), "--port", strconv.Itoa(int(port))), nil
}

func (d *Driver) BuildEnvironment(base []string, host string, port uint16) []string {
	return base
}

func (d *Driver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/system_stats", nil)
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

func (d *Driver) UnloadModel(ctx context.Context, client *http.Client, baseURL string) bool {
	body, err := json.Marshal(map[string]bool{"unload_models": true})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/free", bytes.NewReader(body))
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
