// Package sdwebui implements the driver for AUTOMATIC1111's stable
// diffusion web UI, including attach-to-running-instance support.
package sdwebui

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"github.com/oneslot/oneslot/internal/driver"
)

func init() {
	driver.Register("sdwebui", func() driver.Driver { return New() })
}

// Driver talks to SDWebUI's memory/unload-checkpoint API.
type Driver struct{}

// New constructs an SDWebUI driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "sdwebui" }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ExecutesDirectly:          true,
		AttachesToRunningInstance: true,
		SupportsKvCacheRestore:    false,
		SupportsModelUnloading:    true,
	}
}

func (d *Driver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	argv := append(append([]string{}, tokens...), "--port", strconv.Itoa(int(port)), "--nowebui")
	return argv, nil
}

func (d *Driver) BuildEnvironment(base []string, host string, port uint16) []string {
	return base
}

func (d *Driver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sdapi/v1/memory", nil)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/sdapi/v1/unload-checkpoint", bytes.NewReader(nil))
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

func (d *Driver) SaveKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}

func (d *Driver) RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}
