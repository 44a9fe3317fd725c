// Package llamacpp implements the driver for llama.cpp-compatible
// servers (llama-server and its forks).
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/oneslot/oneslot/internal/driver"
)

func init() {
	driver.Register("llamacpp", func() driver.Driver { return New() })
}

// Driver talks to a llama.cpp-compatible server's slot save/restore API
// and its /health endpoint.
type Driver struct{}

// New constructs a llama.cpp driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "llamacpp" }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ExecutesDirectly:          true,
		AttachesToRunningInstance: false,
		SupportsKvCacheRestore:    true,
		SupportsModelUnloading:    false,
	}
}

func (d *Driver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	argv := append(append([]string{}, tokens...), "--port", strconv.Itoa(int(port)))
	if kvCacheEnabled {
		argv = append(argv, "--slot-save-path", filepath.Join(tempDir, "kv_cache"))
	}
	return argv, nil
}

func (d *Driver) BuildEnvironment(base []string, host string, port uint16) []string {
	return base
}

func (d *Driver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
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
	return true
}

func (d *Driver) SaveKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return d.slotAction(ctx, client, baseURL, "save", file)
}

func (d *Driver) RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return d.slotAction(ctx, client, baseURL, "restore", file)
}

func (d *Driver) slotAction(ctx context.Context, client *http.Client, baseURL, action, file string) bool {
	body, err := json.Marshal(map[string]string{"filename": file})
	if err != nil {
		return false
	}
	url := fmt.Sprintf("%s/slots/0?action=%s", baseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
