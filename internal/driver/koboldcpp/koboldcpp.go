// Package koboldcpp implements the driver for KoboldCpp, including its
// --config JSON-rewrite quirk: when a --config flag is present among the
// endpoint's parameters, KoboldCpp takes its entire configuration from
// that file and ignores --port, so the driver must rewrite a copy of the
// file with the allocated port baked in.
package koboldcpp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oneslot/oneslot/internal/driver"
)

func init() {
	driver.Register("koboldcpp", func() driver.Driver { return New() })
}

// Driver rewrites KoboldCpp's --config file (if given) and probes its
// version endpoint.
type Driver struct {
	// now returns the current Unix time in seconds, overridable in tests.
	now func() int64
}

// New constructs a KoboldCpp driver.
func New() *Driver {
	return &Driver{now: func() int64 { return time.Now().Unix() }}
}

func (d *Driver) Name() string { return "koboldcpp" }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ExecutesDirectly:          true,
		AttachesToRunningInstance: false,
		SupportsKvCacheRestore:    false,
		SupportsModelUnloading:    false,
	}
}

func (d *Driver) BuildCommandLine(tokens []string, port uint16, tempDir string, kvCacheEnabled bool) ([]string, error) {
	configPath, rest := extractConfigFlag(tokens)
	if configPath == "" {
		return append(append([]string{}, rest...), "--port", strconv.Itoa(int(port))), nil
	}

	rewritten, err := d.rewriteConfig(configPath, port, tempDir)
	if err != nil {
		return nil, err
	}
	return []string{"--config", rewritten}, nil
}

// extractConfigFlag pulls a "--config <path>" pair (or "--config=<path>")
// out of tokens, returning the path and the remaining tokens in order.
func extractConfigFlag(tokens []string) (string, []string) {
	rest := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "--config" && i+1 < len(tokens) {
			path := tokens[i+1]
			rest = append(rest, tokens[i+2:]...)
			return path, rest
		}
		if strings.HasPrefix(tok, "--config=") {
			path := strings.TrimPrefix(tok, "--config=")
			rest = append(rest, tokens[i+1:]...)
			return path, rest
		}
		rest = append(rest, tok)
	}
	return "", rest
}

func (d *Driver) rewriteConfig(configPath string, port uint16, tempDir string) (string, error) {
	if _, err := os.Stat(configPath); err != nil {
		return "", fmt.Errorf("koboldcpp config file %q does not exist: %w", configPath, err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("reading koboldcpp config %q: %w", configPath, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("parsing koboldcpp config %q: %w", configPath, err)
	}

	data["port"] = int(port)
	data["port_param"] = int(port)
	data["showgui"] = false
	data["launch"] = false

	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding rewritten koboldcpp config: %w", err)
	}

	ext := filepath.Ext(configPath)
	base := strings.TrimSuffix(filepath.Base(configPath), ext)
	rewritten := filepath.Join(tempDir, fmt.Sprintf("%s_%d%s", base, d.now(), ext))

	if err := os.WriteFile(rewritten, out, 0o644); err != nil {
		return "", fmt.Errorf("writing rewritten koboldcpp config: %w", err)
	}
	return rewritten, nil
}

func (d *Driver) BuildEnvironment(base []string, host string, port uint16) []string {
	return base
}

func (d *Driver) ProbeReady(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/info/version", nil)
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
	return false
}

func (d *Driver) RestoreKvCache(ctx context.Context, client *http.Client, baseURL, file string) bool {
	return false
}
