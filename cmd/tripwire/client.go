// cmd/tripwire/client.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/trigger"
)

// listedTrigger mirrors the daemon's trigger list entries.
type listedTrigger struct {
	trigger.Trigger
	LastState string `json:"last_state,omitempty"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

// newClient targets TRIPWIRE_URL, or the listen address in the config file.
func newClient() (*apiClient, error) {
	if u := os.Getenv("TRIPWIRE_URL"); u != "" {
		return &apiClient{baseURL: strings.TrimRight(u, "/"), http: &http.Client{Timeout: 30 * time.Second}}, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("http://%s:%d", cfg.Daemon.ListenAddress, cfg.Daemon.ListenPort)
	return &apiClient{baseURL: base, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
