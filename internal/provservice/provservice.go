// Package provservice implements provmonitor.ProvisioningService against a
// plain REST provisioning backend, following the same request/decode shape
// as internal/gateway but without OAuth2 or circuit breaking — the
// provisioning service is a control-plane dependency, not a per-device
// southbound call on the request hot path.
package provservice

import (
	"encoding/json"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client implements provmonitor.ProvisioningService.
type Client struct {
	cfg    Config
	http   *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("provservice: building request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provservice: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provservice: reading response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("provservice: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *Client) ListSerials(ctx context.Context) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, "/devices")
	if err != nil {
		return nil, err
	}
	var serials []string
	if err := json.Unmarshal(data, &serials); err != nil {
		return nil, fmt.Errorf("provservice: decode device list: %w", err)
	}
	return serials, nil
}

// deviceConfigWire is the on-the-wire shape returned by the provisioning
// service for one device's RRM-relevant configuration.
type deviceConfigWire struct {
	Serial          string                               `json:"serial"`
	EnableRRM       bool                                 `json:"enableRrm"`
	Zone            string                               `json:"zone"`
	AllowedChannels map[datamodel.Band][]int             `json:"allowedChannels"`
	AllowedTxPowers map[datamodel.Band][]int             `json:"allowedTxPowers"`
	AlgorithmArgs   map[string]map[string]string          `json:"algorithmArgs"`
}

func (c *Client) GetConfig(ctx context.Context, serial string) (registry.DeviceConfig, error) {
	data, err := c.do(ctx, http.MethodGet, "/devices/"+serial)
	if err != nil {
		return registry.DeviceConfig{}, err
	}
	var wire deviceConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return registry.DeviceConfig{}, fmt.Errorf("provservice: decode device config: %w", err)
	}
	return registry.DeviceConfig{
		Serial:          wire.Serial,
		EnableRRM:       wire.EnableRRM,
		Zone:            wire.Zone,
		AllowedChannels: wire.AllowedChannels,
		AllowedTxPowers: wire.AllowedTxPowers,
		AlgorithmArgs:   wire.AlgorithmArgs,
	}, nil
}
