// Package gateway implements the southbound UCentralClient collaborator
// (spec.md §6): oauth2 client-credentials login, per-endpoint circuit
// breaking, and a longer timeout for wifi-scan calls than every other
// endpoint (spec.md §5).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
)

// Client is the interface the Modeler and ConfigApplier
// depend on — the core never imports this package's concrete HTTP type
// directly outside of wiring in cmd/rrmd.
type Client interface {
	Ready(ctx context.Context) bool
	ListDevices(ctx context.Context) ([]string, error)
	GetLatestState(ctx context.Context, serial string) (datamodel.State, error)
	GetWifiScan(ctx context.Context, serial string) ([]datamodel.WifiScanEntry, error)
	GetCapabilities(ctx context.Context, serial string) (map[datamodel.Band]datamodel.Phy, error)
	GetConfiguredRadios(ctx context.Context, serial string) ([]datamodel.Radio, error)
	Configure(ctx context.Context, serial string, radios []datamodel.Radio) error
	RunScript(ctx context.Context, serial string, script string) ([]byte, error)
	Deauthenticate(ctx context.Context, serial, clientMAC string) error
	Steer(ctx context.Context, serial, clientMAC string, up bool) error
}

// Endpoints holds the gateway's service URLs and credentials, updated live
// by the service_events Kafka consumer (spec.md §6: "service_events carries
// service URLs and API keys").
type Endpoints struct {
	BaseURL      string
	OAuthTokenURL string
	ClientID     string
	ClientSecret string
}

// Config configures the HTTP client's behavior, independent of Endpoints.
type Config struct {
	RequestTimeout  time.Duration
	WifiScanTimeout time.Duration
	VerifySSL       bool
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:  10 * time.Second,
		WifiScanTimeout: 30 * time.Second,
		VerifySSL:       true,
	}
}

// HTTPClient is the concrete gateway.Client backed by the device-gateway's
// REST API.
type HTTPClient struct {
	endpoints atomic.Pointer[Endpoints]
	cfg       Config
	logger    *zap.Logger

	ready atomic.Bool

	defaultClient  *http.Client
	wifiScanClient *http.Client

	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds an HTTPClient. Call SetEndpoints before first use; Ready()
// reports false until SetEndpoints has been called at least once and a
// login has succeeded.
func New(cfg Config, logger *zap.Logger) *HTTPClient {
	c := &HTTPClient{cfg: cfg, logger: logger}
	c.breakers = make(map[string]*gobreaker.CircuitBreaker)
	for _, kind := range []string{"discovery", "devices", "statistics", "wifiscan", "capabilities", "configure", "script"} {
		c.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway-" + kind,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

// SetEndpoints installs new gateway connection info and (re)builds the
// oauth2-backed HTTP clients, then performs discovery against
// systemEndpoints to confirm login succeeded. Safe to call concurrently
// with in-flight requests; subsequent calls pick up the new endpoints.
func (c *HTTPClient) SetEndpoints(ctx context.Context, ep Endpoints) {
	c.endpoints.Store(&ep)
	c.ready.Store(false)

	ccCfg := clientcredentials.Config{
		ClientID:     ep.ClientID,
		ClientSecret: ep.ClientSecret,
		TokenURL:     ep.OAuthTokenURL,
	}

	base := &http.Client{Timeout: c.cfg.RequestTimeout}
	scan := &http.Client{Timeout: c.cfg.WifiScanTimeout}

	c.defaultClient = ccCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	c.defaultClient.Timeout = c.cfg.RequestTimeout
	c.wifiScanClient = ccCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, scan))
	c.wifiScanClient.Timeout = c.cfg.WifiScanTimeout

	if err := c.discover(ctx); err != nil {
		c.logger.Warn("gateway discovery failed, will retry on next call to Ready", zap.Error(err))
		return
	}
	c.ready.Store(true)
}

// discover hits systemEndpoints to confirm login succeeded. The response
// body is not currently consumed beyond validating a 2xx status — the
// gateway reports one fixed base URL for every southbound call in this
// deployment model, so there is nothing further to wire up from it yet.
func (c *HTTPClient) discover(ctx context.Context) error {
	_, err := c.call(ctx, "discovery", http.MethodGet, "/systemEndpoints", nil, c.defaultClient)
	return err
}

// Ready reports whether login and discovery have completed. If not yet
// ready and endpoints are configured, it retries discovery once so a
// transient startup failure self-heals on the next poll (e.g. from
// /readyz) instead of requiring a fresh service_events record.
func (c *HTTPClient) Ready(ctx context.Context) bool {
	if c.ready.Load() {
		return true
	}
	if _, err := c.endpointsOrErr(); err != nil {
		return false
	}
	if err := c.discover(ctx); err != nil {
		return false
	}
	c.ready.Store(true)
	return true
}

func (c *HTTPClient) endpointsOrErr() (*Endpoints, error) {
	ep := c.endpoints.Load()
	if ep == nil || ep.BaseURL == "" {
		return nil, fmt.Errorf("gateway: endpoints not configured")
	}
	return ep, nil
}

func (c *HTTPClient) call(ctx context.Context, breakerKind, method, path string, body any, client *http.Client) ([]byte, error) {
	ep, err := c.endpointsOrErr()
	if err != nil {
		return nil, err
	}

	result, err := c.breakers[breakerKind].Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("gateway: marshal request: %w", err)
			}
			reader = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("gateway: building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gateway: reading response body: %w", err)
		}
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("gateway: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *HTTPClient) ListDevices(ctx context.Context) ([]string, error) {
	data, err := c.call(ctx, "devices", http.MethodGet, "/devices", nil, c.defaultClient)
	if err != nil {
		return nil, err
	}
	var serials []string
	if err := json.Unmarshal(data, &serials); err != nil {
		return nil, fmt.Errorf("gateway: decode devices list: %w", err)
	}
	return serials, nil
}

func (c *HTTPClient) GetLatestState(ctx context.Context, serial string) (datamodel.State, error) {
	path := fmt.Sprintf("/device/%s/statistics?newest=true&limit=1", serial)
	data, err := c.call(ctx, "statistics", http.MethodGet, path, nil, c.defaultClient)
	if err != nil {
		return datamodel.State{}, err
	}
	return datamodel.DecodeState(data)
}

func (c *HTTPClient) GetWifiScan(ctx context.Context, serial string) ([]datamodel.WifiScanEntry, error) {
	path := fmt.Sprintf("/device/%s/wifiscan", serial)
	data, err := c.call(ctx, "wifiscan", http.MethodGet, path, nil, c.wifiScanClient)
	if err != nil {
		return nil, err
	}
	return datamodel.DecodeWifiScan(data)
}

func (c *HTTPClient) GetCapabilities(ctx context.Context, serial string) (map[datamodel.Band]datamodel.Phy, error) {
	path := fmt.Sprintf("/device/%s/capabilities", serial)
	data, err := c.call(ctx, "capabilities", http.MethodGet, path, nil, c.defaultClient)
	if err != nil {
		return nil, err
	}
	return datamodel.DecodeCapabilities(data)
}

func (c *HTTPClient) GetConfiguredRadios(ctx context.Context, serial string) ([]datamodel.Radio, error) {
	path := fmt.Sprintf("/device/%s/configure", serial)
	data, err := c.call(ctx, "configure", http.MethodGet, path, nil, c.defaultClient)
	if err != nil {
		return nil, err
	}
	var resp configureRequest
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("gateway: decode configured radios: %w", err)
	}
	return resp.Radios, nil
}

// configureRequest is the body of a configure POST and the shape of the
// configure GET response: the device's full list of configured radios. The
// ConfigApplier changes only the targeted band's radio before sending it.
type configureRequest struct {
	Radios []datamodel.Radio `json:"radios"`
}

func (c *HTTPClient) Configure(ctx context.Context, serial string, radios []datamodel.Radio) error {
	path := fmt.Sprintf("/device/%s/configure", serial)
	_, err := c.call(ctx, "configure", http.MethodPost, path, configureRequest{Radios: radios}, c.defaultClient)
	return err
}

type scriptRequest struct {
	Script string `json:"script"`
}

func (c *HTTPClient) RunScript(ctx context.Context, serial string, script string) ([]byte, error) {
	path := fmt.Sprintf("/device/%s/script", serial)
	return c.call(ctx, "script", http.MethodPost, path, scriptRequest{Script: script}, c.defaultClient)
}

type steeringRequest struct {
	Client string `json:"client"`
	Action string `json:"action"`
}

func (c *HTTPClient) Deauthenticate(ctx context.Context, serial, clientMAC string) error {
	path := fmt.Sprintf("/device/%s/script", serial)
	_, err := c.call(ctx, "script", http.MethodPost, path, steeringRequest{Client: clientMAC, Action: "deauthenticate"}, c.defaultClient)
	return err
}

func (c *HTTPClient) Steer(ctx context.Context, serial, clientMAC string, up bool) error {
	action := "steer_down"
	if up {
		action = "steer_up"
	}
	path := fmt.Sprintf("/device/%s/script", serial)
	_, err := c.call(ctx, "script", http.MethodPost, path, steeringRequest{Client: clientMAC, Action: action}, c.defaultClient)
	return err
}
