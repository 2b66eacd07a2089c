package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *HTTPClient) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/systemEndpoints", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"devices": "/devices"})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"serial-1", "serial-2"})
	})
	mux.HandleFunc("/device/serial-1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"5G": map[string]any{
				"channels":      []int{36, 40, 44},
				"tx_power_min":  6,
				"tx_power_max":  30,
			},
		})
	})

	srv := httptest.NewServer(mux)

	c := New(DefaultConfig(), zap.NewNop())
	c.SetEndpoints(context.Background(), Endpoints{
		BaseURL:       srv.URL,
		OAuthTokenURL: srv.URL + "/oauth/token",
		ClientID:      "id",
		ClientSecret:  "secret",
	})
	return srv, c
}

func TestListDevices(t *testing.T) {
	srv, c := newTestServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := c.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(got) != 2 || got[0] != "serial-1" {
		t.Fatalf("got %v", got)
	}
}

func TestGetCapabilities(t *testing.T) {
	srv, c := newTestServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caps, err := c.GetCapabilities(ctx, "serial-1")
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	phy, ok := caps["5G"]
	if !ok {
		// Band is a typed string; compare via its zero-value equivalent key.
		for k := range caps {
			t.Fatalf("unexpected band key %v", k)
		}
	}
	if phy.TxPowerMaxDBm != 30 {
		t.Fatalf("got %+v", phy)
	}
}

func TestReadyTrueAfterSuccessfulDiscovery(t *testing.T) {
	srv, c := newTestServer(t)
	defer srv.Close()

	if !c.Ready(context.Background()) {
		t.Fatal("expected Ready() to be true after successful discovery")
	}
}

func TestReadyFalseWhenDiscoveryFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "t", "token_type": "bearer", "expires_in": 3600})
	})
	// no /systemEndpoints handler registered: discovery 404s.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(DefaultConfig(), zap.NewNop())
	c.SetEndpoints(context.Background(), Endpoints{
		BaseURL:       srv.URL,
		OAuthTokenURL: srv.URL + "/oauth/token",
		ClientID:      "id",
		ClientSecret:  "secret",
	})
	if c.Ready(context.Background()) {
		t.Fatal("expected Ready() to be false when discovery fails")
	}
}

func TestReadyFalseBeforeEndpointsSet(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	if c.Ready(context.Background()) {
		t.Fatal("expected Ready() to be false before SetEndpoints")
	}
}

func TestNotConfiguredError(t *testing.T) {
	c := New(DefaultConfig(), zap.NewNop())
	if _, err := c.ListDevices(context.Background()); err == nil {
		t.Fatal("expected error when endpoints are unset")
	}
}
