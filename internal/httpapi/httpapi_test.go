package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

type fakeModel struct{}

func (fakeModel) Copy() *datamodel.Snapshot { return &datamodel.Snapshot{States: map[string][]datamodel.State{}} }

type fakeRunner struct {
	lastZone     string
	lastCategory algorithm.Category
	err          error
}

func (f *fakeRunner) TriggerNowByKey(ctx context.Context, zone string, category algorithm.Category) error {
	f.lastZone = zone
	f.lastCategory = category
	return f.err
}

func newTestServer() (*Server, *registry.Registry, *fakeRunner) {
	devices := registry.New()
	devices.Upsert(registry.DeviceConfig{Serial: "ap-1", EnableRRM: true, Zone: "zone-a"})
	runner := &fakeRunner{}
	algos := algorithm.NewRegistry()
	algos.Register(algorithm.Entry{ID: "measurement-tpc", Category: algorithm.CategoryTPC, ArgDoc: map[string]string{"coverageThreshold": "dBm"}})
	s := NewServer(":0", fakeModel{}, devices, algos, runner, nil, nil, zap.NewNop())
	return s, devices, runner
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestGetDeviceConfigNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/getDeviceConfig?serial=unknown", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestGetDeviceConfigFound(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/getDeviceConfig?serial=ap-1", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var cfg registry.DeviceConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Serial != "ap-1" || cfg.Zone != "zone-a" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestSetDeviceZoneConfig(t *testing.T) {
	s, devices, _ := newTestServer()
	body, _ := json.Marshal(map[string]string{"serial": "ap-1", "zone": "zone-b"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/setDeviceZoneConfig", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if devices.Zone("ap-1") != "zone-b" {
		t.Fatalf("got zone %q", devices.Zone("ap-1"))
	}
}

func TestOptimizeChannelTriggersCorrectCategory(t *testing.T) {
	s, _, runner := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimizeChannel?zone=zone-a", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.lastZone != "zone-a" || runner.lastCategory != algorithm.CategoryChannel {
		t.Fatalf("got zone=%s category=%s", runner.lastZone, runner.lastCategory)
	}
}

func TestOptimizeChannelMissingZone(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimizeChannel", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestListAlgorithms(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/algorithms", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != "measurement-tpc" {
		t.Fatalf("got %+v", list)
	}
}

func TestGetTopology(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/topology", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var byZone map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &byZone); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(byZone["zone-a"]) != 1 || byZone["zone-a"][0] != "ap-1" {
		t.Fatalf("got %+v", byZone)
	}
}
