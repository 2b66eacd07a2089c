package modeler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

type fakeGateway struct {
	devices []string
}

func (f *fakeGateway) Ready(ctx context.Context) bool { return true }
func (f *fakeGateway) ListDevices(ctx context.Context) ([]string, error) { return f.devices, nil }
func (f *fakeGateway) GetLatestState(ctx context.Context, serial string) (datamodel.State, error) {
	return datamodel.State{Radios: []datamodel.Radio{{Band: datamodel.Band2G, Channel: 6}}}, nil
}
func (f *fakeGateway) GetWifiScan(ctx context.Context, serial string) ([]datamodel.WifiScanEntry, error) {
	return nil, nil
}
func (f *fakeGateway) GetCapabilities(ctx context.Context, serial string) (map[datamodel.Band]datamodel.Phy, error) {
	return nil, nil
}
func (f *fakeGateway) GetConfiguredRadios(ctx context.Context, serial string) ([]datamodel.Radio, error) {
	return nil, nil
}
func (f *fakeGateway) Configure(ctx context.Context, serial string, radios []datamodel.Radio) error {
	return nil
}
func (f *fakeGateway) RunScript(ctx context.Context, serial string, script string) ([]byte, error) {
	return nil, nil
}
func (f *fakeGateway) Deauthenticate(ctx context.Context, serial, clientMAC string) error { return nil }
func (f *fakeGateway) Steer(ctx context.Context, serial, clientMAC string, up bool) error { return nil }

func setup(t *testing.T) (*Modeler, *registry.Registry) {
	t.Helper()
	model := datamodel.New(10, 10)
	devices := registry.New()
	devices.Upsert(registry.DeviceConfig{Serial: "ap-1", EnableRRM: true, Zone: "zone-a"})
	m := New(model, devices, &fakeGateway{devices: []string{"ap-1", "ap-2"}}, 16, zap.NewNop())
	return m, devices
}

func TestApplyDropsNonRRMEnabledDevice(t *testing.T) {
	m, _ := setup(t)
	payload, _ := json.Marshal(map[string]any{"radios": []any{}, "interfaces": []any{}})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	if err := m.Enqueue(context.Background(), Record{Serial: "ap-2", Kind: RecordState, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(context.Background(), Record{Serial: "ap-1", Kind: RecordState, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	snap := m.Copy()
	if _, ok := snap.States["ap-2"]; ok {
		t.Fatal("expected non-RRM-enabled device's state to be dropped")
	}
	if _, ok := snap.States["ap-1"]; !ok {
		t.Fatal("expected RRM-enabled device's state to be applied")
	}
}

func TestApplyDropsMalformedPayload(t *testing.T) {
	m, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	if err := m.Enqueue(context.Background(), Record{Serial: "ap-1", Kind: RecordState, Payload: []byte("not json")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	snap := m.Copy()
	if _, ok := snap.States["ap-1"]; ok {
		t.Fatal("expected malformed payload to be dropped, not stored")
	}
}

func TestBackfillOnlyPullsRRMEnabledDevices(t *testing.T) {
	m, _ := setup(t)
	if err := m.Backfill(context.Background()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	snap := m.Copy()
	if _, ok := snap.States["ap-1"]; !ok {
		t.Fatal("expected ap-1 to be backfilled")
	}
	if _, ok := snap.States["ap-2"]; ok {
		t.Fatal("expected ap-2 (not RRM-enabled) to be skipped during backfill")
	}
}

func TestRevalidatePurgesDeprovisionedDevice(t *testing.T) {
	m, devices := setup(t)
	if err := m.Backfill(context.Background()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	devices.Remove("ap-1")
	m.Revalidate()

	snap := m.Copy()
	if _, ok := snap.States["ap-1"]; ok {
		t.Fatal("expected revalidate to purge a deprovisioned device")
	}
}
