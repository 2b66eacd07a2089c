package configapplier

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
)

type fakeGateway struct {
	mu            sync.Mutex
	radios        map[string][]datamodel.Radio
	configureErr  map[string]error
	configured    map[string][]datamodel.Radio
	deauthCalls   []string
	steerCalls    []string
}

func (f *fakeGateway) Ready(ctx context.Context) bool { return true }
func (f *fakeGateway) ListDevices(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeGateway) GetLatestState(ctx context.Context, serial string) (datamodel.State, error) {
	return datamodel.State{}, nil
}
func (f *fakeGateway) GetWifiScan(ctx context.Context, serial string) ([]datamodel.WifiScanEntry, error) {
	return nil, nil
}
func (f *fakeGateway) GetCapabilities(ctx context.Context, serial string) (map[datamodel.Band]datamodel.Phy, error) {
	return nil, nil
}
func (f *fakeGateway) GetConfiguredRadios(ctx context.Context, serial string) ([]datamodel.Radio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	radios := append([]datamodel.Radio(nil), f.radios[serial]...)
	return radios, nil
}
func (f *fakeGateway) Configure(ctx context.Context, serial string, radios []datamodel.Radio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.configureErr[serial]; err != nil {
		return err
	}
	if f.configured == nil {
		f.configured = make(map[string][]datamodel.Radio)
	}
	f.configured[serial] = radios
	return nil
}
func (f *fakeGateway) RunScript(ctx context.Context, serial string, script string) ([]byte, error) {
	return nil, nil
}
func (f *fakeGateway) Deauthenticate(ctx context.Context, serial, clientMAC string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deauthCalls = append(f.deauthCalls, serial+"/"+clientMAC)
	return nil
}
func (f *fakeGateway) Steer(ctx context.Context, serial, clientMAC string, up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steerCalls = append(f.steerCalls, serial+"/"+clientMAC)
	return nil
}

func TestApplyTxPowerMutatesOnlyTargetedBand(t *testing.T) {
	gw := &fakeGateway{
		radios: map[string][]datamodel.Radio{
			"ap-1": {
				{Band: datamodel.Band2G, Channel: 6, TxPower: 20},
				{Band: datamodel.Band5G, Channel: 36, TxPower: 20},
			},
		},
	}
	a := New(gw, zap.NewNop())

	err := a.ApplyTxPower(context.Background(), "zone-a", map[string]map[datamodel.Band]int{
		"ap-1": {datamodel.Band5G: 14},
	})
	if err != nil {
		t.Fatalf("ApplyTxPower: %v", err)
	}

	got := gw.configured["ap-1"]
	if got[0].TxPower != 20 {
		t.Fatalf("2G tx power should be untouched, got %d", got[0].TxPower)
	}
	if got[1].TxPower != 14 {
		t.Fatalf("5G tx power should be mutated to 14, got %d", got[1].TxPower)
	}
	if got[0].Channel != 6 || got[1].Channel != 36 {
		t.Fatalf("channels must be preserved, got %+v", got)
	}
}

func TestApplyChannelsPartialFailureDoesNotAbortBatch(t *testing.T) {
	gw := &fakeGateway{
		radios: map[string][]datamodel.Radio{
			"ap-1": {{Band: datamodel.Band2G, Channel: 1}},
			"ap-2": {{Band: datamodel.Band2G, Channel: 1}},
		},
		configureErr: map[string]error{"ap-1": fmt.Errorf("device unreachable")},
	}
	a := New(gw, zap.NewNop())

	err := a.ApplyChannels(context.Background(), "zone-a", map[string]map[datamodel.Band]int{
		"ap-1": {datamodel.Band2G: 11},
		"ap-2": {datamodel.Band2G: 6},
	})
	if err == nil {
		t.Fatal("expected an error surfaced for ap-1")
	}

	if gw.configured["ap-2"][0].Channel != 6 {
		t.Fatalf("ap-2 should still have been applied despite ap-1 failing, got %+v", gw.configured["ap-2"])
	}
}

func TestApplyClientActionsDispatchesByActionKind(t *testing.T) {
	gw := &fakeGateway{}
	a := New(gw, zap.NewNop())

	err := a.ApplyClientActions(context.Background(), "zone-a", map[string]map[string]algorithm.Action{
		"ap-1": {
			"client-mac-1": algorithm.ActionDeauthenticate,
			"client-mac-2": algorithm.ActionSteerUp,
		},
	})
	if err != nil {
		t.Fatalf("ApplyClientActions: %v", err)
	}
	if len(gw.deauthCalls) != 1 || gw.deauthCalls[0] != "ap-1/client-mac-1" {
		t.Fatalf("deauthCalls = %v", gw.deauthCalls)
	}
	if len(gw.steerCalls) != 1 || gw.steerCalls[0] != "ap-1/client-mac-2" {
		t.Fatalf("steerCalls = %v", gw.steerCalls)
	}
}

func TestApplyTxPowerNoMatchingBandSkipsConfigure(t *testing.T) {
	gw := &fakeGateway{
		radios: map[string][]datamodel.Radio{
			"ap-1": {{Band: datamodel.Band2G, Channel: 6, TxPower: 20}},
		},
	}
	a := New(gw, zap.NewNop())

	err := a.ApplyTxPower(context.Background(), "zone-a", map[string]map[datamodel.Band]int{
		"ap-1": {datamodel.Band5G: 14},
	})
	if err != nil {
		t.Fatalf("ApplyTxPower: %v", err)
	}
	if _, ok := gw.configured["ap-1"]; ok {
		t.Fatal("expected Configure to be skipped when no radio matches the targeted band")
	}
}
