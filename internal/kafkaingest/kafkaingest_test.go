package kafkaingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/gateway"
	"github.com/openwifi-rrm/rrmd/internal/modeler"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

type fakeEndpointSetter struct {
	last gateway.Endpoints
	set  bool
}

func (f *fakeEndpointSetter) SetEndpoints(ctx context.Context, ep gateway.Endpoints) {
	f.last = ep
	f.set = true
}

func newTestIngest(t *testing.T, gw EndpointSetter) *Ingest {
	t.Helper()
	model := datamodel.New(10, 10)
	devices := registry.New()
	devices.Upsert(registry.DeviceConfig{Serial: "ap-1", EnableRRM: true})
	m := modeler.New(model, devices, nil, 16, zap.NewNop())
	return &Ingest{modeler: m, gw: gw, logger: zap.NewNop()}
}

func TestHandleServiceEventUpdatesEndpoints(t *testing.T) {
	gw := &fakeEndpointSetter{}
	ing := newTestIngest(t, gw)

	payload, _ := json.Marshal(serviceEvent{
		BaseURL:       "https://gw.example.com",
		OAuthTokenURL: "https://gw.example.com/oauth/token",
		ClientID:      "id",
		ClientSecret:  "secret",
	})

	ing.handleServiceEventRecord(context.Background(), &kgo.Record{Value: payload})

	if !gw.set {
		t.Fatal("expected SetEndpoints to be called")
	}
	if gw.last.BaseURL != "https://gw.example.com" {
		t.Fatalf("got %+v", gw.last)
	}
}

func TestHandleServiceEventDropsMalformedPayload(t *testing.T) {
	gw := &fakeEndpointSetter{}
	ing := newTestIngest(t, gw)

	ing.handleServiceEventRecord(context.Background(), &kgo.Record{Value: []byte("not json")})

	if gw.set {
		t.Fatal("expected malformed service event to be dropped without calling SetEndpoints")
	}
}

func TestHandleStateRecordEnqueuesToModeler(t *testing.T) {
	ing := newTestIngest(t, &fakeEndpointSetter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.modeler.Run(ctx)

	payload, _ := json.Marshal(map[string]any{"radios": []any{}, "interfaces": []any{}})
	ing.handleStateRecord(ctx, &kgo.Record{Key: []byte("ap-1"), Value: payload})
}
