// Package kafkaingest runs the three consumer groups that feed the
// Modeler and the live gateway endpoint config: state, wifiscan, and
// service_events (spec.md §6). Adapted from the teacher's state/history
// consumer pattern — enqueue-then-commit: offsets are committed once a
// record has been handed to the Modeler's queue, not after the Modeler has
// applied it.
package kafkaingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/gateway"
	"github.com/openwifi-rrm/rrmd/internal/modeler"
)

// consumerStatus tracks group-assignment state for httpapi's /readyz check,
// the same joined/revoked/lost bookkeeping the older state consumer did.
type consumerStatus struct {
	joined atomic.Bool
}

func (s *consumerStatus) IsJoined() bool { return s.joined.Load() }

// Config names the topics and connection parameters for all three
// consumer groups.
type Config struct {
	Brokers             []string
	ClientID            string
	StateTopics         []string
	WifiScanTopics      []string
	ServiceEventsTopics []string
	GroupIDPrefix       string
	FetchMaxBytes       int32
	TLSConfig           *tls.Config
	SASLMechanism       sasl.Mechanism
}

// EndpointSetter is the subset of gateway.HTTPClient the service_events
// consumer needs — a seam so this package doesn't depend on the concrete
// gateway type.
type EndpointSetter interface {
	SetEndpoints(ctx context.Context, ep gateway.Endpoints)
}

// serviceEvent mirrors the service_events record shape: new gateway
// connection info, pushed whenever the device-gateway rotates credentials
// or moves (spec.md §6).
type serviceEvent struct {
	BaseURL       string `json:"base_url"`
	OAuthTokenURL string `json:"oauth_token_url"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// Ingest owns the three consumer groups.
type Ingest struct {
	cfg     Config
	modeler *modeler.Modeler
	gw      EndpointSetter
	logger  *zap.Logger

	stateClient         *kgo.Client
	wifiScanClient      *kgo.Client
	serviceEventsClient *kgo.Client

	stateStatus         consumerStatus
	wifiScanStatus      consumerStatus
	serviceEventsStatus consumerStatus
}

func New(cfg Config, m *modeler.Modeler, gw EndpointSetter, logger *zap.Logger) (*Ingest, error) {
	ing := &Ingest{cfg: cfg, modeler: m, gw: gw, logger: logger}

	var err error
	ing.stateClient, err = newClient(cfg, cfg.GroupIDPrefix+"-state", cfg.StateTopics, &ing.stateStatus, logger.Named("kafka.state"))
	if err != nil {
		return nil, fmt.Errorf("kafkaingest: state consumer: %w", err)
	}
	ing.wifiScanClient, err = newClient(cfg, cfg.GroupIDPrefix+"-wifiscan", cfg.WifiScanTopics, &ing.wifiScanStatus, logger.Named("kafka.wifiscan"))
	if err != nil {
		return nil, fmt.Errorf("kafkaingest: wifiscan consumer: %w", err)
	}
	ing.serviceEventsClient, err = newClient(cfg, cfg.GroupIDPrefix+"-service-events", cfg.ServiceEventsTopics, &ing.serviceEventsStatus, logger.Named("kafka.service_events"))
	if err != nil {
		return nil, fmt.Errorf("kafkaingest: service events consumer: %w", err)
	}

	return ing, nil
}

// StateStatus, WifiScanStatus, and ServiceEventsStatus implement
// httpapi.ConsumerStatus for /readyz.
func (i *Ingest) StateStatus() *consumerStatus         { return &i.stateStatus }
func (i *Ingest) WifiScanStatus() *consumerStatus      { return &i.wifiScanStatus }
func (i *Ingest) ServiceEventsStatus() *consumerStatus { return &i.serviceEventsStatus }

func newClient(cfg Config, groupID string, topics []string, status *consumerStatus, logger *zap.Logger) (*kgo.Client, error) {
	fetchMaxBytes := cfg.FetchMaxBytes
	if fetchMaxBytes <= 0 {
		fetchMaxBytes = 10 << 20
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			status.joined.Store(true)
			logger.Info("consumer group partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("commit on revoke failed", zap.Error(err))
			}
			status.joined.Store(false)
			logger.Info("consumer group partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			status.joined.Store(false)
			logger.Info("consumer group partitions lost")
		}),
	}

	if cfg.TLSConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLSConfig))
	}
	if cfg.SASLMechanism != nil {
		opts = append(opts, kgo.SASL(cfg.SASLMechanism))
	}

	return kgo.NewClient(opts...)
}

// Run starts all three consumer loops and blocks until ctx is canceled.
func (i *Ingest) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { i.runState(ctx); done <- struct{}{} }()
	go func() { i.runWifiScan(ctx); done <- struct{}{} }()
	go func() { i.runServiceEvents(ctx); done <- struct{}{} }()
	<-done
	<-done
	<-done
}

func (i *Ingest) runState(ctx context.Context) {
	defer i.stateClient.Close()
	i.pollLoop(ctx, i.stateClient, func(r *kgo.Record) { i.handleStateRecord(ctx, r) })
}

func (i *Ingest) runWifiScan(ctx context.Context) {
	defer i.wifiScanClient.Close()
	i.pollLoop(ctx, i.wifiScanClient, func(r *kgo.Record) { i.handleWifiScanRecord(ctx, r) })
}

func (i *Ingest) runServiceEvents(ctx context.Context) {
	defer i.serviceEventsClient.Close()
	i.pollLoop(ctx, i.serviceEventsClient, func(r *kgo.Record) { i.handleServiceEventRecord(ctx, r) })
}

func (i *Ingest) handleStateRecord(ctx context.Context, r *kgo.Record) {
	if err := i.modeler.Enqueue(ctx, modeler.Record{Serial: string(r.Key), Kind: modeler.RecordState, Payload: r.Value}); err != nil {
		i.logger.Warn("enqueue state record failed", zap.Error(err))
	}
}

func (i *Ingest) handleWifiScanRecord(ctx context.Context, r *kgo.Record) {
	if err := i.modeler.Enqueue(ctx, modeler.Record{Serial: string(r.Key), Kind: modeler.RecordWifiScan, Payload: r.Value}); err != nil {
		i.logger.Warn("enqueue wifiscan record failed", zap.Error(err))
	}
}

func (i *Ingest) handleServiceEventRecord(ctx context.Context, r *kgo.Record) {
	var ev serviceEvent
	if err := json.Unmarshal(r.Value, &ev); err != nil {
		i.logger.Warn("dropping malformed service event", zap.Error(err))
		return
	}
	i.gw.SetEndpoints(ctx, gateway.Endpoints{
		BaseURL:       ev.BaseURL,
		OAuthTokenURL: ev.OAuthTokenURL,
		ClientID:      ev.ClientID,
		ClientSecret:  ev.ClientSecret,
	})
	i.logger.Info("gateway endpoints updated from service event")
}

// pollLoop fetches records and passes each one to handle, committing the
// batch's offsets after every record in it has been handled. For state and
// wifiscan records, handling means enqueueing to the Modeler; a record whose
// enqueue failed is committed as well.
func (i *Ingest) pollLoop(ctx context.Context, client *kgo.Client, handle func(*kgo.Record)) {
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				i.logger.Error("fetch error", zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
		}

		fetches.EachRecord(func(r *kgo.Record) {
			handle(r)
			client.MarkCommitRecords(r)
		})

		commitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.CommitMarkedOffsets(commitCtx); err != nil {
			i.logger.Error("commit offsets failed", zap.Error(err))
		}
		cancel()
	}
}
