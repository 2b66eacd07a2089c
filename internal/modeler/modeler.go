// Package modeler owns the single writer goroutine that mutates the live
// DataModel (spec.md §5 concurrency model): it drains a bounded channel of
// ingested records, decodes them, drops anything for a device that is not
// RRM-enabled, and performs the startup backfill against the gateway.
package modeler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/gateway"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

// RecordKind identifies which decoder a Record needs.
type RecordKind int

const (
	RecordState RecordKind = iota
	RecordWifiScan
	RecordCapabilities
	RecordStatusRadios
)

// Record is one ingested Kafka message, already demultiplexed by kind and
// target serial — KafkaIngest builds these, the Modeler only decodes and
// applies them.
type Record struct {
	Serial  string
	Kind    RecordKind
	Payload []byte
}

// Modeler is the single writer against DataModel.
type Modeler struct {
	model    *datamodel.DataModel
	devices  *registry.Registry
	gw       gateway.Client
	logger   *zap.Logger
	records  chan Record
}

// New builds a Modeler. queueSize bounds how many undecoded records may
// wait in front of the single writer before KafkaIngest's producers block.
func New(model *datamodel.DataModel, devices *registry.Registry, gw gateway.Client, queueSize int, logger *zap.Logger) *Modeler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Modeler{
		model:   model,
		devices: devices,
		gw:      gw,
		logger:  logger,
		records: make(chan Record, queueSize),
	}
}

// Enqueue hands one record to the writer loop. Blocks if the queue is full
// — KafkaIngest's consumer group pauses fetching rather than drop records.
func (m *Modeler) Enqueue(ctx context.Context, r Record) error {
	select {
	case m.records <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the record queue until ctx is canceled. Exactly one goroutine
// must call Run for the single-writer invariant to hold.
func (m *Modeler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.records:
			m.apply(r)
		}
	}
}

func (m *Modeler) apply(r Record) {
	if !m.devices.IsRRMEnabled(r.Serial) {
		m.logger.Debug("dropping record for non-RRM-enabled device", zap.String("serial", r.Serial))
		return
	}

	switch r.Kind {
	case RecordState:
		state, err := datamodel.DecodeState(r.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed state record", zap.String("serial", r.Serial), zap.Error(err))
			return
		}
		state.IngestedAt = datamodel.Now()
		m.model.AppendState(r.Serial, state)

	case RecordWifiScan:
		entries, err := datamodel.DecodeWifiScan(r.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed wifiscan record", zap.String("serial", r.Serial), zap.Error(err))
			return
		}
		m.model.AppendWifiScan(r.Serial, entries)

	case RecordCapabilities:
		caps, err := datamodel.DecodeCapabilities(r.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed capabilities record", zap.String("serial", r.Serial), zap.Error(err))
			return
		}
		m.model.SetCapabilities(r.Serial, caps)

	case RecordStatusRadios:
		state, err := datamodel.DecodeState(r.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed status record", zap.String("serial", r.Serial), zap.Error(err))
			return
		}
		m.model.SetStatusRadios(r.Serial, state.Radios)

	default:
		m.logger.Warn("dropping record of unknown kind", zap.String("serial", r.Serial), zap.Int("kind", int(r.Kind)))
	}
}

// Revalidate drops buffered data for any device the registry no longer
// considers RRM-enabled — called after every ProvMonitor reconciliation.
func (m *Modeler) Revalidate() {
	m.model.Revalidate(m.devices.IsRRMEnabled)
}

// Backfill performs the one-time startup catch-up described in spec.md §6:
// enumerate every device the gateway knows about, and for each one RRM
// enables, pull its latest statistics, wifi-scan, and capabilities once so
// the model is not empty for the first scheduled run after a restart.
func (m *Modeler) Backfill(ctx context.Context) error {
	serials, err := m.gw.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("modeler: backfill: listing devices: %w", err)
	}

	for _, serial := range serials {
		if !m.devices.IsRRMEnabled(serial) {
			continue
		}

		if state, err := m.gw.GetLatestState(ctx, serial); err != nil {
			m.logger.Warn("backfill: fetching latest state failed", zap.String("serial", serial), zap.Error(err))
		} else {
			state.IngestedAt = datamodel.Now()
			m.model.AppendState(serial, state)
			m.model.SetStatusRadios(serial, state.Radios)
		}

		if scan, err := m.gw.GetWifiScan(ctx, serial); err != nil {
			m.logger.Warn("backfill: fetching wifi scan failed", zap.String("serial", serial), zap.Error(err))
		} else {
			m.model.AppendWifiScan(serial, scan)
		}

		if caps, err := m.gw.GetCapabilities(ctx, serial); err != nil {
			m.logger.Warn("backfill: fetching capabilities failed", zap.String("serial", serial), zap.Error(err))
		} else {
			m.model.SetCapabilities(serial, caps)
		}
	}

	return nil
}

// Copy exposes the current model snapshot for the scheduler and the
// operator REST API.
func (m *Modeler) Copy() *datamodel.Snapshot {
	return m.model.Copy()
}
