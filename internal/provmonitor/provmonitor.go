// Package provmonitor periodically reconciles the device registry against
// an external provisioning service (spec.md §4 "DeviceRegistry... kept in
// sync with a provisioning service"), fanning out per-device lookups with
// bounded concurrency.
package provmonitor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openwifi-rrm/rrmd/internal/registry"
)

const defaultConcurrency = 8

// ProvisioningService is the external collaborator this package
// reconciles against — a thin seam so the HTTP implementation lives
// elsewhere and this package stays testable without a server.
type ProvisioningService interface {
	ListSerials(ctx context.Context) ([]string, error)
	GetConfig(ctx context.Context, serial string) (registry.DeviceConfig, error)
}

// Monitor runs the periodic reconciliation loop.
type Monitor struct {
	svc         ProvisioningService
	devices     *registry.Registry
	interval    time.Duration
	concurrency int
	logger      *zap.Logger

	// OnReconciled, if set, is called after every successful pass — the
	// Modeler wires this to Revalidate so stale buffered data for a
	// deprovisioned device is purged promptly instead of waiting for the
	// next ingest record.
	OnReconciled func()
}

func New(svc ProvisioningService, devices *registry.Registry, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		svc:         svc,
		devices:     devices,
		interval:    interval,
		concurrency: defaultConcurrency,
		logger:      logger,
	}
}

// Run reconciles on an interval until ctx is canceled, logging (not
// aborting) on a failed pass — the registry simply keeps its last-known
// state until the next tick succeeds.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if err := m.reconcileOnce(ctx); err != nil {
		m.logger.Warn("initial provisioning reconciliation failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reconcileOnce(ctx); err != nil {
				m.logger.Warn("provisioning reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) reconcileOnce(ctx context.Context) error {
	serials, err := m.svc.ListSerials(ctx)
	if err != nil {
		return err
	}

	configs := make([]registry.DeviceConfig, len(serials))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for i, serial := range serials {
		i, serial := i, serial
		g.Go(func() error {
			cfg, err := m.svc.GetConfig(gctx, serial)
			if err != nil {
				m.logger.Warn("fetching device config failed, keeping prior value", zap.String("serial", serial), zap.Error(err))
				if prior, ok := m.devices.Get(serial); ok {
					configs[i] = prior
				}
				return nil
			}
			configs[i] = cfg
			return nil
		})
	}
	_ = g.Wait()

	next := make(map[string]registry.DeviceConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Serial == "" {
			continue // a fetch failure for a device with no prior config leaves this slot empty
		}
		next[cfg.Serial] = cfg
	}

	m.devices.ReplaceAll(next)
	m.logger.Info("provisioning reconciliation complete", zap.Int("devices", len(next)))

	if m.OnReconciled != nil {
		m.OnReconciled()
	}
	return nil
}
