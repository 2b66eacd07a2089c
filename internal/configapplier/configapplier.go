// Package configapplier pushes algorithm output maps down to devices
// through the gateway client, fetching each device's currently configured
// radios and mutating only the targeted band's channel/tx-power field
// before POSTing the result back (spec.md §4.7). Device pushes fan out
// with bounded concurrency and per-device error capture: one device's
// failure never aborts the others in the same run.
package configapplier

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/gateway"
)

const defaultConcurrency = 8

// Applier implements scheduler.ConfigApplier.
type Applier struct {
	gw          gateway.Client
	logger      *zap.Logger
	concurrency int
}

func New(gw gateway.Client, logger *zap.Logger) *Applier {
	return &Applier{gw: gw, logger: logger, concurrency: defaultConcurrency}
}

// Result captures one device's outcome within a batch apply, for the
// caller (typically the scheduler, via logging, or the REST API surfacing
// a partial-failure summary) to inspect without an aborted run.
type Result struct {
	Serial string
	Err    error
}

func (a *Applier) forEachDevice(ctx context.Context, serials []string, fn func(ctx context.Context, serial string) error) []Result {
	results := make([]Result, len(serials))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	var mu sync.Mutex
	for i, serial := range serials {
		i, serial := i, serial
		g.Go(func() error {
			err := fn(gctx, serial)
			mu.Lock()
			results[i] = Result{Serial: serial, Err: err}
			mu.Unlock()
			if err != nil {
				a.logger.Warn("device apply failed", zap.String("serial", serial), zap.Error(err))
			}
			return nil // per-device errors never abort the group
		})
	}
	_ = g.Wait()
	return results
}

// ApplyTxPower pushes one TPC algorithm's output map, mutating each
// targeted radio's TxPower field in place.
func (a *Applier) ApplyTxPower(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error {
	serials := make([]string, 0, len(m))
	for serial := range m {
		serials = append(serials, serial)
	}

	results := a.forEachDevice(ctx, serials, func(ctx context.Context, serial string) error {
		radios, err := a.gw.GetConfiguredRadios(ctx, serial)
		if err != nil {
			return fmt.Errorf("fetching configured radios: %w", err)
		}
		perBand := m[serial]
		mutated := false
		for i := range radios {
			if txPower, ok := perBand[radios[i].Band]; ok {
				radios[i].TxPower = txPower
				mutated = true
			}
		}
		if !mutated {
			return nil
		}
		if err := a.gw.Configure(ctx, serial, radios); err != nil {
			return fmt.Errorf("pushing tx power configure: %w", err)
		}
		return nil
	})
	return firstError(results)
}

// ApplyChannels pushes one channel algorithm's output map, mutating each
// targeted radio's Channel field in place.
func (a *Applier) ApplyChannels(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error {
	serials := make([]string, 0, len(m))
	for serial := range m {
		serials = append(serials, serial)
	}

	results := a.forEachDevice(ctx, serials, func(ctx context.Context, serial string) error {
		radios, err := a.gw.GetConfiguredRadios(ctx, serial)
		if err != nil {
			return fmt.Errorf("fetching configured radios: %w", err)
		}
		perBand := m[serial]
		mutated := false
		for i := range radios {
			if channel, ok := perBand[radios[i].Band]; ok {
				radios[i].Channel = channel
				mutated = true
			}
		}
		if !mutated {
			return nil
		}
		if err := a.gw.Configure(ctx, serial, radios); err != nil {
			return fmt.Errorf("pushing channel configure: %w", err)
		}
		return nil
	})
	return firstError(results)
}

// ApplyClientActions issues one RPC per (serial, clientMAC, action) —
// these are steering directives, not configuration pushes, so no
// current-config fetch precedes them.
func (a *Applier) ApplyClientActions(ctx context.Context, zone string, m map[string]map[string]algorithm.Action) error {
	serials := make([]string, 0, len(m))
	for serial := range m {
		serials = append(serials, serial)
	}

	results := a.forEachDevice(ctx, serials, func(ctx context.Context, serial string) error {
		for client, action := range m[serial] {
			var err error
			switch action {
			case algorithm.ActionDeauthenticate:
				err = a.gw.Deauthenticate(ctx, serial, client)
			case algorithm.ActionSteerUp:
				err = a.gw.Steer(ctx, serial, client, true)
			case algorithm.ActionSteerDown:
				err = a.gw.Steer(ctx, serial, client, false)
			default:
				err = fmt.Errorf("unknown action %q for client %q", action, client)
			}
			if err != nil {
				return fmt.Errorf("client %s: %w", client, err)
			}
		}
		return nil
	})
	return firstError(results)
}

func firstError(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("configapplier: serial %s: %w", r.Serial, r.Err)
		}
	}
	return nil
}
