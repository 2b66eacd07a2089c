// Package catalog wires the concrete TPC, channel, and client-steering
// algorithms into one algorithm.Registry — the "registry literal" called
// for in spec.md §9, replacing the reference's reflection-based factory.
package catalog

import (
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/algorithm/channel"
	"github.com/openwifi-rrm/rrmd/internal/algorithm/clientsteer"
	"github.com/openwifi-rrm/rrmd/internal/algorithm/tpc"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
	"github.com/openwifi-rrm/rrmd/internal/steering"
)

// Build registers every known algorithm against logger for arg-fallback
// warnings.
func Build(logger *zap.Logger) *algorithm.Registry {
	reg := algorithm.NewRegistry()

	reg.Register(algorithm.Entry{
		ID:       tpc.ID,
		Category: algorithm.CategoryTPC,
		ArgDoc: map[string]string{
			"coverageThreshold": "target coverage in dBm, default -70, rejected if > 30",
			"nthSmallestRssi":   "non-negative index into sorted neighbor RSSI list, default 0",
		},
		Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, _ *steering.State, args map[string]string) (any, error) {
			inst, warnings := tpc.New(snap, zone, dr, args)
			logWarnings(logger, tpc.ID, warnings)
			return inst, nil
		},
	})

	for _, variant := range []string{channel.IDRandom, channel.IDLeastUsed, channel.IDUnmanagedAware} {
		variant := variant
		reg.Register(algorithm.Entry{
			ID:       variant,
			Category: algorithm.CategoryChannel,
			ArgDoc: map[string]string{
				"seed": "RNG seed for random-channel, ignored by other variants",
			},
			Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, _ *steering.State, args map[string]string) (any, error) {
				inst, warnings := channel.New(variant, snap, dr, args)
				logWarnings(logger, variant, warnings)
				return inst, nil
			},
		})
	}

	reg.Register(algorithm.Entry{
		ID:       clientsteer.ID,
		Category: algorithm.CategoryClientSteering,
		ArgDoc: map[string]string{
			"minRssi2G":     "dBm, default -87",
			"maxRssi2G":     "dBm, default -67",
			"minRssiNon2G":  "dBm, default -82",
			"backoffTimeNs": "64-bit nanosecond back-off duration, default 300000000000 (300s)",
		},
		Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, steer *steering.State, args map[string]string) (any, error) {
			inst, warnings := clientsteer.New(snap, steer, args)
			logWarnings(logger, clientsteer.ID, warnings)
			return inst, nil
		},
	})

	return reg
}

func logWarnings(logger *zap.Logger, id string, warnings []string) {
	if logger == nil {
		return
	}
	for _, w := range warnings {
		logger.Warn("algorithm arg fallback", zap.String("algorithm", id), zap.String("detail", w))
	}
}
