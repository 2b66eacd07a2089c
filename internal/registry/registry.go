// Package registry holds the authoritative serial→DeviceConfig mapping,
// mutated by ProvMonitor and the operator REST endpoints under a single
// writer lock, with readers snapshotting a generation number to detect
// mid-read churn (spec.md §3 "Ownership").
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
)

// DeviceConfig is the per-serial provisioning record.
type DeviceConfig struct {
	Serial          string
	EnableRRM       bool
	Zone            string
	AllowedChannels map[datamodel.Band][]int
	AllowedTxPowers map[datamodel.Band][]int
	// AlgorithmArgs holds per-algorithm-ID argument overrides, e.g.
	// AlgorithmArgs["measurement-tpc"]["coverageThreshold"] = "-68".
	AlgorithmArgs map[string]map[string]string
}

// Clone returns a deep copy safe to hand to a reader outside the lock.
func (c DeviceConfig) Clone() DeviceConfig {
	out := c
	out.AllowedChannels = cloneBandIntMap(c.AllowedChannels)
	out.AllowedTxPowers = cloneBandIntMap(c.AllowedTxPowers)
	if c.AlgorithmArgs != nil {
		out.AlgorithmArgs = make(map[string]map[string]string, len(c.AlgorithmArgs))
		for id, args := range c.AlgorithmArgs {
			cp := make(map[string]string, len(args))
			for k, v := range args {
				cp[k] = v
			}
			out.AlgorithmArgs[id] = cp
		}
	}
	return out
}

func cloneBandIntMap(m map[datamodel.Band][]int) map[datamodel.Band][]int {
	if m == nil {
		return nil
	}
	out := make(map[datamodel.Band][]int, len(m))
	for b, vs := range m {
		out[b] = append([]int(nil), vs...)
	}
	return out
}

// Registry is the writer-lock-guarded DeviceConfig store.
type Registry struct {
	mu         sync.RWMutex
	generation atomic.Uint64
	devices    map[string]DeviceConfig
}

func New() *Registry {
	return &Registry{devices: make(map[string]DeviceConfig)}
}

// Generation returns the current write generation, incremented on every
// mutating call. Readers that need a consistent multi-read view snapshot
// this before reading and can retry once if it changed mid-read.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// Upsert inserts or replaces one device's config.
func (r *Registry) Upsert(cfg DeviceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[cfg.Serial] = cfg.Clone()
	r.generation.Add(1)
}

// Remove deletes a device's config entirely (e.g. deprovisioned).
func (r *Registry) Remove(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, serial)
	r.generation.Add(1)
}

// Get returns a clone of serial's config.
func (r *Registry) Get(serial string) (DeviceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.devices[serial]
	if !ok {
		return DeviceConfig{}, false
	}
	return cfg.Clone(), true
}

// IsRRMEnabled reports whether serial is known and RRM-enabled. Used by
// DataModel.Revalidate and the Modeler's per-record filter.
func (r *Registry) IsRRMEnabled(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.devices[serial]
	return ok && cfg.EnableRRM
}

// Zone returns serial's configured zone, "" if unknown.
func (r *Registry) Zone(serial string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[serial].Zone
}

// SerialsInZone returns every RRM-enabled serial configured for zone.
func (r *Registry) SerialsInZone(zone string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for serial, cfg := range r.devices {
		if cfg.EnableRRM && cfg.Zone == zone {
			out = append(out, serial)
		}
	}
	return out
}

// All returns a clone of every device config, keyed by serial.
func (r *Registry) All() map[string]DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]DeviceConfig, len(r.devices))
	for serial, cfg := range r.devices {
		out[serial] = cfg.Clone()
	}
	return out
}

// ReplaceAll atomically swaps the whole registry contents — used by
// ProvMonitor after a full reconciliation pass against the provisioning
// service.
func (r *Registry) ReplaceAll(devices map[string]DeviceConfig) {
	next := make(map[string]DeviceConfig, len(devices))
	for serial, cfg := range devices {
		next[serial] = cfg.Clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = next
	r.generation.Add(1)
}
