// Package tpc implements the measurement-based AP-AP transmit-power
// control algorithm (spec.md §4.3).
package tpc

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

// ID is the stable registry identifier for this algorithm.
const ID = "measurement-tpc"

const (
	defaultCoverageThreshold = -70
	defaultNthSmallestRSSI   = 0
)

// DefaultTxPowerChoices is used for any band the device registry does not
// override with AllowedTxPowers; mirrors the {6,8,...,30} dBm step ladder
// from spec.md §8 scenario S1.
var DefaultTxPowerChoices = []int{6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 26, 28, 30}

// Measurement is the measurement-based TPC algorithm instance.
type Measurement struct {
	snap               *datamodel.Snapshot
	zone               string
	reg                *registry.Registry
	coverageThreshold  int
	nthSmallestRSSI    int
}

// New parses args and builds a Measurement instance. Malformed args log
// (via the returned warning slice) and fall back to defaults, per
// spec.md §4.2 — this never returns an error for a bad arg value.
func New(snap *datamodel.Snapshot, zone string, reg *registry.Registry, args map[string]string) (*Measurement, []string) {
	var warnings []string

	threshold := defaultCoverageThreshold
	if v, ok := args["coverageThreshold"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed > 30 {
			warnings = append(warnings, fmt.Sprintf("measurement-tpc: invalid coverageThreshold %q, using default %d", v, defaultCoverageThreshold))
		} else {
			threshold = parsed
		}
	}

	nth := defaultNthSmallestRSSI
	if v, ok := args["nthSmallestRssi"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			warnings = append(warnings, fmt.Sprintf("measurement-tpc: invalid nthSmallestRssi %q, using default %d", v, defaultNthSmallestRSSI))
		} else {
			nth = parsed
		}
	}

	return &Measurement{
		snap:              snap,
		zone:              zone,
		reg:               reg,
		coverageThreshold: threshold,
		nthSmallestRSSI:   nth,
	}, warnings
}

// ComputeTxPowerMap implements algorithm.TPCAlgorithm.
func (m *Measurement) ComputeTxPowerMap() map[string]map[datamodel.Band]int {
	serials := m.snap.Serials()
	managed := managedBSSIDs(m.snap, serials)
	rssiByBandBSSID := collectNeighborRSSI(m.snap, serials, managed)

	out := make(map[string]map[datamodel.Band]int)

	for _, serial := range serials {
		state, ok := m.snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, iface := range state.Interfaces {
			for _, ssid := range iface.SSIDs {
				radio, ok := state.RadioByIndex(ssid.RadioRef)
				if !ok {
					continue
				}
				band := resolveBand(m.snap, serial, radio)
				if band == "" {
					continue
				}

				choices := m.choicesFor(serial, band)
				maxTx, minTx := maxMin(choices)

				R := rssiByBandBSSID[bandBSSIDKey{band, ssid.BSSID}]

				var newTx int
				if len(R) == 0 {
					newTx = maxTx
				} else {
					i := m.nthSmallestRSSI
					if i > len(R)-1 {
						i = len(R) - 1
					}
					target := R[i]
					delta := maxTx - radio.TxPower
					estimated := target + delta
					newTx = maxTx + m.coverageThreshold - estimated
				}

				newTx = clamp(newTx, minTx, maxTx)
				newTx = snapToNearest(newTx, choices)

				if out[serial] == nil {
					out[serial] = make(map[datamodel.Band]int)
				}
				out[serial][band] = newTx
			}
		}
	}

	return out
}

type bandBSSIDKey struct {
	band  datamodel.Band
	bssid string
}

// managedBSSIDs maps every BSSID appearing in the latest State of any device
// in the snapshot to the serial of the device that reports it.
func managedBSSIDs(snap *datamodel.Snapshot, serials []string) map[string]string {
	out := make(map[string]string)
	for _, serial := range serials {
		state, ok := snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, iface := range state.Interfaces {
			for _, ssid := range iface.SSIDs {
				out[ssid.BSSID] = serial
			}
		}
	}
	return out
}

// collectNeighborRSSI gathers, per (band, managed BSSID), every RSSI
// reported by OTHER APs' latest wifi-scans whose entry matches that BSSID
// and band, sorted ascending.
func collectNeighborRSSI(snap *datamodel.Snapshot, serials []string, managed map[string]string) map[bandBSSIDKey][]int {
	out := make(map[bandBSSIDKey][]int)
	for _, observer := range serials {
		scans, ok := snap.LatestWifiScan(observer)
		if !ok {
			continue
		}
		for _, entry := range scans {
			if owner, ok := managed[entry.BSSID]; !ok || owner == observer {
				continue
			}
			band := datamodel.BandFromFrequencyMHz(entry.FrequencyMHz)
			if band == "" {
				continue
			}
			k := bandBSSIDKey{band, entry.BSSID}
			out[k] = append(out[k], entry.Signal)
		}
	}
	for k := range out {
		sort.Ints(out[k])
	}
	return out
}

// resolveBand determines a radio's band: the wire-tagged Band if present,
// else the capability band whose channel list contains the radio's channel.
func resolveBand(snap *datamodel.Snapshot, serial string, radio datamodel.Radio) datamodel.Band {
	if radio.Band != "" {
		return radio.Band
	}
	bands := snap.Capabilities[serial]
	for band, phy := range bands {
		for _, ch := range phy.Channels {
			if ch == radio.Channel {
				return band
			}
		}
	}
	return ""
}

func (m *Measurement) choicesFor(serial string, band datamodel.Band) []int {
	if cfg, ok := m.reg.Get(serial); ok {
		if choices, ok := cfg.AllowedTxPowers[band]; ok && len(choices) > 0 {
			return choices
		}
	}
	return DefaultTxPowerChoices
}

func maxMin(choices []int) (max, min int) {
	max, min = choices[0], choices[0]
	for _, c := range choices[1:] {
		if c > max {
			max = c
		}
		if c < min {
			min = c
		}
	}
	return max, min
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// snapToNearest returns the value in choices nearest to v; ties prefer the
// choice encountered first in the slice. This corrects the reference
// implementation's bug of reassigning v itself on first improvement
// (spec.md §4.3, §9) — the intended nearest-choice semantics, not the bug.
func snapToNearest(v int, choices []int) int {
	best := choices[0]
	bestDiff := absInt(v - best)
	for _, c := range choices[1:] {
		if d := absInt(v - c); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
