// Package channel implements the channel-assignment algorithms: random,
// least-used, and unmanaged-AP-aware (spec.md §4.4).
package channel

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
)

// Registry IDs for the three variants.
const (
	IDRandom         = "random-channel"
	IDLeastUsed      = "least-used-channel"
	IDUnmanagedAware = "unmanaged-ap-aware-channel"
)

// neighborWeight is the weight applied to each non-managed neighbor AP
// observed in scans, relative to a managed AP's count of 1 per spec.md
// §4.4 ("a weighted sum of non-managed neighbor APs observed in scans").
const neighborWeight = 0.5

// Assigner is the shared framework: one channel per (device, band) from
// allowedChannels, scored by variant-specific cost functions.
type Assigner struct {
	snap    *datamodel.Snapshot
	reg     *registry.Registry
	variant string
	rng     *rand.Rand
}

// New builds a channel assigner for one of the three registered variants.
func New(variant string, snap *datamodel.Snapshot, reg *registry.Registry, args map[string]string) (*Assigner, []string) {
	var warnings []string
	seed := int64(1)
	if v, ok := args["seed"]; ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			seed = parsed
		} else {
			warnings = append(warnings, fmt.Sprintf("%s: invalid seed %q, using default", variant, v))
		}
	}
	return &Assigner{snap: snap, reg: reg, variant: variant, rng: rand.New(rand.NewSource(seed))}, warnings
}

// ComputeChannelMap implements algorithm.ChannelAlgorithm.
func (a *Assigner) ComputeChannelMap() map[string]map[datamodel.Band]int {
	serials := a.snap.Serials()
	out := make(map[string]map[datamodel.Band]int)

	usage := make(map[datamodel.Band]map[int]float64)        // occupancy cost, seeded from managed + neighbor APs
	neighborRSSI := make(map[datamodel.Band]map[int]int)      // strongest unmanaged RSSI seen per channel

	a.seedFromLiveRadios(serials, usage)
	a.seedFromScans(serials, usage, neighborRSSI)

	for _, serial := range serials {
		cfg, _ := a.reg.Get(serial)
		state, ok := a.snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, radio := range state.Radios {
			band := radio.Band
			if band == "" {
				continue
			}
			allowed := cfg.AllowedChannels[band]
			if len(allowed) == 0 {
				continue
			}

			// usage was seeded from every managed radio, including this
			// device's own current one; exclude it while scoring so the
			// candidate isn't penalized for occupying its own channel
			// (spec requires counting only *other* managed APs).
			if usage[band] != nil {
				usage[band][radio.Channel]--
			}

			channel := a.pickChannel(band, allowed, usage, neighborRSSI)

			if usage[band] == nil {
				usage[band] = make(map[int]float64)
			}
			usage[band][channel]++

			if out[serial] == nil {
				out[serial] = make(map[datamodel.Band]int)
			}
			out[serial][band] = channel
		}
	}

	return out
}

// pickChannel greedily selects the lowest-cost candidate, ties broken by
// lowest channel number (channels are visited in ascending order and only
// a strictly lower cost displaces the current pick).
func (a *Assigner) pickChannel(band datamodel.Band, allowed []int, usage map[datamodel.Band]map[int]float64, neighborRSSI map[datamodel.Band]map[int]int) int {
	if a.variant == IDRandom {
		return allowed[a.rng.Intn(len(allowed))]
	}

	sorted := append([]int(nil), allowed...)
	sort.Ints(sorted)

	bestChannel := sorted[0]
	bestCost := a.cost(band, bestChannel, usage, neighborRSSI)
	for _, ch := range sorted[1:] {
		c := a.cost(band, ch, usage, neighborRSSI)
		if c < bestCost {
			bestChannel, bestCost = ch, c
		}
	}
	return bestChannel
}

// cost returns least-used-channel's occupancy count, optionally weighted
// by unmanaged-neighbor interference strength for the aware variant.
func (a *Assigner) cost(band datamodel.Band, channel int, usage map[datamodel.Band]map[int]float64, neighborRSSI map[datamodel.Band]map[int]int) float64 {
	cost := usage[band][channel]
	if a.variant == IDUnmanagedAware {
		if rssi, ok := neighborRSSI[band][channel]; ok {
			// Stronger (less negative) RSSI -> higher cost. Normalize the
			// -90..-30 dBm practical range onto a 0..10 cost contribution.
			strength := float64(rssi+90) / 6.0
			if strength < 0 {
				strength = 0
			}
			cost += strength
		}
	}
	return cost
}

// seedFromLiveRadios counts, for each band/channel, how many managed APs
// are already configured on it (the "other managed APs on the same band"
// baseline for LeastUsedChannel).
func (a *Assigner) seedFromLiveRadios(serials []string, usage map[datamodel.Band]map[int]float64) {
	for _, serial := range serials {
		state, ok := a.snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, radio := range state.Radios {
			if radio.Band == "" {
				continue
			}
			if usage[radio.Band] == nil {
				usage[radio.Band] = make(map[int]float64)
			}
			usage[radio.Band][radio.Channel]++
		}
	}
}

// seedFromScans adds a weighted contribution per non-managed neighbor AP
// observed in any managed device's latest scan, and records the strongest
// unmanaged RSSI seen per channel for the aware variant.
func (a *Assigner) seedFromScans(serials []string, usage map[datamodel.Band]map[int]float64, neighborRSSI map[datamodel.Band]map[int]int) {
	managed := make(map[string]bool)
	for _, serial := range serials {
		state, ok := a.snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, iface := range state.Interfaces {
			for _, ssid := range iface.SSIDs {
				managed[ssid.BSSID] = true
			}
		}
	}

	for _, serial := range serials {
		scan, ok := a.snap.LatestWifiScan(serial)
		if !ok {
			continue
		}
		for _, entry := range scan {
			if managed[entry.BSSID] {
				continue
			}
			band := datamodel.BandFromFrequencyMHz(entry.FrequencyMHz)
			if band == "" {
				continue
			}
			channel := channelFromEntry(entry)
			if channel == 0 {
				continue
			}
			if usage[band] == nil {
				usage[band] = make(map[int]float64)
			}
			usage[band][channel] += neighborWeight

			if neighborRSSI[band] == nil {
				neighborRSSI[band] = make(map[int]int)
			}
			if cur, ok := neighborRSSI[band][channel]; !ok || entry.Signal > cur {
				neighborRSSI[band][channel] = entry.Signal
			}
		}
	}
}

// channelFromEntry derives a channel number from a scan entry's frequency;
// returns 0 if unparseable (entry is then skipped for occupancy counting,
// not an error).
func channelFromEntry(entry datamodel.WifiScanEntry) int {
	f := entry.FrequencyMHz
	switch {
	case f >= 2412 && f <= 2484:
		if f == 2484 {
			return 14
		}
		return (f-2412)/5 + 1
	case f >= 5000 && f < 5925:
		return (f - 5000) / 5
	case f >= 5925 && f < 7125:
		return (f - 5950) / 5
	default:
		return 0
	}
}
