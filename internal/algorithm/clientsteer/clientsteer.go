// Package clientsteer implements the single-AP client band-steering
// algorithm (spec.md §4.5).
package clientsteer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/steering"
)

// ID is the stable registry identifier for this algorithm.
const ID = "single-ap-steering"

const (
	defaultMinRSSI2G     = -87
	defaultMaxRSSI2G     = -67
	defaultMinRSSINon2G  = -82
	defaultBackoff       = 300 * time.Second
)

// SingleAP is the client band-steering algorithm instance.
type SingleAP struct {
	snap        *datamodel.Snapshot
	steer       *steering.State
	minRSSI2G   int
	maxRSSI2G   int
	minNon2G    int
	backoff     time.Duration
	now         time.Time
}

// New parses args and builds a SingleAP instance. now defaults to
// datamodel.Now() and is overridable only through WithNow, not via the arg
// map (args are operator-facing and have no "now" knob).
func New(snap *datamodel.Snapshot, steer *steering.State, args map[string]string) (*SingleAP, []string) {
	var warnings []string

	s := &SingleAP{
		snap:      snap,
		steer:     steer,
		minRSSI2G: defaultMinRSSI2G,
		maxRSSI2G: defaultMaxRSSI2G,
		minNon2G:  defaultMinRSSINon2G,
		backoff:   defaultBackoff,
		now:       datamodel.Now(),
	}

	if v, ok := args["minRssi2G"]; ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			s.minRSSI2G = parsed
		} else {
			warnings = append(warnings, fmt.Sprintf("single-ap-steering: invalid minRssi2G %q, using default", v))
		}
	}
	if v, ok := args["maxRssi2G"]; ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			s.maxRSSI2G = parsed
		} else {
			warnings = append(warnings, fmt.Sprintf("single-ap-steering: invalid maxRssi2G %q, using default", v))
		}
	}
	if v, ok := args["minRssiNon2G"]; ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			s.minNon2G = parsed
		} else {
			warnings = append(warnings, fmt.Sprintf("single-ap-steering: invalid minRssiNon2G %q, using default", v))
		}
	}
	if v, ok := args["backoffTimeNs"]; ok {
		// Treated as a 64-bit nanosecond duration (spec.md §9 Open Question):
		// the reference's Short.parseShort read is a bug, not the spec.
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed >= 0 {
			s.backoff = time.Duration(parsed)
		} else {
			warnings = append(warnings, fmt.Sprintf("single-ap-steering: invalid backoffTimeNs %q, using default", v))
		}
	}

	return s, warnings
}

// WithNow overrides the reference clock used for back-off comparisons —
// exported for deterministic scheduler/test wiring.
func (s *SingleAP) WithNow(now time.Time) *SingleAP {
	s.now = now
	return s
}

// ComputeApClientActionMap implements algorithm.ClientSteeringAlgorithm.
func (s *SingleAP) ComputeApClientActionMap(dryRun bool) map[string]map[string]algorithm.Action {
	out := make(map[string]map[string]algorithm.Action)

	for _, serial := range s.snap.Serials() {
		state, ok := s.snap.LatestState(serial)
		if !ok {
			continue
		}
		for _, iface := range state.Interfaces {
			for _, ssid := range iface.SSIDs {
				radio, ok := state.RadioByIndex(ssid.RadioRef)
				if !ok {
					continue
				}
				for _, assoc := range ssid.Associations {
					action, emit := s.decide(radio.Band, assoc.RSSI)
					if !emit {
						continue
					}
					if !s.steer.RegisterIfBackoffExpired(serial, assoc.Station, s.now, s.backoff, dryRun) {
						continue
					}
					if out[serial] == nil {
						out[serial] = make(map[string]algorithm.Action)
					}
					out[serial][assoc.Station] = action
				}
			}
		}
	}

	return out
}

func (s *SingleAP) decide(band datamodel.Band, rssi int) (algorithm.Action, bool) {
	if band == datamodel.Band2G {
		switch {
		case rssi < s.minRSSI2G:
			return algorithm.ActionDeauthenticate, true
		case rssi > s.maxRSSI2G:
			return algorithm.ActionSteerUp, true
		default:
			return "", false
		}
	}
	// 5G/6G.
	if rssi < s.minNon2G {
		return algorithm.ActionSteerDown, true
	}
	return "", false
}
