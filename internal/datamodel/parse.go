package datamodel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireState mirrors the gateway's STATE payload shape closely enough to
// unmarshal, before radio references are resolved into integer indices.
type wireState struct {
	Radios     []Radio `json:"radios"`
	Interfaces []struct {
		SSIDs []struct {
			BSSID        string        `json:"bssid"`
			RadioRef     string        `json:"$ref"`
			Associations []Association `json:"associations"`
		} `json:"ssids"`
	} `json:"interfaces"`
}

// DecodeState parses a gateway STATE record payload. SSIDs whose radio
// reference is missing, unparseable, or out of range are dropped from the
// decoded State rather than failing the whole record (spec.md §3 inv. 4).
func DecodeState(payload []byte) (State, error) {
	var wire wireState
	if err := json.Unmarshal(payload, &wire); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}

	st := State{
		Radios: wire.Radios,
	}

	for _, wi := range wire.Interfaces {
		iface := Interface{}
		for _, ws := range wi.SSIDs {
			idx, ok := parseRadioRef(ws.RadioRef, len(wire.Radios))
			if !ok {
				continue
			}
			iface.SSIDs = append(iface.SSIDs, SSID{
				BSSID:        ws.BSSID,
				RadioRef:     idx,
				Associations: ws.Associations,
			})
		}
		st.Interfaces = append(st.Interfaces, iface)
	}

	return st, nil
}

// parseRadioRef parses a "$ref"-style reference such as "#/radios/0" into
// an integer index, validating it against the known radio count.
func parseRadioRef(ref string, numRadios int) (int, bool) {
	if ref == "" {
		return 0, false
	}
	parts := strings.Split(ref, "/")
	last := parts[len(parts)-1]
	idx, err := strconv.Atoi(last)
	if err != nil {
		return 0, false
	}
	if idx < 0 || idx >= numRadios {
		return 0, false
	}
	return idx, true
}

// wireWifiScanEntry mirrors one neighbor observation in a WIFISCAN payload.
type wireWifiScanEntry struct {
	BSSID        string `json:"bssid"`
	FrequencyMHz int    `json:"frequency"`
	Signal       int    `json:"signal"`
	IEs          *struct {
		HTOperation  json.RawMessage `json:"ht_operation"`
		VHTOperation json.RawMessage `json:"vht_operation"`
	} `json:"ies"`
}

// DecodeWifiScan parses a gateway WIFISCAN record payload into the list of
// observed neighbors. The entries carry no timestamp, and the Modeler
// appends them to the wifi-scan FIFO without recording an ingest time.
func DecodeWifiScan(payload []byte) ([]WifiScanEntry, error) {
	var wire []wireWifiScanEntry
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode wifiscan: %w", err)
	}

	out := make([]WifiScanEntry, 0, len(wire))
	for _, w := range wire {
		entry := WifiScanEntry{
			BSSID:        w.BSSID,
			FrequencyMHz: w.FrequencyMHz,
			Signal:       w.Signal,
		}
		if w.IEs != nil {
			if len(w.IEs.HTOperation) > 0 {
				var ht HTOperationIE
				if err := json.Unmarshal(w.IEs.HTOperation, &ht); err == nil {
					entry.IEs.HTOperation = &ht
				}
			}
			if len(w.IEs.VHTOperation) > 0 {
				var vht VHTOperationIE
				if err := json.Unmarshal(w.IEs.VHTOperation, &vht); err == nil {
					entry.IEs.VHTOperation = &vht
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// DecodeCapabilities parses a gateway capabilities response into per-band Phy.
func DecodeCapabilities(payload []byte) (map[Band]Phy, error) {
	var wire map[string]Phy
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	out := make(map[Band]Phy, len(wire))
	for band, phy := range wire {
		out[Band(band)] = phy
	}
	return out, nil
}

// Now marks an ingest time; split out so tests can stub it deterministically.
var Now = time.Now
