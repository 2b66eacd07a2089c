// Package datamodel holds the rolling per-device view of RF telemetry that
// the RRM algorithms read and the Modeler exclusively writes.
package datamodel

import "time"

// Band is one of the three RF bands the optimizer reasons about.
type Band string

const (
	Band2G Band = "2G"
	Band5G Band = "5G"
	Band6G Band = "6G"
)

// BandFromFrequencyMHz derives a Band from a scan entry's center frequency.
// Returns "" for frequencies outside the known WiFi ranges (entry is kept,
// just unusable by band-scoped algorithms).
func BandFromFrequencyMHz(freqMHz int) Band {
	switch {
	case freqMHz >= 2400 && freqMHz < 2500:
		return Band2G
	case freqMHz >= 5150 && freqMHz < 5895:
		return Band5G
	case freqMHz >= 5925 && freqMHz < 7125:
		return Band6G
	default:
		return ""
	}
}

// Radio is one radio's current configuration as reported in a State.
type Radio struct {
	Channel int    `json:"channel"`
	TxPower int    `json:"tx_power"`
	Band    Band   `json:"band"`
	Phy     string `json:"phy"`
}

// Association is one station associated to an SSID.
type Association struct {
	Station string `json:"station"`
	RSSI    int    `json:"rssi"`
}

// SSID is one broadcast SSID on an interface, referencing its radio by index.
type SSID struct {
	BSSID        string        `json:"bssid"`
	RadioRef     int           `json:"-"` // resolved index into State.Radios; SSIDs whose ref does not resolve are dropped on decode
	Associations []Association `json:"associations"`
}

// Interface groups SSIDs sharing one logical network interface.
type Interface struct {
	SSIDs []SSID `json:"ssids"`
}

// State is one immutable telemetry snapshot for a device.
type State struct {
	Radios      []Radio     `json:"radios"`
	Interfaces  []Interface `json:"interfaces"`
	IngestedAt  time.Time   `json:"-"`
}

// RadioByIndex returns the radio a SSID refers to, or false if the index is
// out of range — callers must skip the SSID, not the whole device.
func (s *State) RadioByIndex(idx int) (Radio, bool) {
	if idx < 0 || idx >= len(s.Radios) {
		return Radio{}, false
	}
	return s.Radios[idx], true
}

// HTOperationIE is the decoded HT Operation information element. It is
// stored with the scan entry; no algorithm in this module reads it.
type HTOperationIE struct {
	PrimaryChannel        int `json:"primary_channel"`
	SecondaryChanOffset   int `json:"secondary_channel_offset"`
}

// VHTOperationIE is the decoded VHT Operation information element.
type VHTOperationIE struct {
	ChannelWidth   int `json:"channel_width"`
	ChannelCenter0 int `json:"channel_center_seg0"`
	ChannelCenter1 int `json:"channel_center_seg1"`
}

// InformationElements bundles the optional IEs a scan entry may carry.
// Either field is nil when absent from the payload or malformed on decode;
// a malformed IE drops only itself, never the enclosing scan entry.
type InformationElements struct {
	HTOperation  *HTOperationIE  `json:"ht_operation,omitempty"`
	VHTOperation *VHTOperationIE `json:"vht_operation,omitempty"`
}

// WifiScanEntry is one observed neighbor from a device's wifi-scan.
type WifiScanEntry struct {
	BSSID       string              `json:"bssid"`
	FrequencyMHz int                `json:"frequency"`
	Signal      int                 `json:"signal"`
	IEs         InformationElements `json:"ies,omitempty"`
}

// Phy describes one band's radio capabilities.
type Phy struct {
	Channels      []int `json:"channels"`
	TxPowerMinDBm int   `json:"tx_power_min"`
	TxPowerMaxDBm int   `json:"tx_power_max"`
	AllowedWidths []int `json:"allowed_widths"`
}
