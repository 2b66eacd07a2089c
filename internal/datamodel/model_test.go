package datamodel

import "testing"

func TestAppendStateEvictsOldest(t *testing.T) {
	m := New(3, 3)
	for i := 0; i < 5; i++ {
		m.AppendState("AA:BB", State{Radios: []Radio{{Channel: i}}})
	}

	snap := m.Copy()
	states := snap.States["AA:BB"]
	if len(states) != 3 {
		t.Fatalf("expected 3 states after eviction, got %d", len(states))
	}
	// Last 3 pushed were channel=2,3,4, in order.
	want := []int{2, 3, 4}
	for i, s := range states {
		if s.Radios[0].Channel != want[i] {
			t.Errorf("states[%d].Radios[0].Channel = %d, want %d", i, s.Radios[0].Channel, want[i])
		}
	}
	latest, ok := snap.LatestState("AA:BB")
	if !ok || latest.Radios[0].Channel != 4 {
		t.Fatalf("LatestState = %+v, ok=%v, want channel 4", latest, ok)
	}
}

func TestFIFOBoundHolds(t *testing.T) {
	m := New(2, 2)
	for serial := 0; serial < 3; serial++ {
		s := serialName(serial)
		for i := 0; i < 10; i++ {
			m.AppendState(s, State{})
			m.AppendWifiScan(s, []WifiScanEntry{{BSSID: "x"}})
		}
	}
	for serial := 0; serial < 3; serial++ {
		s := serialName(serial)
		if n := m.StateCount(s); n > 2 {
			t.Errorf("StateCount(%s) = %d, want <= 2", s, n)
		}
		if n := m.WifiScanCount(s); n > 2 {
			t.Errorf("WifiScanCount(%s) = %d, want <= 2", s, n)
		}
	}
}

func TestSnapshotIndependence(t *testing.T) {
	m := New(5, 5)
	m.AppendState("S1", State{Radios: []Radio{{Channel: 1}}})

	snap1 := m.Copy()
	snap1.States["S1"][0].Radios[0].Channel = 999 // mutate the copy

	snap2 := m.Copy()
	if snap2.States["S1"][0].Radios[0].Channel != 1 {
		t.Fatalf("mutating snap1 affected snap2: got %d, want 1", snap2.States["S1"][0].Radios[0].Channel)
	}

	// Mutating the live model after snap1 was taken must not affect snap1.
	m.AppendState("S1", State{Radios: []Radio{{Channel: 2}}})
	if len(snap1.States["S1"]) != 1 {
		t.Fatalf("live mutation leaked into snap1: len=%d", len(snap1.States["S1"]))
	}
}

func TestRevalidatePurgesDisabled(t *testing.T) {
	m := New(5, 5)
	m.AppendState("enabled-1", State{})
	m.AppendState("disabled-1", State{})

	m.Revalidate(func(serial string) bool { return serial == "enabled-1" })

	snap := m.Copy()
	if _, ok := snap.States["disabled-1"]; ok {
		t.Fatal("expected disabled-1 purged from snapshot")
	}
	if _, ok := snap.States["enabled-1"]; !ok {
		t.Fatal("expected enabled-1 to remain")
	}
}

func serialName(i int) string {
	names := []string{"AA", "BB", "CC"}
	return names[i]
}
