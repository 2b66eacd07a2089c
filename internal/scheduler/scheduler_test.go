package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
	"github.com/openwifi-rrm/rrmd/internal/steering"
)

type fakeModel struct{}

func (fakeModel) Copy() *datamodel.Snapshot { return &datamodel.Snapshot{} }

type fakeApplier struct {
	txPowerCalls atomic.Int32
}

func (f *fakeApplier) ApplyTxPower(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error {
	f.txPowerCalls.Add(1)
	return nil
}
func (f *fakeApplier) ApplyChannels(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error {
	return nil
}
func (f *fakeApplier) ApplyClientActions(ctx context.Context, zone string, m map[string]map[string]algorithm.Action) error {
	return nil
}

type blockingTPC struct {
	release chan struct{}
}

func (b blockingTPC) ComputeTxPowerMap() map[string]map[datamodel.Band]int {
	<-b.release
	return map[string]map[datamodel.Band]int{}
}

func newTestScheduler(t *testing.T, applier ConfigApplier) (*Scheduler, chan struct{}) {
	t.Helper()
	algos := algorithm.NewRegistry()
	release := make(chan struct{})
	algos.Register(algorithm.Entry{
		ID:       "blocking-tpc",
		Category: algorithm.CategoryTPC,
		Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, st *steering.State, args map[string]string) (any, error) {
			return blockingTPC{release: release}, nil
		},
	})
	logger := zap.NewNop()
	s := New(algos, registry.New(), steering.New(), fakeModel{}, applier, logger)
	return s, release
}

func TestConcurrentTriggersSingleFlightDropsSecond(t *testing.T) {
	applier := &fakeApplier{}
	s, release := newTestScheduler(t, applier)
	job := Job{Zone: "zone-a", Category: algorithm.CategoryTPC, AlgorithmID: "blocking-tpc"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.TriggerNow(context.Background(), job)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.TriggerNow(context.Background(), job); err == nil {
		t.Fatal("expected second concurrent trigger to be rejected")
	}

	close(release)
	wg.Wait()

	if applier.txPowerCalls.Load() != 1 {
		t.Fatalf("expected exactly one apply call, got %d", applier.txPowerCalls.Load())
	}
}

func TestSequentialTriggersBothSucceed(t *testing.T) {
	applier := &fakeApplier{}
	release := make(chan struct{})
	close(release)

	algos := algorithm.NewRegistry()
	algos.Register(algorithm.Entry{
		ID:       "instant-tpc",
		Category: algorithm.CategoryTPC,
		Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, st *steering.State, args map[string]string) (any, error) {
			return blockingTPC{release: release}, nil
		},
	})
	s := New(algos, registry.New(), steering.New(), fakeModel{}, applier, zap.NewNop())
	job := Job{Zone: "zone-a", Category: algorithm.CategoryTPC, AlgorithmID: "instant-tpc"}

	if err := s.TriggerNow(context.Background(), job); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := s.TriggerNow(context.Background(), job); err != nil {
		t.Fatalf("second sequential trigger: %v", err)
	}
	if applier.txPowerCalls.Load() != 2 {
		t.Fatalf("expected two apply calls, got %d", applier.txPowerCalls.Load())
	}
}

func TestDryRunSkipsApply(t *testing.T) {
	applier := &fakeApplier{}
	release := make(chan struct{})
	close(release)

	algos := algorithm.NewRegistry()
	algos.Register(algorithm.Entry{
		ID:       "instant-tpc",
		Category: algorithm.CategoryTPC,
		Factory: func(snap *datamodel.Snapshot, zone string, dr *registry.Registry, st *steering.State, args map[string]string) (any, error) {
			return blockingTPC{release: release}, nil
		},
	})
	s := New(algos, registry.New(), steering.New(), fakeModel{}, applier, zap.NewNop())
	job := Job{Zone: "zone-a", Category: algorithm.CategoryTPC, AlgorithmID: "instant-tpc", DryRun: true}

	if err := s.TriggerNow(context.Background(), job); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if applier.txPowerCalls.Load() != 0 {
		t.Fatalf("expected dry run to skip apply, got %d calls", applier.txPowerCalls.Load())
	}
}

func TestTriggerByKeyUnknownJobErrors(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeApplier{})
	if err := s.TriggerNowByKey(context.Background(), "unknown-zone", algorithm.CategoryTPC); err == nil {
		t.Fatal("expected error for unregistered zone/category")
	}
}
