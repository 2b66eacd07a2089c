// Package scheduler drives the cron-triggered and manually-triggered RRM
// runs described in spec.md §4.6: one single-flight slot per (zone,
// category), dispatching into the algorithm registry and handing the
// result off to a ConfigApplier.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/registry"
	"github.com/openwifi-rrm/rrmd/internal/steering"
)

// ModelSource provides the read-only snapshot every run operates on
// (datamodel.DataModel.Copy, per the single-writer concurrency model).
type ModelSource interface {
	Copy() *datamodel.Snapshot
}

// ConfigApplier is the collaborator that turns an algorithm's output map
// into device configuration pushes (internal/configapplier).
type ConfigApplier interface {
	ApplyTxPower(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error
	ApplyChannels(ctx context.Context, zone string, m map[string]map[datamodel.Band]int) error
	ApplyClientActions(ctx context.Context, zone string, m map[string]map[string]algorithm.Action) error
}

// Job is one scheduled RRM run: a zone/category pair bound to a concrete
// algorithm ID, its args, and a cron schedule.
type Job struct {
	Zone        string
	Category    algorithm.Category
	AlgorithmID string
	CronExpr    string
	Args        map[string]string
	DryRun      bool
}

func (j Job) key() string { return j.Zone + "|" + string(j.Category) }

// Scheduler owns the cron table and the per-(zone,category) single-flight
// locks that keep overlapping runs from racing ConfigApplier.
type Scheduler struct {
	cron    *cron.Cron
	algos   *algorithm.Registry
	devices *registry.Registry
	steer   *steering.State
	model   ModelSource
	applier ConfigApplier
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	jobs    map[string]Job
}

func New(algos *algorithm.Registry, devices *registry.Registry, steer *steering.State, model ModelSource, applier ConfigApplier, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		algos:   algos,
		devices: devices,
		steer:   steer,
		model:   model,
		applier: applier,
		logger:  logger,
		running: make(map[string]bool),
		jobs:    make(map[string]Job),
	}
}

// AddJob registers job on the cron table and returns the cron.EntryID for
// later inspection/removal.
func (s *Scheduler) AddJob(job Job) (cron.EntryID, error) {
	s.mu.Lock()
	s.jobs[job.key()] = job
	s.mu.Unlock()

	return s.cron.AddFunc(job.CronExpr, func() {
		if err := s.run(context.Background(), job); err != nil {
			s.logger.Warn("scheduled run did not complete", zap.String("zone", job.Zone), zap.String("category", string(job.Category)), zap.Error(err))
		}
	})
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// TriggerNow runs job immediately, bypassing the cron table. Unlike the
// cron path, a busy single-flight slot is reported back to the caller
// instead of only being logged, so an operator-triggered run can surface
// "already running" to the API client.
func (s *Scheduler) TriggerNow(ctx context.Context, job Job) error {
	return s.run(ctx, job)
}

// TriggerNowByKey re-runs the last job registered for (zone, category),
// for the /api/v1/runRRM endpoint which addresses a zone+category rather
// than a full Job.
func (s *Scheduler) TriggerNowByKey(ctx context.Context, zone string, category algorithm.Category) error {
	s.mu.Lock()
	job, ok := s.jobs[zone+"|"+string(category)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: no job registered for zone %q category %q", zone, category)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) tryLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Scheduler) unlock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	key := job.key()
	if !s.tryLock(key) {
		s.logger.Warn("dropping trigger, run already in progress", zap.String("zone", job.Zone), zap.String("category", string(job.Category)))
		return fmt.Errorf("scheduler: zone %q category %q already running", job.Zone, job.Category)
	}
	defer s.unlock(key)

	runID := uuid.New().String()
	logger := s.logger.With(zap.String("runId", runID), zap.String("zone", job.Zone), zap.String("algorithm", job.AlgorithmID))
	logger.Info("rrm run starting")

	snap := s.model.Copy()
	entry, inst, err := s.algos.Build(job.AlgorithmID, snap, job.Zone, s.devices, s.steer, job.Args)
	if err != nil {
		logger.Error("building algorithm failed", zap.Error(err))
		return err
	}

	switch entry.Category {
	case algorithm.CategoryTPC:
		alg, ok := inst.(algorithm.TPCAlgorithm)
		if !ok {
			return fmt.Errorf("scheduler: algorithm %q registered as TPC but does not implement TPCAlgorithm", job.AlgorithmID)
		}
		txMap := alg.ComputeTxPowerMap()
		if job.DryRun {
			logger.Info("dry run, skipping apply", zap.Int("devices", len(txMap)))
			return nil
		}
		if err := s.applier.ApplyTxPower(ctx, job.Zone, txMap); err != nil {
			logger.Error("applying tx power failed", zap.Error(err))
			return err
		}

	case algorithm.CategoryChannel:
		alg, ok := inst.(algorithm.ChannelAlgorithm)
		if !ok {
			return fmt.Errorf("scheduler: algorithm %q registered as CHANNEL but does not implement ChannelAlgorithm", job.AlgorithmID)
		}
		chMap := alg.ComputeChannelMap()
		if job.DryRun {
			logger.Info("dry run, skipping apply", zap.Int("devices", len(chMap)))
			return nil
		}
		if err := s.applier.ApplyChannels(ctx, job.Zone, chMap); err != nil {
			logger.Error("applying channels failed", zap.Error(err))
			return err
		}

	case algorithm.CategoryClientSteering:
		alg, ok := inst.(algorithm.ClientSteeringAlgorithm)
		if !ok {
			return fmt.Errorf("scheduler: algorithm %q registered as CLIENT_STEERING but does not implement ClientSteeringAlgorithm", job.AlgorithmID)
		}
		actions := alg.ComputeApClientActionMap(job.DryRun)
		if job.DryRun {
			logger.Info("dry run, skipping apply", zap.Int("devices", len(actions)))
			return nil
		}
		if err := s.applier.ApplyClientActions(ctx, job.Zone, actions); err != nil {
			logger.Error("applying client actions failed", zap.Error(err))
			return err
		}

	default:
		return fmt.Errorf("scheduler: algorithm %q has unknown category %q", job.AlgorithmID, entry.Category)
	}

	logger.Info("rrm run complete")
	return nil
}
