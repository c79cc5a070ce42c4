// Package scheduler wraps cron-based per-configuration triggers around
// the BackupOrchestrator, bounding concurrent runs and propagating
// cancellation cooperatively. Grounded on
// other_examples/viperadnan-git-dbstash's Scheduler (cron.Cron wrapping
// a run-with-lock dispatch), adapted from a single global lock to a
// per-configuration token bucket since this spec allows multiple
// configurations to run concurrently up to a shared ceiling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/model"
	"github.com/block/mysql-coldbackup/internal/orchestrator"
)

// Runner is the narrow BackupOrchestrator surface the Scheduler drives.
type Runner interface {
	Run(ctx context.Context, cfg model.BackupConfiguration, progress orchestrator.ProgressFunc) (*model.BackupLog, error)
}

// Event is emitted for ProgressUpdated and BackupCompleted, per spec §4.9.
type Event struct {
	ConfigurationID string
	Kind            EventKind
	Phase           model.BackupStatus
	Overall         float64
	Log             *model.BackupLog
	Err             error
}

// EventKind distinguishes the two event types the Scheduler emits.
type EventKind int

const (
	ProgressUpdated EventKind = iota
	BackupCompleted
)

// EventFunc receives Scheduler events. It MUST NOT block.
type EventFunc func(Event)

// Config configures a Scheduler.
type Config struct {
	MaxConcurrentRuns int // default 5
}

// Scheduler drives one cron.Cron instance whose entries each trigger an
// Orchestrator run for one BackupConfiguration, subject to a shared
// concurrency ceiling and per-configuration overlap prevention.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger loggers.Advanced
	events EventFunc

	sem chan struct{}

	mu       sync.Mutex
	running  map[string]context.CancelFunc // configID -> cancel of the in-flight run
	entryIDs map[string]cron.EntryID
}

// New builds a Scheduler. events may be nil. CronExpression fields are
// parsed with seconds precision (6 fields).
func New(runner Runner, cfg Config, logger loggers.Advanced, events EventFunc) *Scheduler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 5
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		runner:   runner,
		logger:   logger,
		events:   events,
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
		running:  map[string]context.CancelFunc{},
		entryIDs: map[string]cron.EntryID{},
	}
}

// Start begins the underlying cron clock. Call Schedule for each
// configuration before or after Start; entries added after Start take
// effect on the next tick.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron clock and waits up to timeout for in-flight runs
// to observe cancellation and finish their terminal cleanup.
func (s *Scheduler) Stop(timeout time.Duration) {
	stopCtx := s.cron.Stop()

	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		s.logger.Warnf("scheduler: timeout waiting for in-flight runs to finish")
	}
}

// Schedule registers cfg to fire on sched.CronExpression. Calling
// Schedule again for the same configuration ID replaces its entry.
func (s *Scheduler) Schedule(cfg model.BackupConfiguration, sched model.ScheduleConfiguration) error {
	s.mu.Lock()
	if id, ok := s.entryIDs[cfg.ID]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, cfg.ID)
	}
	s.mu.Unlock()

	if !sched.Enabled {
		return nil
	}

	id, err := s.cron.AddFunc(sched.CronExpression, func() {
		s.trigger(cfg)
	})
	if err != nil {
		return fmt.Errorf("scheduler: adding cron entry for %s: %w", cfg.ID, err)
	}

	s.mu.Lock()
	s.entryIDs[cfg.ID] = id
	s.mu.Unlock()
	return nil
}

// Unschedule removes cfg's cron entry, if any.
func (s *Scheduler) Unschedule(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entryIDs[configID]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, configID)
	}
}

// NextFireTime reports the next scheduled fire time for configID, the
// zero time if it is not scheduled.
func (s *Scheduler) NextFireTime(configID string) time.Time {
	s.mu.Lock()
	id, ok := s.entryIDs[configID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// trigger is the cron callback: it skips a configuration whose
// previous run is still in flight (per-configuration overlap
// prevention), then blocks on the shared concurrency semaphore before
// starting the run.
func (s *Scheduler) trigger(cfg model.BackupConfiguration) {
	s.mu.Lock()
	if _, inFlight := s.running[cfg.ID]; inFlight {
		s.mu.Unlock()
		s.logger.Warnf("scheduler: skipping %s, previous run still in progress", cfg.ID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running[cfg.ID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, cfg.ID)
		s.mu.Unlock()
		cancel()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	s.RunNow(ctx, cfg)
}

// RunNow executes cfg immediately, bypassing the cron trigger and
// overlap/concurrency guards. Used by the CLI's `backup run` command
// and by cron-triggered calls via trigger.
func (s *Scheduler) RunNow(ctx context.Context, cfg model.BackupConfiguration) (*model.BackupLog, error) {
	log, err := s.runner.Run(ctx, cfg, func(p orchestrator.Progress) {
		s.emit(Event{ConfigurationID: cfg.ID, Kind: ProgressUpdated, Phase: p.Phase, Overall: p.Overall})
	})
	s.emit(Event{ConfigurationID: cfg.ID, Kind: BackupCompleted, Log: log, Err: err})
	return log, err
}

func (s *Scheduler) emit(e Event) {
	if s.events != nil {
		s.events(e)
	}
}
