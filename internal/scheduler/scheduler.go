package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

const (
	// DefaultRecoverySchedule is how often the recovery sweep runs.
	DefaultRecoverySchedule = "@every 1m"
	// DefaultStaleAfter is how long a running instance may go without a
	// checkpoint before the sweep re-dispatches it.
	DefaultStaleAfter = 2 * time.Minute
)

// Dispatcher is the part of the engine dispatcher the scheduler drives.
// Satisfied by *engine.Dispatcher.
type Dispatcher interface {
	StartInstance(ctx context.Context, graphID string, seed map[string]any) (string, error)
	Redispatch(ctx context.Context, id string) (bool, error)
	InFlight(id string) bool
}

// InstanceLister lists instances for the recovery sweep.
type InstanceLister interface {
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
}

// Trigger starts an instance of GraphID on a cron schedule.
type Trigger struct {
	Name      string         `yaml:"name" json:"name"`
	Cron      string         `yaml:"cron" json:"cron"`
	GraphID   string         `yaml:"graph_id" json:"graph_id"`
	Variables map[string]any `yaml:"variables" json:"variables,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	RecoverySchedule string
	StaleAfter       time.Duration
	Triggers         []Trigger
}

// Scheduler runs the recovery sweep and the cron triggers.
type Scheduler struct {
	instances InstanceLister
	dispatch  Dispatcher
	cfg       Config
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger names currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(instances InstanceLister, d Dispatcher, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.RecoverySchedule == "" {
		cfg.RecoverySchedule = DefaultRecoverySchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		instances: instances,
		dispatch:  d,
		cfg:       cfg,
		parser:    newParser(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateTriggers checks names, graph ids and cron expressions.
func ValidateTriggers(triggers []Trigger) error {
	parser := newParser()
	seen := make(map[string]bool, len(triggers))
	for i, t := range triggers {
		switch {
		case t.Name == "":
			return schema.NewErrorf(schema.ErrCodeValidation, "triggers[%d]: name is required", i)
		case seen[t.Name]:
			return schema.NewErrorf(schema.ErrCodeValidation, "triggers[%d]: duplicate name %q", i, t.Name)
		case t.GraphID == "":
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger %q: graph_id is required", t.Name)
		}
		if _, err := parser.Parse(t.Cron); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger %q: parse cron expression %q: %s", t.Name, t.Cron, err).WithCause(err)
		}
		seen[t.Name] = true
	}
	return nil
}

// Start runs one recovery sweep, then schedules the sweep and every trigger.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	if err := ValidateTriggers(s.cfg.Triggers); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.cfg.RecoverySchedule, func() { s.sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("parse recovery schedule %q: %w", s.cfg.RecoverySchedule, err)
	}
	for _, t := range s.cfg.Triggers {
		if _, err := c.AddFunc(t.Cron, func() { s.fire(runCtx, t) }); err != nil {
			cancel()
			return fmt.Errorf("schedule trigger %q: %w", t.Name, err)
		}
	}

	// Pick up instances orphaned by the previous process before anything new starts.
	s.sweep(runCtx)

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started",
		slog.String("recovery_schedule", s.cfg.RecoverySchedule),
		slog.Duration("stale_after", s.cfg.StaleAfter),
		slog.Int("triggers", len(s.cfg.Triggers)),
	)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Sweep re-dispatches running instances that have not checkpointed for
// StaleAfter and have no tick in flight here. It returns how many ticks were
// scheduled.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.instances.ListInstances(ctx, store.InstanceFilter{
		Status:        schema.InstanceStatusRunning,
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale instances: %w", err)
	}

	recovered := 0
	for _, inst := range stale {
		if s.dispatch.InFlight(inst.ID) {
			continue
		}
		ok, err := s.dispatch.Redispatch(ctx, inst.ID)
		if err != nil {
			s.logger.Error("failed to redispatch instance",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered stale instances", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
	}
}

// fire starts one instance for t. A trigger that is still starting its
// previous instance is skipped.
func (s *Scheduler) fire(ctx context.Context, t Trigger) {
	if ctx.Err() != nil || !s.tryAcquire(t.Name) {
		return
	}
	defer s.release(t.Name)

	log := s.logger.With(slog.String("trigger", t.Name), slog.String("graph_id", t.GraphID))
	id, err := s.dispatch.StartInstance(ctx, t.GraphID, maps.Clone(t.Variables))
	if err != nil {
		log.Error("trigger failed to start instance", slog.String("error", err.Error()))
		return
	}
	attrs := []any{slog.String("instance_id", id)}
	if next, err := s.CalculateNextRun(t.Cron, s.now()); err == nil {
		attrs = append(attrs, slog.Time("next_run", next))
	}
	log.Info("trigger started instance", attrs...)
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// cronLogger routes robfig/cron's own logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
