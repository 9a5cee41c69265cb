package cycles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is one periodic pass over due work.
type Task struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Sweeper runs registered tasks on a cron schedule. A pass that is still
// running when the next tick fires is skipped.
type Sweeper struct {
	cron    *cron.Cron
	spec    string
	tasks   []Task
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	running bool
	busy    sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper for the cron spec, every minute by default
func NewSweeper(spec string, logger *zap.Logger) *Sweeper {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Sweeper{
		cron:   cron.New(),
		spec:   spec,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddTask registers a pass; tasks run in registration order
func (s *Sweeper) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start registers the pass with cron and runs one immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick() }); err != nil {
		s.cancel()
		s.mu.Unlock()
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.spec, err)
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting sweeper", zap.String("schedule", s.spec))
	s.cron.Start()
	go s.tick()
	return nil
}

// Stop cancels the running pass and waits for cron jobs to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("Stopping sweeper")
	cancel()
	// RunOnce takes mu, so wait for in-flight jobs without holding it.
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	if !s.busy.TryLock() {
		s.logger.Debug("Sweep still running, skipping tick")
		return
	}
	defer s.busy.Unlock()
	if err := s.RunOnce(s.ctx); err != nil {
		s.logger.Warn("Sweep finished with errors", zap.Error(err))
	}
}

// RunOnce executes every task once in registration order.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	now := s.now()
	var errs []error
	for _, t := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		if err := t.Run(ctx, now); err != nil {
			s.logger.Error("Sweep task failed", zap.String("task", t.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		s.logger.Debug("Sweep task done",
			zap.String("task", t.Name),
			zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
