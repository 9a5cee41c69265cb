package cycles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"capital-pools/pool-engine/internal/commodity"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/pkg/money"
)

// Settler closes a processing cycle. The settlement engine implements it.
type Settler interface {
	SettleCycle(ctx context.Context, cycleID uuid.UUID) error
}

type Options struct {
	Cycles         config.CyclesConfig
	MaxCycles      int
	AutoSettle     bool
	Workers        int
	DefaultTarget  decimal.Decimal
	RatingTolerant decimal.Decimal
}

// OptionsFromConfig reads the scheduler settings out of the app config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	target, err := decimal.NewFromString(cfg.Cycles.DefaultTargetRate)
	if err != nil {
		return Options{}, fmt.Errorf("invalid cycles.default_target_rate: %w", err)
	}
	tol, err := decimal.NewFromString(cfg.Cycles.OnTargetTolerance)
	if err != nil {
		return Options{}, fmt.Errorf("invalid cycles.on_target_tolerance: %w", err)
	}
	return Options{
		Cycles:         cfg.Cycles,
		MaxCycles:      cfg.Pools.MaxCycles,
		AutoSettle:     cfg.Settlement.AutoOnComplete,
		Workers:        cfg.Scheduler.Workers,
		DefaultTarget:  target,
		RatingTolerant: tol,
	}, nil
}

// Scheduler drives each pool's cycles through
// scheduled -> active -> processing -> completed.
type Scheduler struct {
	db        *gorm.DB
	repo      *Repository
	pools     *pools.Manager
	ledger    *ledger.Ledger
	commodity *commodity.Registry
	publisher events.Publisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	settler Settler
}

// NewScheduler creates a new cycle scheduler
func NewScheduler(
	db *gorm.DB,
	pools *pools.Manager,
	ledger *ledger.Ledger,
	commodity *commodity.Registry,
	publisher events.Publisher,
	opts Options,
	logger *zap.Logger,
) *Scheduler {
	if opts.Cycles.Duration <= 0 {
		opts.Cycles.Duration = 37 * 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Scheduler{
		db:        db,
		repo:      NewRepository(db),
		pools:     pools,
		ledger:    ledger,
		commodity: commodity,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetSettler wires the settlement engine after construction.
func (s *Scheduler) SetSettler(settler Settler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settler = settler
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) Repository() *Repository { return s.repo }

// ScheduleForPool creates the pool's next cycle with a snapshot of its
// active units. When the pool already has an open cycle that cycle is
// returned unchanged. A start date at or before now activates immediately.
func (s *Scheduler) ScheduleForPool(ctx context.Context, poolID uuid.UUID, opts ScheduleOptions) (*Cycle, error) {
	now := s.now()
	var (
		cycle   *Cycle
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		var pool pools.Pool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pool, "id = ?", poolID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pools.ErrPoolNotFound
			}
			return err
		}

		open, err := repo.OpenForPool(ctx, poolID)
		if err != nil {
			return err
		}
		if open != nil {
			if opts.RequireNew {
				return &OpenCycleError{PoolID: poolID, CycleID: open.ID, Status: open.Status}
			}
			cycle = open
			return nil
		}
		if pool.Status != pools.StatusReady {
			return ErrPoolNotReady
		}
		if s.opts.MaxCycles > 0 && pool.CyclesCompleted >= s.opts.MaxCycles {
			return ErrMaxCyclesReached
		}

		units, err := s.ledger.WithTx(tx).ListByPool(ctx, poolID, ledger.UnitActive)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return ErrNoParticipants
		}

		participants := make([]Participant, 0, len(units))
		var total money.Money
		for i, u := range units {
			participants = append(participants, Participant{
				UnitID:     u.ID,
				PartnerID:  u.PartnerID,
				Position:   i + 1,
				Share:      u.CurrentValue,
				ProfitMode: u.ProfitMode,
			})
			total += u.CurrentValue
		}
		if total <= 0 {
			return ErrNoParticipants
		}

		number, err := repo.NextNumber(ctx, poolID)
		if err != nil {
			return err
		}

		start := now.Add(s.opts.Cycles.LeadTime)
		if opts.StartDate != nil {
			start = opts.StartDate.UTC()
		}
		target := s.opts.DefaultTarget
		if opts.TargetProfitRate != nil {
			target = *opts.TargetProfitRate
		}
		purchase := total
		if opts.PurchasePrice != nil {
			purchase = *opts.PurchasePrice
		}
		if purchase <= 0 || target.IsNegative() {
			return ErrInvalidSchedule
		}

		cycle = &Cycle{
			PoolID:           poolID,
			Number:           number,
			Status:           StatusScheduled,
			StartDate:        start,
			EndDate:          start.Add(s.opts.Cycles.Duration),
			TotalCapital:     total,
			TargetProfitRate: target,
			PurchasePrice:    purchase,
			Participants:     participants,
		}
		if err := repo.Create(ctx, cycle); err != nil {
			return fmt.Errorf("failed to create cycle: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info("Cycle scheduled",
			zap.String("cycle_id", cycle.ID.String()),
			zap.String("pool_id", poolID.String()),
			zap.Int("number", cycle.Number),
			zap.Int("participants", len(cycle.Participants)),
			zap.Time("start_date", cycle.StartDate))
		s.publisher.Publish(ctx, events.Event{
			Type:    events.CycleScheduled,
			PoolID:  poolID,
			CycleID: cycle.ID,
			Data:    map[string]any{"number": cycle.Number, "start_date": cycle.StartDate},
		})
	}

	if cycle.Status == StatusScheduled && !now.Before(cycle.StartDate) {
		return s.Activate(ctx, cycle.ID)
	}
	return s.repo.Get(ctx, cycle.ID)
}

// transition applies one guarded lifecycle step. A cycle already at or past
// the target is returned unchanged; any other mismatch is a TransitionError.
func (s *Scheduler) transition(
	ctx context.Context,
	id uuid.UUID,
	to Status,
	check func(c *Cycle, now time.Time) error,
	apply func(tx *gorm.DB, c *Cycle, now time.Time) error,
) (*Cycle, bool, error) {
	now := s.now()
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		c, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		if lifecycle.Reachable(to, c.Status) {
			return nil
		}
		if !lifecycle.CanTransition(c.Status, to) {
			return &TransitionError{CycleID: id, From: c.Status, To: to, Reason: "out of order"}
		}
		if check != nil {
			if err := check(c, now); err != nil {
				return err
			}
		}

		from := c.Status
		fields := map[string]any{}
		switch to {
		case StatusActive:
			fields["activated_at"] = now
		case StatusProcessing:
			fields["processing_at"] = now
		}
		ok, err := repo.Advance(ctx, id, from, to, fields)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.Status = to
		if apply != nil {
			if err := apply(tx, c, now); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c, err := s.repo.Get(ctx, id)
	return c, changed, err
}

// Activate starts a scheduled cycle once its start date has arrived. The
// pool becomes active and the commodity lot is booked.
func (s *Scheduler) Activate(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	var tag string
	c, changed, err := s.transition(ctx, id, StatusActive,
		func(c *Cycle, now time.Time) error {
			if now.Before(c.StartDate) {
				return &TransitionError{CycleID: c.ID, From: c.Status, To: StatusActive, Reason: "start date not reached"}
			}
			return nil
		},
		func(tx *gorm.DB, c *Cycle, now time.Time) error {
			if _, err := s.pools.WithTx(tx).MarkActive(ctx, c.PoolID); err != nil {
				return err
			}
			pool, err := s.pools.WithTx(tx).Get(ctx, c.PoolID)
			if err != nil {
				return err
			}
			tag = pool.CommodityTag
			backing, err := s.commodity.WithTx(tx).CreateForCycle(ctx, c.PoolID, c.ID, pool.CommodityTag, c.PurchasePrice)
			if err != nil {
				return err
			}
			return s.ledger.WithTx(tx).LinkBacking(ctx, c.PoolID, backing.ID)
		})
	if err != nil {
		s.logTransitionError(err, id, StatusActive)
		return nil, err
	}
	if changed {
		s.logger.Info("Cycle activated",
			zap.String("cycle_id", id.String()),
			zap.String("pool_id", c.PoolID.String()),
			zap.String("commodity_tag", tag))
		s.publisher.Publish(ctx, events.Event{Type: events.CycleActivated, PoolID: c.PoolID, CycleID: id})
	}
	return c, nil
}

// BeginProcessing ends the holding period once the end date has passed,
// whether or not the lot has been sold.
func (s *Scheduler) BeginProcessing(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	c, changed, err := s.transition(ctx, id, StatusProcessing,
		func(c *Cycle, now time.Time) error {
			if now.Before(c.EndDate) {
				return &TransitionError{CycleID: c.ID, From: c.Status, To: StatusProcessing, Reason: "end date not reached"}
			}
			return nil
		}, nil)
	if err != nil {
		s.logTransitionError(err, id, StatusProcessing)
		return nil, err
	}
	if changed {
		s.logger.Info("Cycle awaiting completion",
			zap.String("cycle_id", id.String()),
			zap.String("pool_id", c.PoolID.String()))
		s.publisher.Publish(ctx, events.Event{Type: events.CycleProcessing, PoolID: c.PoolID, CycleID: id})
	}
	return c, nil
}

// Complete records the operator's sale figures and, unless settlement is
// deferred, settles the cycle in the same call. A failed settlement leaves
// the cycle processing with the request on the retry queue.
func (s *Scheduler) Complete(ctx context.Context, id uuid.UUID, sale, costs money.Money) (*Cycle, error) {
	if sale < 0 || costs < 0 {
		return nil, ErrInvalidCompletion
	}

	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusCompleted:
		return c, nil
	case StatusScheduled, StatusActive:
		err := &TransitionError{CycleID: id, From: c.Status, To: StatusCompleted, Reason: "cycle has not finished its holding period"}
		s.logTransitionError(err, id, StatusCompleted)
		return nil, err
	}

	req, err := s.repo.SaveRequest(ctx, id, sale, costs)
	if err != nil {
		return nil, fmt.Errorf("failed to record completion request: %w", err)
	}
	// Payouts are keyed per cycle and unit, so figures are frozen once a
	// settlement attempt may have credited a wallet.
	if req.SalePrice != sale || req.TradingCosts != costs {
		err := &TransitionError{CycleID: id, From: c.Status, To: StatusCompleted,
			Reason: fmt.Sprintf("sale figures already recorded (sale_price=%d, trading_costs=%d)", req.SalePrice, req.TradingCosts)}
		s.logTransitionError(err, id, StatusCompleted)
		return nil, err
	}
	s.logger.Info("Cycle completion requested",
		zap.String("cycle_id", id.String()),
		zap.String("pool_id", c.PoolID.String()),
		zap.Int64("sale_price", sale.Int64()),
		zap.Int64("trading_costs", costs.Int64()))

	if !s.opts.AutoSettle {
		return s.repo.Get(ctx, id)
	}
	if err := s.Settle(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Settle hands a processing cycle to the settlement engine.
func (s *Scheduler) Settle(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	settler := s.settler
	s.mu.RUnlock()
	if settler == nil {
		return ErrSettlerUnavailable
	}
	return settler.SettleCycle(ctx, id)
}

// HandlePoolReady schedules the first cycle of a newly filled pool.
func (s *Scheduler) HandlePoolReady(ctx context.Context, e events.Event) error {
	_, err := s.ScheduleForPool(ctx, e.PoolID, ScheduleOptions{})
	return err
}

// HandleCycleCompleted either matures the pool's units or schedules the
// next cycle.
func (s *Scheduler) HandleCycleCompleted(ctx context.Context, e events.Event) error {
	pool, err := s.pools.Get(ctx, e.PoolID)
	if err != nil {
		return err
	}
	if s.opts.MaxCycles > 0 && pool.CyclesCompleted >= s.opts.MaxCycles {
		n, err := s.ledger.MaturePoolUnits(ctx, pool.ID)
		if err != nil {
			return err
		}
		s.logger.Info("Pool reached its cycle limit, units matured",
			zap.String("pool_id", pool.ID.String()),
			zap.Int64("units", n))
		return nil
	}
	if !s.opts.Cycles.AutoReschedule {
		return nil
	}
	_, err = s.ScheduleForPool(ctx, pool.ID, ScheduleOptions{})
	return err
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	return s.repo.Get(ctx, id)
}

func (s *Scheduler) ListByPool(ctx context.Context, poolID uuid.UUID) ([]Cycle, error) {
	return s.repo.ListByPool(ctx, poolID)
}

// AwaitingCompletion lists processing cycles oldest first
func (s *Scheduler) AwaitingCompletion(ctx context.Context) ([]AwaitingCompletion, error) {
	return s.repo.AwaitingCompletion(ctx, s.now())
}

func (s *Scheduler) logTransitionError(err error, id uuid.UUID, to Status) {
	var te *TransitionError
	if errors.As(err, &te) {
		s.logger.Warn("Cycle transition rejected",
			zap.String("cycle_id", id.String()),
			zap.String("from", string(te.From)),
			zap.String("to", string(to)),
			zap.String("reason", te.Reason))
		return
	}
	s.logger.Error("Cycle transition failed",
		zap.String("cycle_id", id.String()),
		zap.String("to", string(to)),
		zap.Error(err))
}

// ProfitRate is (sale - purchase - costs) / purchase.
func ProfitRate(purchase, sale, costs money.Money) decimal.Decimal {
	if purchase <= 0 {
		return decimal.Zero
	}
	net := sale - purchase - costs
	return net.Decimal().DivRound(purchase.Decimal(), 8)
}

// RateAgainstTarget bands the actual rate around the target.
func RateAgainstTarget(actual, target, tolerance decimal.Decimal) Rating {
	diff := actual.Sub(target)
	switch {
	case diff.Abs().LessThanOrEqual(tolerance):
		return RatingOnTarget
	case diff.IsPositive():
		return RatingAboveTarget
	default:
		return RatingBelowTarget
	}
}

// Tolerance is the on-target band used for ratings.
func (s *Scheduler) Tolerance() decimal.Decimal { return s.opts.RatingTolerant }

func parseStatus(raw string) (Status, bool) {
	st := Status(strings.ToLower(raw))
	switch st {
	case StatusScheduled, StatusActive, StatusProcessing, StatusCompleted:
		return st, true
	}
	return "", false
}

// RepairReadyPools schedules cycles for ready pools that missed their
// pool.ready event. Without auto-reschedule only pools that never ran a
// cycle are repaired.
func (s *Scheduler) RepairReadyPools(ctx context.Context, limit int) (int, error) {
	maxCycles := s.opts.MaxCycles
	if !s.opts.Cycles.AutoReschedule {
		maxCycles = 1
	}
	ids, err := s.repo.ReadyPoolsWithoutCycle(ctx, maxCycles, limit)
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.ScheduleForPool(ctx, id, ScheduleOptions{})
		return err
	})
}

// ActivateDue activates every scheduled cycle whose start date has passed.
func (s *Scheduler) ActivateDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.DueForActivation(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.Activate(ctx, id)
		return err
	})
}

// ProcessDue moves every active cycle past its end date to processing.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.DueForProcessing(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	return s.fanOut(ctx, ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := s.BeginProcessing(ctx, id)
		return err
	})
}

// fanOut runs fn over ids with at most opts.Workers in flight and returns
// how many succeeded. Per-cycle failures are joined.
func (s *Scheduler) fanOut(ctx context.Context, ids []uuid.UUID, fn func(context.Context, uuid.UUID) error) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	sem := make(chan struct{}, s.opts.Workers)
	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ok, errors.Join(append(errs, ctx.Err())...)
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("cycle %s: %w", id, err))
				return
			}
			ok++
		}(id)
	}
	wg.Wait()
	return ok, errors.Join(errs...)
}

// SweepTasks are the periodic passes the sweeper runs for cycles.
func (s *Scheduler) SweepTasks(batch int) []Task {
	if batch <= 0 {
		batch = 100
	}
	return []Task{
		{Name: "activate_due_cycles", Run: func(ctx context.Context, now time.Time) error {
			n, err := s.ActivateDue(ctx, now, batch)
			if n > 0 {
				s.logger.Info("Activated due cycles", zap.Int("count", n))
			}
			return err
		}},
		{Name: "process_due_cycles", Run: func(ctx context.Context, now time.Time) error {
			n, err := s.ProcessDue(ctx, now, batch)
			if n > 0 {
				s.logger.Info("Cycles moved to processing", zap.Int("count", n))
			}
			return err
		}},
		{Name: "repair_ready_pools", Run: func(ctx context.Context, _ time.Time) error {
			n, err := s.RepairReadyPools(ctx, batch)
			if n > 0 {
				s.logger.Warn("Scheduled cycles for stranded ready pools", zap.Int("count", n))
			}
			return err
		}},
	}
}
