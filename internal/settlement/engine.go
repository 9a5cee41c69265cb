package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/commodity"
	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/cycles"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/internal/pools"
	"capital-pools/pool-engine/internal/wallet"
	"capital-pools/pool-engine/pkg/money"
)

type Config struct {
	MaxTries       uint
	InitialBackoff time.Duration
	MaxElapsed     time.Duration
	Tolerance      decimal.Decimal
}

// ConfigFrom builds the engine config from the settlement section
func ConfigFrom(cfg config.SettlementConfig, tolerance decimal.Decimal) Config {
	return Config{
		MaxTries:       cfg.MaxTries,
		InitialBackoff: cfg.InitialBackoff,
		MaxElapsed:     cfg.MaxElapsed,
		Tolerance:      tolerance,
	}
}

// Engine distributes a processing cycle's proceeds to its snapshot units.
type Engine struct {
	db        *gorm.DB
	cycles    *cycles.Repository
	pools     *pools.Manager
	ledger    *ledger.Ledger
	commodity *commodity.Registry
	wallet    wallet.Wallet
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a new settlement engine
func NewEngine(
	db *gorm.DB,
	pools *pools.Manager,
	ledger *ledger.Ledger,
	commodity *commodity.Registry,
	wallet wallet.Wallet,
	publisher events.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	return &Engine{
		db:        db,
		cycles:    cycles.NewRepository(db),
		pools:     pools,
		ledger:    ledger,
		commodity: commodity,
		wallet:    wallet,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SettleCycle satisfies cycles.Settler.
func (e *Engine) SettleCycle(ctx context.Context, cycleID uuid.UUID) error {
	_, err := e.Settle(ctx, cycleID)
	return err
}

// Settle applies the recorded sale figures of a processing cycle. Settling
// a completed cycle returns the original report and changes nothing.
func (e *Engine) Settle(ctx context.Context, cycleID uuid.UUID) (*Report, error) {
	cycle, err := e.cycles.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Status == cycles.StatusCompleted {
		return e.Report(ctx, cycleID)
	}
	if cycle.Status != cycles.StatusProcessing {
		return nil, &cycles.TransitionError{
			CycleID: cycleID, From: cycle.Status, To: cycles.StatusCompleted,
			Reason: "only processing cycles can be settled",
		}
	}
	req, err := e.cycles.GetRequest(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	report, err := e.plan(cycle, req.SalePrice, req.TradingCosts)
	if err != nil {
		return nil, e.fail(ctx, cycle, err)
	}

	if err := e.creditPayouts(ctx, report); err != nil {
		return nil, e.fail(ctx, cycle, err)
	}

	var alreadySettled bool
	var revalued *commodity.Backing
	err = e.retry(ctx, cycleID, func() error {
		alreadySettled, revalued = false, nil
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			alreadySettled, revalued, err = e.commit(ctx, tx, report)
			return err
		})
	})
	if err != nil {
		var te *cycles.TransitionError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, e.fail(ctx, cycle, err)
	}
	if alreadySettled {
		return e.Report(ctx, cycleID)
	}

	e.logger.Info("Cycle settled",
		zap.String("cycle_id", cycleID.String()),
		zap.String("pool_id", cycle.PoolID.String()),
		zap.Int64("distributable", report.Distributable.Int64()),
		zap.Int64("profit", report.Profit.Int64()),
		zap.String("actual_profit_rate", report.ActualProfitRate.String()),
		zap.String("rating", string(report.Rating)))

	e.publisher.Publish(ctx, events.Event{
		Type:    events.CycleCompleted,
		PoolID:  cycle.PoolID,
		CycleID: cycleID,
		Data: map[string]any{
			"number":             cycle.Number,
			"profit":             report.Profit,
			"actual_profit_rate": report.ActualProfitRate.String(),
			"performance_rating": report.Rating,
		},
	})
	if revalued != nil {
		e.publisher.Publish(ctx, events.Event{
			Type:    events.CommodityRevaluated,
			PoolID:  cycle.PoolID,
			CycleID: cycleID,
			Data:    map[string]any{"backing_id": revalued.ID, "price_per_unit": revalued.PricePerUnit},
		})
	}
	return report, nil
}

// plan computes every unit's allocation from the immutable snapshot.
// distributable = floor(totalCapital * max(0, sale-costs) / purchase).
func (e *Engine) plan(cycle *cycles.Cycle, sale, costs money.Money) (*Report, error) {
	if cycle.PurchasePrice <= 0 {
		return nil, fmt.Errorf("cycle %s has no purchase price", cycle.ID)
	}
	net := sale - costs
	if net < 0 {
		net = 0
	}
	distributable, err := money.MulDivFloor(cycle.TotalCapital, net.Int64(), cycle.PurchasePrice.Int64())
	if err != nil {
		return nil, fmt.Errorf("failed to compute distributable amount: %w", err)
	}

	shares := make([]money.Money, len(cycle.Participants))
	for i, p := range cycle.Participants {
		shares[i] = p.Share
	}
	allocated, err := money.Allocate(distributable, shares)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate proceeds: %w", err)
	}

	rate := cycles.ProfitRate(cycle.PurchasePrice, sale, costs)
	report := &Report{
		CycleID:          cycle.ID,
		PoolID:           cycle.PoolID,
		CycleNumber:      cycle.Number,
		TotalCapital:     cycle.TotalCapital,
		PurchasePrice:    cycle.PurchasePrice,
		SalePrice:        sale,
		TradingCosts:     costs,
		Distributable:    distributable,
		Profit:           distributable - cycle.TotalCapital,
		ActualProfitRate: rate,
		Rating:           cycles.RateAgainstTarget(rate, cycle.TargetProfitRate, e.cfg.Tolerance),
		Lines:            make([]Line, len(cycle.Participants)),
	}
	for i, p := range cycle.Participants {
		line := Line{
			UnitID:    p.UnitID,
			PartnerID: p.PartnerID,
			Position:  p.Position,
			Mode:      p.ProfitMode,
			Share:     p.Share,
			Allocated: allocated[i],
			Delta:     allocated[i] - p.Share,
		}
		if line.Mode == ledger.ModePayout && line.Delta > 0 {
			line.PaidOut = line.Delta
		}
		report.Lines[i] = line
	}
	return report, nil
}

// creditPayouts runs before the ledger transaction. Credits are keyed per
// cycle and unit so a retried settlement never pays twice.
func (e *Engine) creditPayouts(ctx context.Context, report *Report) error {
	for i := range report.Lines {
		line := &report.Lines[i]
		if line.PaidOut <= 0 {
			continue
		}
		req := wallet.CreditRequest{
			IdempotencyKey: fmt.Sprintf("settlement:%s:%s", report.CycleID, line.UnitID),
			PartnerID:      line.PartnerID,
			Amount:         line.PaidOut,
			Reference:      "cycle:" + report.CycleID.String(),
		}
		var receipt *wallet.Receipt
		err := e.retry(ctx, report.CycleID, func() error {
			var err error
			receipt, err = e.wallet.Credit(ctx, req)
			return err
		})
		if err != nil {
			return fmt.Errorf("wallet credit for unit %s: %w", line.UnitID, err)
		}
		id := receipt.ID
		line.ReceiptID = &id
	}
	return nil
}

// commit writes the ledger entries, closes the cycle and stores the report
// in one transaction. It reports true when another caller already settled.
func (e *Engine) commit(ctx context.Context, tx *gorm.DB, report *Report) (bool, *commodity.Backing, error) {
	repo := e.cycles.WithTx(tx)
	cycle, err := repo.Lock(ctx, report.CycleID)
	if err != nil {
		return false, nil, err
	}
	switch cycle.Status {
	case cycles.StatusCompleted:
		return true, nil, nil
	case cycles.StatusProcessing:
	default:
		return false, nil, &cycles.TransitionError{
			CycleID: cycle.ID, From: cycle.Status, To: cycles.StatusCompleted,
			Reason: "only processing cycles can be settled",
		}
	}

	l := e.ledger.WithTx(tx)
	var paid money.Money
	for i := range report.Lines {
		line := &report.Lines[i]
		entry, err := l.ApplyDelta(ctx, line.UnitID, cycle.ID, line.Delta, line.Mode)
		if err != nil {
			return false, nil, err
		}
		line.ValueAfter = entry.ValueAfter
		line.PaidOut = entry.PaidOut
		paid += entry.PaidOut
	}
	report.TotalPaidOut = paid
	report.SettledAt = e.now()

	ok, err := repo.MarkCompleted(ctx, cycle.ID, cycles.Completion{
		SalePrice:        report.SalePrice,
		TradingCosts:     report.TradingCosts,
		ActualProfitRate: report.ActualProfitRate,
		Rating:           report.Rating,
		CompletedAt:      report.SettledAt,
	})
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, &cycles.TransitionError{
			CycleID: cycle.ID, From: cycle.Status, To: cycles.StatusCompleted,
			Reason: "cycle changed during settlement",
		}
	}

	if err := e.pools.WithTx(tx).RecordCycleResult(ctx, cycle.PoolID, report.Profit, report.ActualProfitRate); err != nil {
		return false, nil, fmt.Errorf("failed to update pool aggregates: %w", err)
	}

	backing, err := e.commodity.WithTx(tx).RevalueForCycle(ctx, cycle.ID, report.SalePrice)
	if err != nil && !errors.Is(err, commodity.ErrBackingNotFound) {
		return false, nil, fmt.Errorf("failed to revalue commodity backing: %w", err)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return false, nil, err
	}
	if err := tx.WithContext(ctx).Create(&record{CycleID: cycle.ID, PoolID: cycle.PoolID, Report: payload}).Error; err != nil {
		return false, nil, fmt.Errorf("failed to store settlement report: %w", err)
	}
	if err := repo.MarkRequestSettled(ctx, cycle.ID, report.SettledAt); err != nil {
		return false, nil, err
	}
	return false, backing, nil
}

func (e *Engine) fail(ctx context.Context, cycle *cycles.Cycle, cause error) error {
	if err := e.cycles.MarkRequestFailed(ctx, cycle.ID, cause.Error()); err != nil {
		e.logger.Error("Failed to mark settlement request failed",
			zap.String("cycle_id", cycle.ID.String()),
			zap.Error(err))
	}
	e.logger.Error("Settlement failed",
		zap.String("cycle_id", cycle.ID.String()),
		zap.String("pool_id", cycle.PoolID.String()),
		zap.Error(cause))
	e.publisher.Publish(ctx, events.Event{
		Type:    events.SettlementFailed,
		PoolID:  cycle.PoolID,
		CycleID: cycle.ID,
		Data:    map[string]any{"error": cause.Error()},
	})
	return &SettlementError{CycleID: cycle.ID, Err: cause}
}

func (e *Engine) retry(ctx context.Context, cycleID uuid.UUID, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.MaxTries),
		backoff.WithMaxElapsedTime(e.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("Retrying settlement step",
				zap.String("cycle_id", cycleID.String()),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	var (
		te  *cycles.TransitionError
		ne  *ledger.NegativeResultError
		api *wallet.APIError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &ne):
		return true
	case errors.As(err, &api):
		return !api.Retryable()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, wallet.ErrIdempotencyConflict), errors.Is(err, wallet.ErrInvalidCredit),
		errors.Is(err, cycles.ErrCycleNotFound), errors.Is(err, ledger.ErrUnitNotFound),
		errors.Is(err, ledger.ErrInvalidProfitMode), errors.Is(err, pools.ErrPoolNotActive):
		return true
	}
	return false
}

// Report returns the stored outcome of a settled cycle.
func (e *Engine) Report(ctx context.Context, cycleID uuid.UUID) (*Report, error) {
	var rec record
	if err := e.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(rec.Report, &report); err != nil {
		return nil, fmt.Errorf("failed to decode settlement report: %w", err)
	}
	return &report, nil
}

// RetryQueue lists completion requests whose settlement failed.
func (e *Engine) RetryQueue(ctx context.Context, limit int) ([]cycles.CompletionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.cycles.FailedRequests(ctx, limit)
}

// RetryFailed settles queued requests again, oldest first.
func (e *Engine) RetryFailed(ctx context.Context, limit int) (int, error) {
	queue, err := e.RetryQueue(ctx, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	var errs []error
	for _, req := range queue {
		if _, err := e.Settle(ctx, req.CycleID); err != nil {
			errs = append(errs, err)
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

// SweepTask retries the failed-settlement queue on each sweep.
func (e *Engine) SweepTask(batch int) cycles.Task {
	return cycles.Task{
		Name: "retry_failed_settlements",
		Run: func(ctx context.Context, _ time.Time) error {
			n, err := e.RetryFailed(ctx, batch)
			if n > 0 {
				e.logger.Info("Settled queued cycles", zap.Int("count", n))
			}
			return err
		},
	}
}
