package cycles

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"capital-pools/pool-engine/pkg/money"
)

type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new cycles repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a copy bound to tx
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	var c Cycle
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Lock loads the cycle row under FOR UPDATE. Callers must be in a transaction.
func (r *Repository) Lock(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	var c Cycle
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Participants returns the snapshot in position order.
func (r *Repository) Participants(ctx context.Context, cycleID uuid.UUID) ([]Participant, error) {
	var out []Participant
	err := r.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("position ASC").Find(&out).Error
	return out, err
}

// OpenForPool returns the pool's cycle that has not completed yet, if any.
func (r *Repository) OpenForPool(ctx context.Context, poolID uuid.UUID) (*Cycle, error) {
	var c Cycle
	err := r.db.WithContext(ctx).
		Where("pool_id = ? AND status <> ?", poolID, StatusCompleted).
		Order("number DESC").
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repository) NextNumber(ctx context.Context, poolID uuid.UUID) (int, error) {
	var n int
	err := r.db.WithContext(ctx).Model(&Cycle{}).
		Where("pool_id = ?", poolID).
		Select("COALESCE(MAX(number), 0)").
		Scan(&n).Error
	return n + 1, err
}

// Create inserts the cycle together with its participant snapshot.
func (r *Repository) Create(ctx context.Context, c *Cycle) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// Advance performs a guarded status change. It reports false when the
// cycle was not in the expected state.
func (r *Repository) Advance(ctx context.Context, id uuid.UUID, from, to Status, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Cycle{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// Completion carries what settlement writes when it closes a cycle.
type Completion struct {
	SalePrice        money.Money
	TradingCosts     money.Money
	ActualProfitRate decimal.Decimal
	Rating           Rating
	CompletedAt      time.Time
}

// MarkCompleted closes a processing cycle and flags its profit as
// distributed in the same statement.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, c Completion) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Cycle{}).
		Where("id = ? AND status = ? AND profit_distributed = ?", id, StatusProcessing, false).
		Updates(map[string]any{
			"status":             StatusCompleted,
			"sale_price":         c.SalePrice,
			"trading_costs":      c.TradingCosts,
			"actual_profit_rate": decimal.NewNullDecimal(c.ActualProfitRate),
			"performance_rating": c.Rating,
			"profit_distributed": true,
			"completed_at":       c.CompletedAt,
		})
	return res.RowsAffected == 1, res.Error
}

// DueForActivation returns scheduled cycles whose start date has passed
func (r *Repository) DueForActivation(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.due(ctx, StatusScheduled, "start_date", now, limit)
}

// DueForProcessing returns active cycles whose end date has passed
func (r *Repository) DueForProcessing(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.due(ctx, StatusActive, "end_date", now, limit)
}

func (r *Repository) due(ctx context.Context, status Status, column string, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&Cycle{}).
		Where("status = ? AND "+column+" <= ?", status, now.UTC()).
		Order(column+" ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *Repository) ListByPool(ctx context.Context, poolID uuid.UUID) ([]Cycle, error) {
	var out []Cycle
	err := r.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("number ASC").Find(&out).Error
	return out, err
}

// AwaitingCompletion lists processing cycles, oldest end date first.
func (r *Repository) AwaitingCompletion(ctx context.Context, now time.Time) ([]AwaitingCompletion, error) {
	type row struct {
		CycleID       uuid.UUID
		PoolID        uuid.UUID
		PoolNumber    int
		CycleNumber   int
		CommodityTag  string
		TotalCapital  money.Money
		EndDate       time.Time
		RequestStatus *RequestStatus
		Attempts      *int
		LastError     *string
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Table("cycles").
		Select(`cycles.id AS cycle_id, cycles.pool_id, pools.number AS pool_number,
			cycles.number AS cycle_number, pools.commodity_tag, cycles.total_capital,
			cycles.end_date, settlement_requests.status AS request_status,
			settlement_requests.attempts, settlement_requests.last_error`).
		Joins("JOIN pools ON pools.id = cycles.pool_id").
		Joins("LEFT JOIN settlement_requests ON settlement_requests.cycle_id = cycles.id").
		Where("cycles.status = ?", StatusProcessing).
		Order("cycles.end_date ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]AwaitingCompletion, 0, len(rows))
	for _, rw := range rows {
		a := AwaitingCompletion{
			CycleID:       rw.CycleID,
			PoolID:        rw.PoolID,
			PoolNumber:    rw.PoolNumber,
			CycleNumber:   rw.CycleNumber,
			CommodityTag:  rw.CommodityTag,
			TotalCapital:  rw.TotalCapital,
			EndDate:       rw.EndDate,
			WaitingHours:  int64(now.Sub(rw.EndDate).Hours()),
			RequestStatus: rw.RequestStatus,
		}
		if rw.Attempts != nil {
			a.Attempts = *rw.Attempts
		}
		if rw.LastError != nil {
			a.LastError = *rw.LastError
		}
		out = append(out, a)
	}
	return out, nil
}

// ReadyPoolsWithoutCycle finds ready pools that have no open cycle. Pools
// that already completed maxCycles are skipped when maxCycles is positive.
func (r *Repository) ReadyPoolsWithoutCycle(ctx context.Context, maxCycles, limit int) ([]uuid.UUID, error) {
	q := r.db.WithContext(ctx).Table("pools").
		Where("pools.status = ?", "ready").
		Where("NOT EXISTS (SELECT 1 FROM cycles WHERE cycles.pool_id = pools.id AND cycles.status <> ?)", StatusCompleted)
	if maxCycles > 0 {
		q = q.Where("pools.cycles_completed < ?", maxCycles)
	}
	var ids []uuid.UUID
	err := q.Order("pools.number ASC").Limit(limit).Pluck("pools.id", &ids).Error
	return ids, err
}

// SaveRequest records the sale figures of an unsettled cycle. Figures can be
// replaced only until the first settlement attempt; afterwards the stored
// request is returned unchanged so callers can compare.
func (r *Repository) SaveRequest(ctx context.Context, cycleID uuid.UUID, sale, costs money.Money) (*CompletionRequest, error) {
	req := &CompletionRequest{
		CycleID:      cycleID,
		SalePrice:    sale,
		TradingCosts: costs,
		Status:       RequestPending,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cycle_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sale_price":    sale,
			"trading_costs": costs,
			"status":        RequestPending,
			"updated_at":    time.Now().UTC(),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: "settlement_requests", Name: "status"}, Value: RequestPending},
			clause.Eq{Column: clause.Column{Table: "settlement_requests", Name: "attempts"}, Value: 0},
		}},
	}).Create(req).Error
	if err != nil {
		return nil, err
	}
	return r.GetRequest(ctx, cycleID)
}

func (r *Repository) GetRequest(ctx context.Context, cycleID uuid.UUID) (*CompletionRequest, error) {
	var req CompletionRequest
	if err := r.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// MarkRequestFailed puts the request on the retry queue
func (r *Repository) MarkRequestFailed(ctx context.Context, cycleID uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Model(&CompletionRequest{}).
		Where("cycle_id = ? AND status <> ?", cycleID, RequestSettled).
		Updates(map[string]any{
			"status":     RequestFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

func (r *Repository) MarkRequestSettled(ctx context.Context, cycleID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&CompletionRequest{}).
		Where("cycle_id = ?", cycleID).
		Updates(map[string]any{
			"status":     RequestSettled,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "",
			"settled_at": at,
		}).Error
}

// FailedRequests is the settlement retry queue, oldest first.
func (r *Repository) FailedRequests(ctx context.Context, limit int) ([]CompletionRequest, error) {
	var out []CompletionRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", RequestFailed).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
