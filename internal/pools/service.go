package pools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/events"
	"capital-pools/pool-engine/internal/identity"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
)

// Manager admits units into capacity-bounded pools.
type Manager struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	partners  identity.Directory
	publisher events.Publisher
	cfg       config.PoolsConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a new pool manager
func NewManager(
	db *gorm.DB,
	ledger *ledger.Ledger,
	partners identity.Directory,
	publisher events.Publisher,
	cfg config.PoolsConfig,
	logger *zap.Logger,
) *Manager {
	if cfg.AdmitRetries <= 0 {
		cfg.AdmitRetries = 3
	}
	return &Manager{
		db:        db,
		ledger:    ledger,
		partners:  partners,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a manager whose writes join tx.
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	cp := *m
	cp.db = tx
	cp.ledger = m.ledger.WithTx(tx)
	return &cp
}

// AdmitUnit creates the unit and takes a pool slot in one transaction. With
// an explicit pool id only that pool is tried; otherwise the first forming
// pool for the commodity is used, or a new one is opened.
func (m *Manager) AdmitUnit(ctx context.Context, req AdmitRequest) (*AdmissionResult, error) {
	req.CommodityTag = normalizeTag(req.CommodityTag)
	if err := m.validate(ctx, req); err != nil {
		return nil, err
	}

	if req.PoolID != nil {
		return m.admitInto(ctx, *req.PoolID, req)
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.AdmitRetries; attempt++ {
		pool, err := m.selectOrOpen(ctx, req.CommodityTag)
		if err != nil {
			return nil, err
		}
		res, err := m.admitInto(ctx, pool.ID, req)
		if err == nil {
			return res, nil
		}
		var ae *AdmissionError
		if !errors.As(err, &ae) || !ae.Retryable() {
			return nil, err
		}
		m.logger.Debug("Admission lost race, reselecting pool",
			zap.String("pool_id", pool.ID.String()),
			zap.Int("attempt", attempt+1))
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) validate(ctx context.Context, req AdmitRequest) error {
	switch {
	case req.Principal <= 0:
		return invalidUnit("principal must be positive")
	case !req.ProfitMode.Valid():
		return invalidUnit("profit mode must be compounding or payout")
	case req.PartnerID == uuid.Nil:
		return invalidUnit("partner is required")
	case req.PoolID == nil && req.CommodityTag == "":
		return invalidUnit("commodity tag is required")
	}

	if !m.cfg.RequireKYC {
		return nil
	}
	partner, err := m.partners.GetPartner(ctx, req.PartnerID)
	if errors.Is(err, identity.ErrPartnerNotFound) {
		return &AdmissionError{Kind: KindKYCRequired, Reason: "unknown partner"}
	}
	if err != nil {
		return fmt.Errorf("failed to check partner identity: %w", err)
	}
	if !partner.KYCVerified {
		return &AdmissionError{Kind: KindKYCRequired, Reason: "partner has not completed KYC"}
	}
	return nil
}

func (m *Manager) admitInto(ctx context.Context, poolID uuid.UUID, req AdmitRequest) (*AdmissionResult, error) {
	var (
		result *AdmissionResult
		ready  bool
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool Pool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pool, "id = ?", poolID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPoolNotFound
			}
			return err
		}
		if req.CommodityTag != "" && req.CommodityTag != pool.CommodityTag {
			return invalidUnit(fmt.Sprintf("pool trades %q, not %q", pool.CommodityTag, req.CommodityTag))
		}
		if pool.Status != StatusForming {
			return &AdmissionError{Kind: KindPoolNotForming, PoolID: pool.ID, Reason: "pool is " + string(pool.Status)}
		}
		if pool.CurrentFill >= pool.Capacity {
			return poolFull(pool.ID)
		}

		slot := pool.CurrentFill + 1
		txLedger := m.ledger.WithTx(tx)
		unitID, err := txLedger.Admit(ctx, &ledger.Unit{
			PartnerID:  req.PartnerID,
			PoolID:     pool.ID,
			Slot:       slot,
			Principal:  req.Principal,
			ProfitMode: req.ProfitMode,
		})
		if err != nil {
			return err
		}

		res := tx.Model(&Pool{}).
			Where("id = ? AND status = ? AND current_fill < capacity", pool.ID, StatusForming).
			Updates(map[string]any{
				"current_fill":      gorm.Expr("current_fill + 1"),
				"aggregate_capital": gorm.Expr("aggregate_capital + ?", req.Principal),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return poolFull(pool.ID)
		}

		status := StatusForming
		if slot == pool.Capacity {
			res := tx.Model(&Pool{}).
				Where("id = ? AND status = ? AND current_fill = capacity", pool.ID, StatusForming).
				Updates(map[string]any{"status": StatusReady, "ready_at": m.now()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				if _, err := txLedger.ActivatePoolUnits(ctx, pool.ID); err != nil {
					return err
				}
				ready = true
				status = StatusReady
			}
		}

		result = &AdmissionResult{
			UnitID:     unitID,
			PoolID:     pool.ID,
			PoolNumber: pool.Number,
			Slot:       slot,
			PoolStatus: status,
		}
		return nil
	})
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			m.logger.Info("Admission rejected",
				zap.String("pool_id", poolID.String()),
				zap.String("kind", string(ae.Kind)))
		}
		return nil, err
	}

	m.logger.Info("Unit admitted",
		zap.String("unit_id", result.UnitID.String()),
		zap.String("pool_id", result.PoolID.String()),
		zap.Int("slot", result.Slot))
	m.publisher.Publish(ctx, events.Event{
		Type:   events.UnitAdmitted,
		PoolID: result.PoolID,
		UnitID: result.UnitID,
		Data:   map[string]any{"slot": result.Slot, "principal": req.Principal},
	})
	if ready {
		m.logger.Info("Pool ready", zap.String("pool_id", result.PoolID.String()))
		m.publisher.Publish(ctx, events.Event{Type: events.PoolReady, PoolID: result.PoolID})
	}
	return result, nil
}

// selectOrOpen returns the lowest-numbered forming pool with spare capacity
// for the commodity, opening a new one when none exists.
func (m *Manager) selectOrOpen(ctx context.Context, tag string) (*Pool, error) {
	var pool Pool
	err := m.db.WithContext(ctx).
		Where("commodity_tag = ? AND status = ? AND current_fill < capacity", tag, StatusForming).
		Order("number ASC").
		Take(&pool).Error
	if err == nil {
		return &pool, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	opened, openErr := m.openPool(ctx, tag)
	if openErr == nil {
		return opened, nil
	}
	// a concurrent admission may have opened the pool first
	if err := m.db.WithContext(ctx).
		Where("commodity_tag = ? AND status = ? AND current_fill < capacity", tag, StatusForming).
		Order("number ASC").
		Take(&pool).Error; err == nil {
		return &pool, nil
	}
	return nil, openErr
}

func (m *Manager) openPool(ctx context.Context, tag string) (*Pool, error) {
	pool := &Pool{
		CommodityTag: tag,
		Capacity:     m.cfg.CapacityFor(tag),
		Status:       StatusForming,
		AverageROI:   decimal.Zero,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		if err := tx.Model(&Pool{}).Select("COALESCE(MAX(number), 0)").Scan(&maxNumber).Error; err != nil {
			return err
		}
		pool.Number = maxNumber + 1
		return tx.Create(pool).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for %q: %w", tag, err)
	}
	m.logger.Info("Pool opened",
		zap.String("pool_id", pool.ID.String()),
		zap.Int("number", pool.Number),
		zap.String("commodity_tag", tag),
		zap.Int("capacity", pool.Capacity))
	return pool, nil
}

// MarkActive moves a ready pool to active. It reports false when the pool
// was already active.
func (m *Manager) MarkActive(ctx context.Context, poolID uuid.UUID) (bool, error) {
	res := m.db.WithContext(ctx).Model(&Pool{}).
		Where("id = ? AND status = ?", poolID, StatusReady).
		Update("status", StatusActive)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	pool, err := m.Get(ctx, poolID)
	if err != nil {
		return false, err
	}
	if pool.Status == StatusActive {
		return false, nil
	}
	return false, fmt.Errorf("pool %s cannot become active from %s", poolID, pool.Status)
}

// RecordCycleResult returns an active pool to ready and folds the cycle's
// profit and return into the running totals.
func (m *Manager) RecordCycleResult(ctx context.Context, poolID uuid.UUID, profit money.Money, roi decimal.Decimal) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool Pool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pool, "id = ?", poolID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPoolNotFound
			}
			return err
		}
		if pool.Status != StatusActive {
			return ErrPoolNotActive
		}

		n := decimal.NewFromInt(int64(pool.CyclesCompleted))
		avg := pool.AverageROI.Mul(n).Add(roi).Div(n.Add(decimal.NewFromInt(1))).Round(6)

		res := tx.Model(&Pool{}).
			Where("id = ? AND status = ?", poolID, StatusActive).
			Updates(map[string]any{
				"status":           StatusReady,
				"cycles_completed": gorm.Expr("cycles_completed + 1"),
				"total_profit":     gorm.Expr("total_profit + ?", profit),
				"average_roi":      avg,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPoolNotActive
		}
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Pool, error) {
	var pool Pool
	if err := m.db.WithContext(ctx).First(&pool, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (m *Manager) List(ctx context.Context, f ListFilter) ([]Pool, int64, error) {
	q := m.db.WithContext(ctx).Model(&Pool{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CommodityTag != "" {
		q = q.Where("commodity_tag = ?", normalizeTag(f.CommodityTag))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []Pool
	err := q.Order("number ASC").Limit(f.Limit).Offset(f.Offset).Find(&out).Error
	return out, total, err
}

// Units returns the pool's units in slot order.
func (m *Manager) Units(ctx context.Context, poolID uuid.UUID) ([]ledger.Unit, error) {
	return m.ledger.ListByPool(ctx, poolID)
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
