package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"capital-pools/pool-engine/pkg/money"
)

// Ledger owns unit balances. All writes go through it.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a new unit ledger
func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WithTx returns a ledger bound to an open transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, logger: l.logger}
}

// Admit creates a pending unit with current value equal to its principal.
func (l *Ledger) Admit(ctx context.Context, unit *Unit) (uuid.UUID, error) {
	if unit.Principal <= 0 {
		return uuid.Nil, ErrInvalidPrincipal
	}
	if !unit.ProfitMode.Valid() {
		return uuid.Nil, ErrInvalidProfitMode
	}
	unit.CurrentValue = unit.Principal
	if unit.Status == "" {
		unit.Status = UnitPending
	}
	if err := l.db.WithContext(ctx).Create(unit).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to create unit: %w", err)
	}
	return unit.ID, nil
}

// ApplyDelta applies one cycle's result to a unit exactly once. A replay for
// the same (unit, cycle) returns the entry recorded the first time.
//
// Compounding units take the whole delta into their value. Payout units keep
// their value on a gain, with the gain recorded as paid out, and absorb a loss.
func (l *Ledger) ApplyDelta(ctx context.Context, unitID, cycleID uuid.UUID, delta money.Money, mode ProfitMode) (*Entry, error) {
	if !mode.Valid() {
		return nil, ErrInvalidProfitMode
	}

	var entry *Entry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit Unit
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&unit, "id = ?", unitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnitNotFound
			}
			return err
		}

		var existing Entry
		err := tx.Where("unit_id = ? AND cycle_id = ?", unitID, cycleID).Take(&existing).Error
		if err == nil {
			entry = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		valueDelta, paidOut := delta, money.Money(0)
		if mode == ModePayout && delta > 0 {
			valueDelta, paidOut = 0, delta
		}
		after := unit.CurrentValue + valueDelta
		if after < 0 {
			return &NegativeResultError{UnitID: unitID, Value: unit.CurrentValue, Delta: delta}
		}

		e := &Entry{
			UnitID:      unitID,
			CycleID:     cycleID,
			Mode:        mode,
			Delta:       delta,
			PaidOut:     paidOut,
			ValueBefore: unit.CurrentValue,
			ValueAfter:  after,
		}
		if err := tx.Create(e).Error; err != nil {
			return fmt.Errorf("failed to record ledger entry: %w", err)
		}

		res := tx.Model(&Unit{}).Where("id = ?", unitID).Updates(map[string]any{
			"current_value":       after,
			"cycles_participated": gorm.Expr("cycles_participated + 1"),
			"cumulative_profit":   gorm.Expr("cumulative_profit + ?", delta),
			"cumulative_paid_out": gorm.Expr("cumulative_paid_out + ?", paidOut),
		})
		if res.Error != nil {
			return res.Error
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) GetValue(ctx context.Context, unitID uuid.UUID) (money.Money, error) {
	unit, err := l.GetUnit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return unit.CurrentValue, nil
}

func (l *Ledger) GetUnit(ctx context.Context, unitID uuid.UUID) (*Unit, error) {
	var unit Unit
	if err := l.db.WithContext(ctx).First(&unit, "id = ?", unitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}
	return &unit, nil
}

// LockUnit loads a unit under a row lock. It must run inside a transaction.
func (l *Ledger) LockUnit(ctx context.Context, unitID uuid.UUID) (*Unit, error) {
	var unit Unit
	if err := l.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&unit, "id = ?", unitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}
	return &unit, nil
}

// ListByPool returns a pool's units in admission order, optionally filtered by status.
func (l *Ledger) ListByPool(ctx context.Context, poolID uuid.UUID, statuses ...UnitStatus) ([]Unit, error) {
	q := l.db.WithContext(ctx).Where("pool_id = ?", poolID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var units []Unit
	if err := q.Order("slot ASC, created_at ASC").Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// Entries returns a unit's ledger entries oldest first
func (l *Ledger) Entries(ctx context.Context, unitID uuid.UUID) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).Where("unit_id = ?", unitID).Order("created_at ASC").Find(&entries).Error
	return entries, err
}

func (l *Ledger) EntriesForCycle(ctx context.Context, cycleID uuid.UUID) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Find(&entries).Error
	return entries, err
}

// ActivatePoolUnits flips every pending unit of the pool to active.
func (l *Ledger) ActivatePoolUnits(ctx context.Context, poolID uuid.UUID) (int64, error) {
	return l.setPoolStatus(ctx, poolID, UnitPending, UnitActive)
}

// MaturePoolUnits retires a pool's active units once it stops cycling.
func (l *Ledger) MaturePoolUnits(ctx context.Context, poolID uuid.UUID) (int64, error) {
	return l.setPoolStatus(ctx, poolID, UnitActive, UnitMatured)
}

func (l *Ledger) setPoolStatus(ctx context.Context, poolID uuid.UUID, from, to UnitStatus) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Unit{}).
		Where("pool_id = ? AND status = ?", poolID, from).
		Update("status", to)
	return res.RowsAffected, res.Error
}

// LinkCertificate points the unit at its current certificate.
func (l *Ledger) LinkCertificate(ctx context.Context, unitID, certificateID uuid.UUID) error {
	return l.db.WithContext(ctx).Model(&Unit{}).
		Where("id = ?", unitID).
		Update("certificate_id", certificateID).Error
}

// LinkBacking points every active unit of the pool at the cycle's commodity lot.
func (l *Ledger) LinkBacking(ctx context.Context, poolID, backingID uuid.UUID) error {
	return l.db.WithContext(ctx).Model(&Unit{}).
		Where("pool_id = ? AND status = ?", poolID, UnitActive).
		Update("commodity_backing_id", backingID).Error
}

// ActiveWithoutCertificate lists active units that still need a certificate.
func (l *Ledger) ActiveWithoutCertificate(ctx context.Context, limit int) ([]Unit, error) {
	var units []Unit
	err := l.db.WithContext(ctx).
		Where("status = ? AND certificate_id IS NULL", UnitActive).
		Order("created_at ASC").
		Limit(limit).
		Find(&units).Error
	return units, err
}
