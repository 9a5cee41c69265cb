package commodity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/pkg/geospatial"
	"capital-pools/pool-engine/pkg/money"
)

var (
	ErrBackingNotFound = errors.New("commodity backing not found")
	ErrInvalidPrice    = errors.New("price per unit must be positive")
)

const quantityScale = 6

// Registry keeps the commodity lots that back running cycles.
type Registry struct {
	db     *gorm.DB
	cfg    config.CommoditiesConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a new commodity registry
func NewRegistry(db *gorm.DB, cfg config.CommoditiesConfig, logger *zap.Logger) *Registry {
	return &Registry{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy bound to tx
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	cp := *r
	cp.db = tx
	return &cp
}

// CreateForCycle records the lot bought with a cycle's capital. It is
// idempotent per cycle. Without a configured reference price the lot is
// booked as a single unit priced at its full value.
func (r *Registry) CreateForCycle(ctx context.Context, poolID, cycleID uuid.UUID, commodityType string, lotValue money.Money) (*Backing, error) {
	var existing Backing
	err := r.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tag := strings.ToLower(commodityType)
	price := money.Money(r.cfg.ReferencePrices[tag])
	uom := r.cfg.UnitOfMeasure[tag]
	quantity := decimal.NewFromInt(1)
	if price > 0 {
		quantity = lotValue.Decimal().DivRound(price.Decimal(), quantityScale)
	} else {
		price = lotValue
		uom = "lot"
	}
	if uom == "" {
		uom = "kg"
	}

	b := &Backing{
		PoolID:         poolID,
		CycleID:        &cycleID,
		CommodityType:  tag,
		Quantity:       quantity,
		UnitOfMeasure:  uom,
		PricePerUnit:   price,
		Warehouse:      r.cfg.Warehouse,
		QualityGrade:   r.cfg.Grade,
		PriceUpdatedAt: r.now(),
	}
	if r.cfg.Location != "" {
		loc, err := encodeLocation(r.cfg.Location)
		if err != nil {
			r.logger.Warn("Ignoring invalid warehouse location", zap.Error(err))
		} else {
			b.Location = loc
		}
	}

	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return nil, fmt.Errorf("failed to create commodity backing: %w", err)
	}
	r.logger.Info("Commodity lot booked",
		zap.String("pool_id", poolID.String()),
		zap.String("cycle_id", cycleID.String()),
		zap.String("quantity", quantity.String()),
		zap.String("unit_of_measure", uom))
	return b, nil
}

// RevalueForCycle reprices a cycle's lot from its realised sale value.
func (r *Registry) RevalueForCycle(ctx context.Context, cycleID uuid.UUID, saleValue money.Money) (*Backing, error) {
	var b Backing
	if err := r.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Take(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBackingNotFound
		}
		return nil, err
	}
	if b.Quantity.IsZero() {
		return &b, nil
	}
	price := money.Money(saleValue.Decimal().Div(b.Quantity).Floor().IntPart())
	if err := r.setPrice(ctx, &b, price); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdatePrice applies a price feed observation.
func (r *Registry) UpdatePrice(ctx context.Context, id uuid.UUID, price money.Money) (*Backing, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.setPrice(ctx, b, price); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Registry) setPrice(ctx context.Context, b *Backing, price money.Money) error {
	now := r.now()
	err := r.db.WithContext(ctx).Model(&Backing{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{"price_per_unit": price, "price_updated_at": now}).Error
	if err != nil {
		return err
	}
	b.PricePerUnit = price
	b.PriceUpdatedAt = now
	return nil
}

// SetLocation stores the warehouse location as a GeoJSON point.
func (r *Registry) SetLocation(ctx context.Context, id uuid.UUID, raw string) (*Backing, error) {
	loc, err := encodeLocation(raw)
	if err != nil {
		return nil, err
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&Backing{}).Where("id = ?", id).Update("location", loc).Error; err != nil {
		return nil, err
	}
	b.Location = loc
	return b, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Backing, error) {
	var b Backing
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBackingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *Registry) ListByPool(ctx context.Context, poolID uuid.UUID) ([]Backing, error) {
	var out []Backing
	err := r.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func encodeLocation(raw string) (datatypes.JSON, error) {
	p, err := geospatial.ParseLocation(raw)
	if err != nil {
		return nil, &locationError{err: err}
	}
	b, err := geospatial.PointGeoJSON(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

type locationError struct{ err error }

func (e *locationError) Error() string { return e.err.Error() }
func (e *locationError) Unwrap() error { return e.err }

func isGeoError(err error) bool {
	var le *locationError
	return errors.As(err, &le)
}
