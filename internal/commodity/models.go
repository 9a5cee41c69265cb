package commodity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"capital-pools/pool-engine/pkg/money"
)

// Backing describes the commodity lot behind a pool's cycle. It is
// informational and never gates a lifecycle transition.
type Backing struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	PoolID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"pool_id"`
	CycleID        *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"cycle_id,omitempty"`
	UnitID         *uuid.UUID      `gorm:"type:uuid;index" json:"unit_id,omitempty"`
	CommodityType  string          `gorm:"type:varchar(64);not null" json:"commodity_type"`
	Quantity       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	UnitOfMeasure  string          `gorm:"type:varchar(16);not null" json:"unit_of_measure"`
	PricePerUnit   money.Money     `gorm:"not null" json:"price_per_unit"`
	Warehouse      string          `json:"warehouse"`
	Location       datatypes.JSON  `json:"location,omitempty"`
	QualityGrade   string          `gorm:"type:varchar(16)" json:"quality_grade"`
	PriceUpdatedAt time.Time       `json:"price_updated_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Backing) TableName() string { return "commodity_backings" }

func (b *Backing) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// MarketValue is quantity times the last price, floored to minor units.
func (b *Backing) MarketValue() money.Money {
	return money.Money(b.Quantity.Mul(b.PricePerUnit.Decimal()).Floor().IntPart())
}

func Models() []any { return []any{&Backing{}} }
