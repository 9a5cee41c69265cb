package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"capital-pools/pool-engine/pkg/money"
)

// ProfitMode decides what happens to a unit's share of cycle profit.
type ProfitMode string

const (
	ModeCompounding ProfitMode = "compounding"
	ModePayout      ProfitMode = "payout"
)

func (m ProfitMode) Valid() bool {
	return m == ModeCompounding || m == ModePayout
}

type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitActive  UnitStatus = "active"
	UnitMatured UnitStatus = "matured"
)

// Unit is one partner purchase admitted into a pool.
type Unit struct {
	ID                 uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	PartnerID          uuid.UUID   `gorm:"type:uuid;not null;index" json:"partner_id"`
	PoolID             uuid.UUID   `gorm:"type:uuid;not null;index" json:"pool_id"`
	Slot               int         `gorm:"not null;default:0" json:"slot"`
	Principal          money.Money `gorm:"not null" json:"principal"`
	CurrentValue       money.Money `gorm:"not null" json:"current_value"`
	ProfitMode         ProfitMode  `gorm:"type:varchar(16);not null" json:"profit_mode"`
	Status             UnitStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	CyclesParticipated int         `gorm:"not null;default:0" json:"cycles_participated"`
	CumulativeProfit   money.Money `gorm:"not null;default:0" json:"cumulative_profit"`
	CumulativePaidOut  money.Money `gorm:"not null;default:0" json:"cumulative_paid_out"`
	CertificateID      *uuid.UUID  `gorm:"type:uuid" json:"certificate_id,omitempty"`
	CommodityBackingID *uuid.UUID  `gorm:"type:uuid" json:"commodity_backing_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (u *Unit) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Entry records one settlement application against a unit. The unique
// (unit_id, cycle_id) pair makes ApplyDelta idempotent.
type Entry struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UnitID      uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_ledger_unit_cycle" json:"unit_id"`
	CycleID     uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_ledger_unit_cycle;index" json:"cycle_id"`
	Mode        ProfitMode  `gorm:"type:varchar(16);not null" json:"mode"`
	Delta       money.Money `gorm:"not null" json:"delta"`
	PaidOut     money.Money `gorm:"not null;default:0" json:"paid_out"`
	ValueBefore money.Money `gorm:"not null" json:"value_before"`
	ValueAfter  money.Money `gorm:"not null" json:"value_after"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Unit{}, &Entry{}}
}
