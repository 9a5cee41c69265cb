package pools

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
)

type Status string

const (
	StatusForming Status = "forming"
	StatusReady   Status = "ready"
	StatusActive  Status = "active"
)

// Pool groups units that trade one commodity lot together.
type Pool struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Number           int             `gorm:"not null;uniqueIndex" json:"number"`
	CommodityTag     string          `gorm:"type:varchar(64);not null;index" json:"commodity_tag"`
	Capacity         int             `gorm:"not null" json:"capacity"`
	CurrentFill      int             `gorm:"not null;default:0" json:"current_fill"`
	Status           Status          `gorm:"type:varchar(16);not null;index" json:"status"`
	AggregateCapital money.Money     `gorm:"not null;default:0" json:"aggregate_capital"`
	CyclesCompleted  int             `gorm:"not null;default:0" json:"cycles_completed"`
	TotalProfit      money.Money     `gorm:"not null;default:0" json:"total_profit"`
	AverageROI       decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0" json:"average_roi"`
	ReadyAt          *time.Time      `json:"ready_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (p *Pool) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Pool) SpareSlots() int {
	return p.Capacity - p.CurrentFill
}

type AdmitRequest struct {
	PartnerID    uuid.UUID         `json:"partner_id"`
	PoolID       *uuid.UUID        `json:"pool_id,omitempty"`
	CommodityTag string            `json:"commodity_tag"`
	Principal    money.Money       `json:"principal"`
	ProfitMode   ledger.ProfitMode `json:"profit_mode"`
}

type AdmissionResult struct {
	UnitID     uuid.UUID `json:"unit_id"`
	PoolID     uuid.UUID `json:"pool_id"`
	PoolNumber int       `json:"pool_number"`
	Slot       int       `json:"slot"`
	PoolStatus Status    `json:"pool_status"`
}

type ListFilter struct {
	Status       Status
	CommodityTag string
	Limit        int
	Offset       int
}

func Models() []any { return []any{&Pool{}} }
