package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/cycles"
	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
)

// Line is one unit's outcome in a settlement.
type Line struct {
	UnitID     uuid.UUID         `json:"unit_id"`
	PartnerID  uuid.UUID         `json:"partner_id"`
	Position   int               `json:"position"`
	Mode       ledger.ProfitMode `json:"profit_mode"`
	Share      money.Money       `json:"share"`
	Allocated  money.Money       `json:"allocated"`
	Delta      money.Money       `json:"delta"`
	PaidOut    money.Money       `json:"paid_out"`
	ValueAfter money.Money       `json:"value_after"`
	ReceiptID  *uuid.UUID        `json:"receipt_id,omitempty"`
}

// Report is the settled outcome of one cycle. Allocated always sums to
// Distributable.
type Report struct {
	CycleID          uuid.UUID       `json:"cycle_id"`
	PoolID           uuid.UUID       `json:"pool_id"`
	CycleNumber      int             `json:"cycle_number"`
	TotalCapital     money.Money     `json:"total_capital"`
	PurchasePrice    money.Money     `json:"purchase_price"`
	SalePrice        money.Money     `json:"sale_price"`
	TradingCosts     money.Money     `json:"trading_costs"`
	Distributable    money.Money     `json:"distributable"`
	Profit           money.Money     `json:"profit"`
	TotalPaidOut     money.Money     `json:"total_paid_out"`
	ActualProfitRate decimal.Decimal `json:"actual_profit_rate"`
	Rating           cycles.Rating   `json:"performance_rating"`
	Lines            []Line          `json:"lines"`
	SettledAt        time.Time       `json:"settled_at"`
}

// record persists the report so replays return the original outcome.
type record struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	CycleID   uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex"`
	PoolID    uuid.UUID      `gorm:"type:uuid;not null;index"`
	Report    datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
}

func (record) TableName() string { return "settlement_reports" }

func (r *record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func Models() []any { return []any{&record{}} }
