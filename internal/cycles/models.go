package cycles

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"capital-pools/pool-engine/internal/ledger"
	"capital-pools/pool-engine/pkg/money"
	"capital-pools/pool-engine/pkg/workflows"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// lifecycle is forward-only; completed is terminal.
var lifecycle = workflows.NewStateMachine(map[Status][]Status{
	StatusScheduled:  {StatusActive},
	StatusActive:     {StatusProcessing},
	StatusProcessing: {StatusCompleted},
	StatusCompleted:  {},
})

type Rating string

const (
	RatingBelowTarget Rating = "below_target"
	RatingOnTarget    Rating = "on_target"
	RatingAboveTarget Rating = "above_target"
)

// Cycle is one trading round of a pool. Sale price, actual rate and rating
// stay empty until the cycle completes.
type Cycle struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	PoolID            uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex:idx_cycle_pool_number" json:"pool_id"`
	Number            int                 `gorm:"not null;uniqueIndex:idx_cycle_pool_number" json:"number"`
	Status            Status              `gorm:"type:varchar(16);not null;index" json:"status"`
	StartDate         time.Time           `gorm:"not null;index" json:"start_date"`
	EndDate           time.Time           `gorm:"not null;index" json:"end_date"`
	TotalCapital      money.Money         `gorm:"not null" json:"total_capital"`
	TargetProfitRate  decimal.Decimal     `gorm:"type:numeric(12,8);not null" json:"target_profit_rate"`
	PurchasePrice     money.Money         `gorm:"not null" json:"purchase_price"`
	SalePrice         *money.Money        `json:"sale_price"`
	TradingCosts      money.Money         `gorm:"not null;default:0" json:"trading_costs"`
	ActualProfitRate  decimal.NullDecimal `gorm:"type:numeric(12,8)" json:"actual_profit_rate"`
	ProfitDistributed bool                `gorm:"not null;default:false" json:"profit_distributed"`
	PerformanceRating *Rating             `gorm:"type:varchar(16)" json:"performance_rating"`
	ActivatedAt       *time.Time          `json:"activated_at,omitempty"`
	ProcessingAt      *time.Time          `json:"processing_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	Participants      []Participant       `gorm:"foreignKey:CycleID" json:"participants,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (c *Cycle) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Participant is one row of the immutable snapshot taken at scheduling.
// Share is the unit's value at that moment.
type Participant struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CycleID    uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_participant_cycle_unit" json:"cycle_id"`
	UnitID     uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_participant_cycle_unit" json:"unit_id"`
	PartnerID  uuid.UUID         `gorm:"type:uuid;not null" json:"partner_id"`
	Position   int               `gorm:"not null" json:"position"`
	Share      money.Money       `gorm:"not null" json:"share"`
	ProfitMode ledger.ProfitMode `gorm:"type:varchar(16);not null" json:"profit_mode"`
}

func (Participant) TableName() string { return "cycle_participants" }

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestFailed  RequestStatus = "failed"
	RequestSettled RequestStatus = "settled"
)

// CompletionRequest holds the operator's sale figures until settlement
// succeeds. Failed requests form the settlement retry queue.
type CompletionRequest struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CycleID      uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex" json:"cycle_id"`
	SalePrice    money.Money   `gorm:"not null" json:"sale_price"`
	TradingCosts money.Money   `gorm:"not null" json:"trading_costs"`
	Status       RequestStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts     int           `gorm:"not null;default:0" json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
	SettledAt    *time.Time    `json:"settled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (CompletionRequest) TableName() string { return "settlement_requests" }

func (r *CompletionRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// AwaitingCompletion is a processing cycle waiting for sale figures or for
// a settlement retry.
type AwaitingCompletion struct {
	CycleID       uuid.UUID      `json:"cycle_id"`
	PoolID        uuid.UUID      `json:"pool_id"`
	PoolNumber    int            `json:"pool_number"`
	CycleNumber   int            `json:"cycle_number"`
	CommodityTag  string         `json:"commodity_tag"`
	TotalCapital  money.Money    `json:"total_capital"`
	EndDate       time.Time      `json:"end_date"`
	WaitingHours  int64          `json:"waiting_hours"`
	RequestStatus *RequestStatus `json:"request_status,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
}

type ScheduleOptions struct {
	StartDate        *time.Time
	TargetProfitRate *decimal.Decimal
	PurchasePrice    *money.Money
	// RequireNew fails with OpenCycleError instead of returning the pool's
	// open cycle.
	RequireNew bool
}

func Models() []any {
	return []any{&Cycle{}, &Participant{}, &CompletionRequest{}}
}
