package certificates

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"capital-pools/pool-engine/pkg/money"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Certificate is proof of insurance cover for one unit. The number never
// changes; only the status moves, and revoked is final.
type Certificate struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Number           string      `gorm:"type:varchar(29);not null;uniqueIndex" json:"number"`
	NumberDigest     string      `gorm:"type:char(64);not null;uniqueIndex" json:"-"`
	UnitID           uuid.UUID   `gorm:"type:uuid;not null;index" json:"unit_id"`
	PartnerID        uuid.UUID   `gorm:"type:uuid;not null" json:"partner_id"`
	PartnerName      string      `gorm:"not null" json:"partner_name"`
	CoverageAmount   money.Money `gorm:"not null" json:"coverage_amount"`
	Status           Status      `gorm:"type:varchar(16);not null;index" json:"status"`
	EffectiveDate    time.Time   `gorm:"not null" json:"effective_date"`
	ExpiryDate       time.Time   `gorm:"not null;index" json:"expiry_date"`
	RevokedAt        *time.Time  `json:"revoked_at,omitempty"`
	RevocationReason string      `json:"revocation_reason,omitempty"`
	DocumentKey      string      `json:"document_key,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (c *Certificate) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// EffectiveStatus reports expired for an active certificate past its expiry
// even before the sweep has flipped it.
func (c *Certificate) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusActive && !now.Before(c.ExpiryDate) {
		return StatusExpired
	}
	return c.Status
}

// VerificationResult has the same JSON shape for every unauthentic input.
type VerificationResult struct {
	IsAuthentic    bool         `json:"is_authentic"`
	PartnerName    *string      `json:"partner_name,omitempty"`
	CoverageAmount *money.Money `json:"coverage_amount,omitempty"`
	Status         *Status      `json:"status,omitempty"`
	ExpiryDate     *time.Time   `json:"expiry_date,omitempty"`
}

func Models() []any { return []any{&Certificate{}} }
