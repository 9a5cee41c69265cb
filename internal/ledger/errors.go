package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"capital-pools/pool-engine/pkg/money"
)

var (
	ErrUnitNotFound      = errors.New("unit not found")
	ErrInvalidPrincipal  = errors.New("principal must be positive")
	ErrInvalidProfitMode = errors.New("profit mode must be compounding or payout")
)

// NegativeResultError is returned when a delta would take a unit's value
// below zero.
type NegativeResultError struct {
	UnitID uuid.UUID
	Value  money.Money
	Delta  money.Money
}

func (e *NegativeResultError) Error() string {
	return fmt.Sprintf("unit %s: applying %d to value %d would go negative", e.UnitID, e.Delta, e.Value)
}
