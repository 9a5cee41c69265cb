package cycles

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrCycleNotFound      = errors.New("cycle not found")
	ErrPoolNotReady       = errors.New("pool is not ready for a new cycle")
	ErrNoParticipants     = errors.New("pool has no active units to trade")
	ErrMaxCyclesReached   = errors.New("pool has completed its maximum number of cycles")
	ErrInvalidCompletion  = errors.New("sale price and trading costs must not be negative")
	ErrInvalidSchedule    = errors.New("purchase price and target rate must be positive")
	ErrSettlementFailed   = errors.New("settlement failed")
	ErrRequestNotFound    = errors.New("no completion request for cycle")
	ErrSettlerUnavailable = errors.New("no settlement engine configured")
)

// TransitionError is an out-of-order or premature lifecycle trigger.
// Duplicate triggers never produce one.
type TransitionError struct {
	CycleID uuid.UUID
	From    Status
	To      Status
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cycle %s cannot move from %s to %s", e.CycleID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// OpenCycleError rejects an explicit schedule request for a pool whose
// current cycle has not completed.
type OpenCycleError struct {
	PoolID  uuid.UUID
	CycleID uuid.UUID
	Status  Status
}

func (e *OpenCycleError) Error() string {
	return fmt.Sprintf("pool %s already has %s cycle %s", e.PoolID, e.Status, e.CycleID)
}
