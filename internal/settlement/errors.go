package settlement

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"capital-pools/pool-engine/internal/cycles"
)

var ErrReportNotFound = errors.New("settlement report not found")

// SettlementError means the cycle could not be settled. Nothing was
// committed; the cycle stays processing and the request joins the retry
// queue.
type SettlementError struct {
	CycleID uuid.UUID
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement of cycle %s failed: %v", e.CycleID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Is lets callers that only know the cycles package match the failure.
func (e *SettlementError) Is(target error) bool {
	return target == cycles.ErrSettlementFailed
}
