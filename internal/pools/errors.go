package pools

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrPoolNotFound  = errors.New("pool not found")
	ErrPoolNotActive = errors.New("pool is not active")
)

type AdmissionKind string

const (
	KindPoolFull       AdmissionKind = "pool_full"
	KindPoolNotForming AdmissionKind = "pool_not_forming"
	KindInvalidUnit    AdmissionKind = "invalid_unit"
	KindKYCRequired    AdmissionKind = "kyc_required"
)

// AdmissionError explains why a unit was not admitted. Pool full and not
// forming are retryable against another pool.
type AdmissionError struct {
	Kind   AdmissionKind
	PoolID uuid.UUID
	Reason string
}

func (e *AdmissionError) Error() string {
	if e.PoolID != uuid.Nil {
		return fmt.Sprintf("admission rejected (%s) for pool %s: %s", e.Kind, e.PoolID, e.Reason)
	}
	return fmt.Sprintf("admission rejected (%s): %s", e.Kind, e.Reason)
}

func (e *AdmissionError) Retryable() bool {
	return e.Kind == KindPoolFull || e.Kind == KindPoolNotForming
}

func poolFull(id uuid.UUID) error {
	return &AdmissionError{Kind: KindPoolFull, PoolID: id, Reason: "no spare capacity"}
}

func invalidUnit(reason string) error {
	return &AdmissionError{Kind: KindInvalidUnit, Reason: reason}
}

// IsAdmissionKind reports whether err is an AdmissionError of the given kind.
func IsAdmissionKind(err error, kind AdmissionKind) bool {
	var ae *AdmissionError
	return errors.As(err, &ae) && ae.Kind == kind
}
