package netting

import (
	"errors"
	"fmt"
)

var (
	// ErrCurrencyMismatch indicates an obligation whose currency does not
	// match the graph being built.
	ErrCurrencyMismatch = errors.New("obligation currency does not match graph currency")

	// ErrNonPositiveAmount indicates an obligation with a zero or negative amount.
	ErrNonPositiveAmount = errors.New("obligation amount must be positive")

	// ErrSelfObligation indicates an obligation whose debtor and creditor are
	// the same bank.
	ErrSelfObligation = errors.New("debtor and creditor banks must differ")

	// ErrNegativeResidual indicates an edge weight went negative during cycle
	// cancellation. This is a money-conservation defect and must never be
	// corrected silently.
	ErrNegativeResidual = errors.New("negative residual edge weight after cycle cancellation")

	// ErrCycleBudgetExceeded indicates the cancellation loop ran past its
	// termination bound of one removed edge per iteration.
	ErrCycleBudgetExceeded = errors.New("cycle cancellation exceeded iteration budget")

	// ErrConservationViolated indicates the final net positions do not match
	// the per-bank exposure of the raw obligations.
	ErrConservationViolated = errors.New("net positions violate money conservation")
)

// GraphError reports a failure while constructing a single currency graph.
// It fails only that currency's processing; other currencies in the same
// window are unaffected.
type GraphError struct {
	Currency string
	Err      error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph construction failed for %s: %v", e.Currency, e.Err)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// CycleError reports a defect detected during cycle elimination. It is fatal
// for the window: the caller must mark the window failed and alert rather
// than retry, since it indicates a data or logic bug.
type CycleError struct {
	Currency string
	Err      error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle elimination failed for %s: %v", e.Currency, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
