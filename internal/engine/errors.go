package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOrderNotFound is returned when the order id is unknown to the ledger.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotCancellable is returned when the order is already terminal.
	ErrOrderNotCancellable = errors.New("order not cancellable")

	// ErrOrderNotModifiable is returned when the order is not in a state that
	// accepts modification.
	ErrOrderNotModifiable = errors.New("order not modifiable")
)

// ValidationError reports the first pre-trade check that failed. It is not
// retryable without changing the order.
type ValidationError struct {
	Check  string // name of the failed check
	Reason string // human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected by %s: %s", e.Check, e.Reason)
}

// SubmissionError wraps a gateway-side failure during order submission. The
// caller may retry by placing a new request.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("order submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TradingHaltedError is returned by every placement attempt while the kill
// switch is active.
type TradingHaltedError struct {
	Reason string
	Since  time.Time
}

func (e *TradingHaltedError) Error() string {
	return fmt.Sprintf("trading halted since %s: %s", e.Since.Format(time.RFC3339), e.Reason)
}
