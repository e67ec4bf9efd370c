package core

import "fmt"

// Kind is the closed error taxonomy. Only the three budget kinds are
// surfaced to callers as failures; everything else is recovered locally.
type Kind string

const (
	KindRateExceeded        Kind = "rate_exceeded"
	KindTokenBudgetExceeded Kind = "token_budget_exceeded"
	KindCostBudgetExceeded  Kind = "cost_budget_exceeded"
	KindClassifierDegraded  Kind = "classifier_degraded"
	KindCacheUnavailable    Kind = "cache_unavailable"
	KindModelTransient      Kind = "model_transient"
	KindModelPermanent      Kind = "model_permanent"
	KindTimeout             Kind = "timeout"
	KindLedgerWriteDeferred Kind = "ledger_write_deferred"
	KindLedgerWriteDropped  Kind = "ledger_write_dropped"
)

// Error is the one error type every component returns; no backend-specific
// text ever escapes past the Detail field.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// Surfaced reports whether the caller should see this as a failed request.
// Only budget refusals surface; everything else degrades silently.
func (e *Error) Surfaced() bool {
	switch e.Kind {
	case KindRateExceeded, KindTokenBudgetExceeded, KindCostBudgetExceeded:
		return true
	default:
		return false
	}
}
