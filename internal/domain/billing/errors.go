package billing

import (
	"errors"
	"fmt"
)

// Sentinel errors for the billing domain. Callers discriminate with
// errors.Is; handlers map them onto HTTP status codes.
var (
	// ErrNotFound reports a missing treatment, invoice or payment.
	ErrNotFound = errors.New("not found")

	// ErrBudgetExceeded reports a ledger credit that would push the
	// invoiced amount past the treatment budget without an overrun
	// override.
	ErrBudgetExceeded = errors.New("treatment budget exceeded")

	// ErrInvalidReversal reports a debit or payment reversal that would
	// drive a ledger total negative.
	ErrInvalidReversal = errors.New("invalid reversal")

	// ErrOverPayment reports a payment that would push an invoice's paid
	// amount past its total.
	ErrOverPayment = errors.New("payment exceeds outstanding balance")

	// ErrInvoiceCancelled reports an operation attempted against a
	// cancelled invoice.
	ErrInvoiceCancelled = errors.New("invoice is cancelled")

	// ErrConflict reports a row-lock timeout or serialization failure
	// caused by a concurrent writer. Safe to retry.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrConsistency reports a stored-state invariant violation detected
	// at runtime (negative totals, paid above invoiced). Indicates a bug
	// or manual data damage, never a user error.
	ErrConsistency = errors.New("consistency violation")

	// ErrInvalidInsuranceAmount reports an insurance deduction larger
	// than the invoice subtotal.
	ErrInvalidInsuranceAmount = errors.New("insurance amount exceeds subtotal")

	// ErrEmptyItemSet reports an invoice with no line items and no
	// treatment to seed one from.
	ErrEmptyItemSet = errors.New("invoice requires at least one line item")

	// ErrMissingClient reports an invoice with no resolvable client.
	ErrMissingClient = errors.New("client is required")
)

// ValidationError reports a malformed input field. It unwraps to nothing;
// match it with errors.As.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Constraint)
}

func validationErr(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}
