package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Totals is a snapshot of a treatment's ledger amounts.
type Totals struct {
	Invoiced decimal.Decimal `json:"invoiced"`
	Paid     decimal.Decimal `json:"paid"`
}

// Ledger owns the invoiced_amount and paid_amount running totals on
// treatments. Every mutation locks the treatment row first, so concurrent
// writers serialize on it; callers are expected to run ledger operations
// inside a transaction.
type Ledger struct {
	treatments TreatmentRepository
}

func NewLedger(treatments TreatmentRepository) *Ledger {
	return &Ledger{treatments: treatments}
}

// Credit adds an invoiced contribution to the treatment. The credit is
// rejected with ErrBudgetExceeded when it would push the invoiced amount past
// the budget, unless allowOverrun is set.
func (l *Ledger) Credit(ctx context.Context, treatmentID uuid.UUID, amount decimal.Decimal, allowOverrun bool) (*Totals, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, validationErr("amount", "must be greater than zero")
	}

	t, err := l.treatments.GetForUpdate(ctx, treatmentID)
	if err != nil {
		return nil, err
	}

	newInvoiced := t.InvoicedAmount.Add(amount)
	if newInvoiced.GreaterThan(t.BudgetAmount) && !allowOverrun {
		return nil, fmt.Errorf("%w: budget %s, invoiced %s, credit %s",
			ErrBudgetExceeded, t.BudgetAmount, t.InvoicedAmount, amount)
	}

	if err := l.treatments.UpdateTotals(ctx, treatmentID, newInvoiced, t.PaidAmount); err != nil {
		return nil, err
	}
	return &Totals{Invoiced: newInvoiced, Paid: t.PaidAmount}, nil
}

// Debit removes an invoiced contribution, used when an invoice is cancelled
// or rectified downward. A debit that would drive the invoiced amount below
// zero is rejected with ErrInvalidReversal.
func (l *Ledger) Debit(ctx context.Context, treatmentID uuid.UUID, amount decimal.Decimal) (*Totals, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, validationErr("amount", "must be greater than zero")
	}

	t, err := l.treatments.GetForUpdate(ctx, treatmentID)
	if err != nil {
		return nil, err
	}

	newInvoiced := t.InvoicedAmount.Sub(amount)
	if newInvoiced.IsNegative() {
		return nil, fmt.Errorf("%w: debit %s exceeds invoiced %s",
			ErrInvalidReversal, amount, t.InvoicedAmount)
	}

	if err := l.treatments.UpdateTotals(ctx, treatmentID, newInvoiced, t.PaidAmount); err != nil {
		return nil, err
	}
	return &Totals{Invoiced: newInvoiced, Paid: t.PaidAmount}, nil
}

// RecordPayment adds a collected amount. Payments above the invoiced amount
// indicate a missed invoice-level overpayment check and surface as
// ErrConsistency.
func (l *Ledger) RecordPayment(ctx context.Context, treatmentID uuid.UUID, amount decimal.Decimal) (*Totals, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, validationErr("amount", "must be greater than zero")
	}

	t, err := l.treatments.GetForUpdate(ctx, treatmentID)
	if err != nil {
		return nil, err
	}

	newPaid := t.PaidAmount.Add(amount)
	if newPaid.GreaterThan(t.InvoicedAmount) {
		return nil, fmt.Errorf("%w: payment would raise paid to %s above invoiced %s on treatment %s",
			ErrConsistency, newPaid, t.InvoicedAmount, treatmentID)
	}

	if err := l.treatments.UpdateTotals(ctx, treatmentID, t.InvoicedAmount, newPaid); err != nil {
		return nil, err
	}
	return &Totals{Invoiced: t.InvoicedAmount, Paid: newPaid}, nil
}

// ReversePayment removes a collected amount, used on cancellation. Rejected
// with ErrInvalidReversal when it would drive the paid amount negative.
func (l *Ledger) ReversePayment(ctx context.Context, treatmentID uuid.UUID, amount decimal.Decimal) (*Totals, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, validationErr("amount", "must be greater than zero")
	}

	t, err := l.treatments.GetForUpdate(ctx, treatmentID)
	if err != nil {
		return nil, err
	}

	newPaid := t.PaidAmount.Sub(amount)
	if newPaid.IsNegative() {
		return nil, fmt.Errorf("%w: reversal %s exceeds paid %s",
			ErrInvalidReversal, amount, t.PaidAmount)
	}

	if err := l.treatments.UpdateTotals(ctx, treatmentID, t.InvoicedAmount, newPaid); err != nil {
		return nil, err
	}
	return &Totals{Invoiced: t.InvoicedAmount, Paid: newPaid}, nil
}
