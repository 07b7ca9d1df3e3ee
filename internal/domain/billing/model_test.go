package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func ptrStr(s string) *string        { return &s }
func ptrTime(t time.Time) *time.Time { return &t }
func ptrUUID(u uuid.UUID) *uuid.UUID { return &u }
func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestTreatmentRemainingBudget(t *testing.T) {
	tr := Treatment{
		BudgetAmount:   d("1000"),
		InvoicedAmount: d("400"),
		PaidAmount:     d("150"),
	}
	if got := tr.RemainingBudget(); !got.Equal(d("600")) {
		t.Errorf("RemainingBudget = %s, want 600", got)
	}
	if got := tr.OutstandingBalance(); !got.Equal(d("250")) {
		t.Errorf("OutstandingBalance = %s, want 250", got)
	}
}

func TestTreatmentCheckTotals(t *testing.T) {
	ok := Treatment{ID: uuid.New(), InvoicedAmount: d("100"), PaidAmount: d("100")}
	if err := ok.CheckTotals(); err != nil {
		t.Errorf("CheckTotals = %v, want nil", err)
	}

	bad := Treatment{ID: uuid.New(), InvoicedAmount: d("-1"), PaidAmount: d("0")}
	if err := bad.CheckTotals(); !errors.Is(err, ErrConsistency) {
		t.Errorf("CheckTotals on negative invoiced = %v, want ErrConsistency", err)
	}

	bad2 := Treatment{ID: uuid.New(), InvoicedAmount: d("10"), PaidAmount: d("-5")}
	if err := bad2.CheckTotals(); !errors.Is(err, ErrConsistency) {
		t.Errorf("CheckTotals on negative paid = %v, want ErrConsistency", err)
	}
}

func TestInvoiceRecomputeStatus(t *testing.T) {
	inv := Invoice{Total: d("400"), PaidAmount: d("0"), Status: InvoiceSent}
	inv.RecomputeStatus()
	if inv.Status != InvoiceSent {
		t.Errorf("status with no payments = %s, want sent", inv.Status)
	}

	inv.PaidAmount = d("150")
	inv.RecomputeStatus()
	if inv.Status != InvoicePartial {
		t.Errorf("status after partial payment = %s, want partial", inv.Status)
	}

	inv.PaidAmount = d("400")
	inv.RecomputeStatus()
	if inv.Status != InvoicePaid {
		t.Errorf("status after full payment = %s, want paid", inv.Status)
	}
}

func TestInvoiceRecomputeStatus_OverdueSticksUntilPaid(t *testing.T) {
	inv := Invoice{Total: d("100"), PaidAmount: d("30"), Status: InvoiceOverdue}
	inv.RecomputeStatus()
	if inv.Status != InvoiceOverdue {
		t.Errorf("status after partial payment on overdue = %s, want overdue", inv.Status)
	}
	inv.PaidAmount = d("100")
	inv.RecomputeStatus()
	if inv.Status != InvoicePaid {
		t.Errorf("status after full payment on overdue = %s, want paid", inv.Status)
	}
}

func TestInvoiceRecomputeStatus_CancelledIsTerminal(t *testing.T) {
	inv := Invoice{Total: d("100"), PaidAmount: d("100"), Status: InvoiceCancelled}
	inv.RecomputeStatus()
	if inv.Status != InvoiceCancelled {
		t.Errorf("status = %s, want cancelled", inv.Status)
	}
}

func TestInvoiceCheckTotals(t *testing.T) {
	inv := Invoice{
		ID:             uuid.New(),
		Subtotal:       d("400"),
		DiscountAmount: d("0"),
		TaxAmount:      d("84"),
		Total:          d("484"),
		PaidAmount:     d("0"),
	}
	if err := inv.CheckTotals(); err != nil {
		t.Errorf("CheckTotals = %v, want nil", err)
	}

	inv.Total = d("500")
	if err := inv.CheckTotals(); !errors.Is(err, ErrConsistency) {
		t.Errorf("CheckTotals with wrong total = %v, want ErrConsistency", err)
	}

	inv.Total = d("484")
	inv.PaidAmount = d("485")
	if err := inv.CheckTotals(); !errors.Is(err, ErrConsistency) {
		t.Errorf("CheckTotals with paid above total = %v, want ErrConsistency", err)
	}
}

func TestInvoiceOutstanding(t *testing.T) {
	inv := Invoice{Total: d("400"), PaidAmount: d("150")}
	if got := inv.Outstanding(); !got.Equal(d("250")) {
		t.Errorf("Outstanding = %s, want 250", got)
	}
}

func TestFormatInvoiceNumber(t *testing.T) {
	cases := []struct {
		prefix string
		year   int
		seq    int
		want   string
	}{
		{"FAC", 2025, 1, "FAC-2025-00001"},
		{"FAC", 2025, 42, "FAC-2025-00042"},
		{"FAC", 2026, 99999, "FAC-2026-99999"},
		{"FAC", 2026, 123456, "FAC-2026-123456"},
	}
	for _, c := range cases {
		if got := FormatInvoiceNumber(c.prefix, c.year, c.seq); got != c.want {
			t.Errorf("FormatInvoiceNumber(%s, %d, %d) = %s, want %s", c.prefix, c.year, c.seq, got, c.want)
		}
	}
}

func TestValidationError(t *testing.T) {
	err := validationErr("amount", "must be greater than zero")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Field != "amount" {
		t.Errorf("Field = %s, want amount", ve.Field)
	}
}
