package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/pkg/money"
)

// TreatmentStatus is the lifecycle state of a treatment plan.
type TreatmentStatus string

const (
	TreatmentQuoted     TreatmentStatus = "quoted"
	TreatmentAccepted   TreatmentStatus = "accepted"
	TreatmentInProgress TreatmentStatus = "in_progress"
	TreatmentCompleted  TreatmentStatus = "completed"
	TreatmentCancelled  TreatmentStatus = "cancelled"
)

var validTreatmentStatuses = map[TreatmentStatus]bool{
	TreatmentQuoted:     true,
	TreatmentAccepted:   true,
	TreatmentInProgress: true,
	TreatmentCompleted:  true,
	TreatmentCancelled:  true,
}

// Treatment is a clinical treatment plan with its ledger totals.
// BudgetAmount is the quoted price; InvoicedAmount and PaidAmount are running
// totals maintained exclusively by the Ledger.
type Treatment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	ClientID       uuid.UUID       `db:"client_id" json:"client_id"`
	ClinicID       *uuid.UUID      `db:"clinic_id" json:"clinic_id,omitempty"`
	DoctorID       *uuid.UUID      `db:"doctor_id" json:"doctor_id,omitempty"`
	Name           string          `db:"name" json:"name"`
	Description    *string         `db:"description" json:"description,omitempty"`
	TreatmentType  *string         `db:"treatment_type" json:"treatment_type,omitempty"`
	Status         TreatmentStatus `db:"status" json:"status"`
	BudgetAmount   decimal.Decimal `db:"budget_amount" json:"budget_amount"`
	InvoicedAmount decimal.Decimal `db:"invoiced_amount" json:"invoiced_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	AcceptedAt     *time.Time      `db:"accepted_at" json:"accepted_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// RemainingBudget is the budget headroom left for further invoicing.
// Negative when an overrun has been explicitly authorized.
func (t *Treatment) RemainingBudget() decimal.Decimal {
	return t.BudgetAmount.Sub(t.InvoicedAmount)
}

// OutstandingBalance is the invoiced amount not yet collected.
func (t *Treatment) OutstandingBalance() decimal.Decimal {
	return t.InvoicedAmount.Sub(t.PaidAmount)
}

// CheckTotals verifies the ledger invariants on the stored totals.
func (t *Treatment) CheckTotals() error {
	if t.InvoicedAmount.IsNegative() {
		return fmt.Errorf("%w: treatment %s invoiced_amount is negative (%s)",
			ErrConsistency, t.ID, t.InvoicedAmount)
	}
	if t.PaidAmount.IsNegative() {
		return fmt.Errorf("%w: treatment %s paid_amount is negative (%s)",
			ErrConsistency, t.ID, t.PaidAmount)
	}
	return nil
}

// PhaseStatus is the lifecycle state of a treatment phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseInvoiced   PhaseStatus = "invoiced"
)

// TreatmentPhase is one billable stage of a multi-phase treatment. Once
// invoiced it records the invoice that billed it.
type TreatmentPhase struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TreatmentID uuid.UUID       `db:"treatment_id" json:"treatment_id"`
	PhaseOrder  int             `db:"phase_order" json:"phase_order"`
	Name        string          `db:"name" json:"name"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Status      PhaseStatus     `db:"status" json:"status"`
	InvoiceID   *uuid.UUID      `db:"invoice_id" json:"invoice_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is an issued bill. Rectification invoices reference the invoice
// they correct and carry only the delta amounts.
type Invoice struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber      string          `db:"invoice_number" json:"invoice_number"`
	ClientID           uuid.UUID       `db:"client_id" json:"client_id"`
	TreatmentID        *uuid.UUID      `db:"treatment_id" json:"treatment_id,omitempty"`
	PhaseID            *uuid.UUID      `db:"phase_id" json:"phase_id,omitempty"`
	ClinicID           *uuid.UUID      `db:"clinic_id" json:"clinic_id,omitempty"`
	Subtotal           decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount     decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	InsuranceAmount    decimal.Decimal `db:"insurance_amount" json:"insurance_amount"`
	PaymentPercent     decimal.Decimal `db:"payment_percent" json:"payment_percent"`
	TaxRate            decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TaxAmount          decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	Total              decimal.Decimal `db:"total" json:"total"`
	PaidAmount         decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	Status             InvoiceStatus   `db:"status" json:"status"`
	IssueDate          time.Time       `db:"issue_date" json:"issue_date"`
	DueDate            *time.Time      `db:"due_date" json:"due_date,omitempty"`
	IsRectification    bool            `db:"is_rectification" json:"is_rectification"`
	RectifiedInvoiceID *uuid.UUID      `db:"rectified_invoice_id" json:"rectified_invoice_id,omitempty"`
	Notes              *string         `db:"notes" json:"notes,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Outstanding is the amount still owed on the invoice.
func (i *Invoice) Outstanding() decimal.Decimal {
	return i.Total.Sub(i.PaidAmount)
}

// IsCancelled reports whether the invoice has been cancelled.
func (i *Invoice) IsCancelled() bool {
	return i.Status == InvoiceCancelled
}

// RecomputeStatus derives the payment status from the paid amount. Cancelled
// is terminal; overdue clears only when the invoice becomes fully paid.
func (i *Invoice) RecomputeStatus() {
	if i.Status == InvoiceCancelled {
		return
	}
	switch {
	case i.Total.GreaterThan(decimal.Zero) && i.PaidAmount.GreaterThanOrEqual(i.Total):
		i.Status = InvoicePaid
	case i.PaidAmount.GreaterThan(decimal.Zero) && i.Status != InvoiceOverdue:
		i.Status = InvoicePartial
	}
}

// CheckTotals verifies total = round2(subtotal - discount + tax) and that the
// paid amount never exceeds the total.
func (i *Invoice) CheckTotals() error {
	want := money.Round2(i.Subtotal.Sub(i.DiscountAmount).Add(i.TaxAmount))
	if !i.Total.Equal(want) {
		return fmt.Errorf("%w: invoice %s total %s, computed %s",
			ErrConsistency, i.ID, i.Total, want)
	}
	if i.PaidAmount.GreaterThan(i.Total) {
		return fmt.Errorf("%w: invoice %s paid %s exceeds total %s",
			ErrConsistency, i.ID, i.PaidAmount, i.Total)
	}
	return nil
}

// InvoiceItem is one line of an invoice. Total is quantity * unit price less
// the line discount, scaled when the invoice bills a payment fraction.
type InvoiceItem struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	InvoiceID       uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Description     string          `db:"description" json:"description"`
	TreatmentType   *string         `db:"treatment_type" json:"treatment_type,omitempty"`
	Quantity        decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	Total           decimal.Decimal `db:"total" json:"total"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// PaymentMethod is how a payment was collected.
type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentTransfer  PaymentMethod = "transfer"
	PaymentBizum     PaymentMethod = "bizum"
	PaymentFinancing PaymentMethod = "financing"
	PaymentOther     PaymentMethod = "other"
)

var validPaymentMethods = map[PaymentMethod]bool{
	PaymentCash:      true,
	PaymentCard:      true,
	PaymentTransfer:  true,
	PaymentBizum:     true,
	PaymentFinancing: true,
	PaymentOther:     true,
}

// Payment is a recorded collection against an invoice. Payments are never
// deleted; cancelling an invoice keeps them for the audit trail.
type Payment struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Method      PaymentMethod   `db:"method" json:"method"`
	Reference   *string         `db:"reference" json:"reference,omitempty"`
	PaymentDate time.Time       `db:"payment_date" json:"payment_date"`
	Notes       *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Audit event types recorded for ledger-reversing operations.
const (
	EventInvoiceCancelled = "invoice.cancelled"
	EventInvoiceRectified = "invoice.rectified"
)

// AuditEvent captures a cancellation or rectification with the treatment
// totals before and after, so every reversal is reconstructable.
type AuditEvent struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	EventType        string          `db:"event_type" json:"event_type"`
	InvoiceID        uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	TreatmentID      *uuid.UUID      `db:"treatment_id" json:"treatment_id,omitempty"`
	PreviousInvoiced decimal.Decimal `db:"previous_invoiced" json:"previous_invoiced"`
	PreviousPaid     decimal.Decimal `db:"previous_paid" json:"previous_paid"`
	NewInvoiced      decimal.Decimal `db:"new_invoiced" json:"new_invoiced"`
	NewPaid          decimal.Decimal `db:"new_paid" json:"new_paid"`
	Actor            string          `db:"actor" json:"actor"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// FormatInvoiceNumber renders the sequential invoice number, e.g.
// FAC-2025-00042.
func FormatInvoiceNumber(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
}
