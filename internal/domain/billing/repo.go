package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TreatmentRepository interface {
	Create(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	// GetForUpdate locks the treatment row for the duration of the
	// surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Treatment, error)
	Update(ctx context.Context, t *Treatment) error
	UpdateTotals(ctx context.Context, id uuid.UUID, invoiced, paid decimal.Decimal) error
	List(ctx context.Context, limit, offset int) ([]*Treatment, int, error)
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Treatment, int, error)
	// Phases
	AddPhase(ctx context.Context, p *TreatmentPhase) error
	GetPhase(ctx context.Context, id uuid.UUID) (*TreatmentPhase, error)
	GetPhases(ctx context.Context, treatmentID uuid.UUID) ([]*TreatmentPhase, error)
	MarkPhaseInvoiced(ctx context.Context, phaseID, invoiceID uuid.UUID) error
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice, items []*InvoiceItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate locks the invoice row for the duration of the
	// surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error)
	List(ctx context.Context, limit, offset int) ([]*Invoice, int, error)
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Invoice, error)
	// NextNumber allocates the next sequential invoice number for the
	// given year within the tenant schema.
	NextNumber(ctx context.Context, prefix string, year int) (string, error)
	// MarkOverdue flips sent/partial invoices past their due date to
	// overdue and returns how many rows changed.
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

type AuditEventRepository interface {
	Record(ctx context.Context, ev *AuditEvent) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*AuditEvent, error)
}
