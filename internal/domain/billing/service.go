package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/internal/platform/db"
	"github.com/clinova/clinova/pkg/money"
)

// EventPublisher receives audit events after the owning transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, ev *AuditEvent)
}

type Service struct {
	tx         db.TxRunner
	treatments TreatmentRepository
	invoices   InvoiceRepository
	payments   PaymentRepository
	audits     AuditEventRepository
	ledger     *Ledger
	publisher  EventPublisher
	logger     zerolog.Logger

	numberPrefix string
}

func NewService(tx db.TxRunner, tr TreatmentRepository, inv InvoiceRepository, pay PaymentRepository, aud AuditEventRepository, logger zerolog.Logger, numberPrefix string) *Service {
	if numberPrefix == "" {
		numberPrefix = "FAC"
	}
	return &Service{
		tx:           tx,
		treatments:   tr,
		invoices:     inv,
		payments:     pay,
		audits:       aud,
		ledger:       NewLedger(tr),
		logger:       logger,
		numberPrefix: numberPrefix,
	}
}

// SetEventPublisher attaches an optional publisher for cancellation and
// rectification events.
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.publisher = p
}

// Ledger exposes the treatment ledger for callers that adjust totals
// directly (imports, corrections run by an operator).
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// -- Treatments --

func (s *Service) CreateTreatment(ctx context.Context, t *Treatment) error {
	if t.ClientID == uuid.Nil {
		return ErrMissingClient
	}
	if t.Name == "" {
		return validationErr("name", "is required")
	}
	if t.BudgetAmount.IsNegative() {
		return validationErr("budget_amount", "must not be negative")
	}
	if t.Status == "" {
		t.Status = TreatmentQuoted
	}
	if !validTreatmentStatuses[t.Status] {
		return validationErr("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	t.BudgetAmount = money.Round2(t.BudgetAmount)
	t.InvoicedAmount = decimal.Zero
	t.PaidAmount = decimal.Zero
	return s.treatments.Create(ctx, t)
}

func (s *Service) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.treatments.GetByID(ctx, id)
}

func (s *Service) ListTreatments(ctx context.Context, clientID *uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	if clientID != nil {
		return s.treatments.ListByClient(ctx, *clientID, limit, offset)
	}
	return s.treatments.List(ctx, limit, offset)
}

// AcceptBudget moves a quoted treatment to accepted and stamps the moment
// the client signed off on the budget.
func (s *Service) AcceptBudget(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	var out *Treatment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		t, err := s.treatments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TreatmentQuoted {
			return validationErr("status", fmt.Sprintf("cannot accept budget in status %q", t.Status))
		}
		now := time.Now().UTC()
		t.Status = TreatmentAccepted
		t.AcceptedAt = &now
		if err := s.treatments.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) AddPhase(ctx context.Context, p *TreatmentPhase) error {
	if p.TreatmentID == uuid.Nil {
		return validationErr("treatment_id", "is required")
	}
	if p.Name == "" {
		return validationErr("name", "is required")
	}
	if !p.Amount.GreaterThan(decimal.Zero) {
		return validationErr("amount", "must be greater than zero")
	}
	if p.PhaseOrder < 1 {
		return validationErr("phase_order", "must be at least 1")
	}
	if p.Status == "" {
		p.Status = PhasePending
	}
	if _, err := s.treatments.GetByID(ctx, p.TreatmentID); err != nil {
		return err
	}
	p.Amount = money.Round2(p.Amount)
	return s.treatments.AddPhase(ctx, p)
}

func (s *Service) GetPhases(ctx context.Context, treatmentID uuid.UUID) ([]*TreatmentPhase, error) {
	if _, err := s.treatments.GetByID(ctx, treatmentID); err != nil {
		return nil, err
	}
	return s.treatments.GetPhases(ctx, treatmentID)
}

// -- Invoice composition --

// ComposeLine is one requested invoice line.
type ComposeLine struct {
	Description     string          `json:"description"`
	TreatmentType   *string         `json:"treatment_type,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

// ComposeInput is the request to build an invoice. With no explicit items the
// invoice is seeded from the treatment (or phase) amount. InsuranceAmount is
// deducted before PaymentPercent scales what this invoice actually bills.
type ComposeInput struct {
	ClientID           uuid.UUID       `json:"client_id"`
	TreatmentID        *uuid.UUID      `json:"treatment_id,omitempty"`
	PhaseID            *uuid.UUID      `json:"phase_id,omitempty"`
	ClinicID           *uuid.UUID      `json:"clinic_id,omitempty"`
	Items              []ComposeLine   `json:"items"`
	InsuranceAmount    decimal.Decimal `json:"insurance_amount"`
	PaymentPercent     decimal.Decimal `json:"payment_percent"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
	AllowBudgetOverrun bool            `json:"allow_budget_overrun"`
	MarkSent           bool            `json:"mark_sent"`
}

// ComposeInvoice builds and persists an invoice, credits the treatment ledger
// and allocates the sequential number, all inside one transaction. Nothing is
// written when any step fails.
func (s *Service) ComposeInvoice(ctx context.Context, input ComposeInput) (*Invoice, []*InvoiceItem, error) {
	if input.InsuranceAmount.IsNegative() {
		return nil, nil, validationErr("insurance_amount", "must not be negative")
	}
	if input.DiscountAmount.IsNegative() {
		return nil, nil, validationErr("discount_amount", "must not be negative")
	}
	if input.TaxRate.IsNegative() || input.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, nil, validationErr("tax_rate", "must be between 0 and 100")
	}
	pct := input.PaymentPercent
	if pct.IsZero() {
		pct = decimal.NewFromInt(100)
	}
	if !money.ValidPercent(pct) {
		return nil, nil, validationErr("payment_percent", "must be between 1 and 100")
	}

	var (
		inv   *Invoice
		items []*InvoiceItem
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var treatment *Treatment
		var phase *TreatmentPhase
		var err error

		if input.TreatmentID != nil {
			treatment, err = s.treatments.GetForUpdate(ctx, *input.TreatmentID)
			if err != nil {
				return err
			}
		}
		if input.PhaseID != nil {
			if treatment == nil {
				return validationErr("phase_id", "requires treatment_id")
			}
			phase, err = s.treatments.GetPhase(ctx, *input.PhaseID)
			if err != nil {
				return err
			}
			if phase.TreatmentID != treatment.ID {
				return validationErr("phase_id", "does not belong to the treatment")
			}
			if phase.Status == PhaseInvoiced {
				return validationErr("phase_id", "phase already invoiced")
			}
		}

		clientID := input.ClientID
		if clientID == uuid.Nil {
			if treatment == nil {
				return ErrMissingClient
			}
			clientID = treatment.ClientID
		} else if treatment != nil && clientID != treatment.ClientID {
			return validationErr("client_id", "does not match the treatment's client")
		}

		lines := input.Items
		if len(lines) == 0 {
			switch {
			case phase != nil:
				lines = []ComposeLine{{
					Description: phase.Name,
					Quantity:    decimal.NewFromInt(1),
					UnitPrice:   phase.Amount,
				}}
			case treatment != nil:
				lines = []ComposeLine{{
					Description:   treatment.Name,
					TreatmentType: treatment.TreatmentType,
					Quantity:      decimal.NewFromInt(1),
					UnitPrice:     treatment.BudgetAmount,
				}}
			default:
				return ErrEmptyItemSet
			}
		}

		items, err = buildItems(lines)
		if err != nil {
			return err
		}
		gross := itemSum(items)

		if input.InsuranceAmount.GreaterThan(gross) {
			return fmt.Errorf("%w: insurance %s, subtotal %s",
				ErrInvalidInsuranceAmount, input.InsuranceAmount, gross)
		}
		if input.InsuranceAmount.GreaterThan(decimal.Zero) {
			items = append(items, &InvoiceItem{
				ID:          uuid.New(),
				Description: "Insurance coverage",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   input.InsuranceAmount.Neg(),
				Total:       money.Round2(input.InsuranceAmount.Neg()),
			})
		}

		billable := money.ApplyPercent(gross.Sub(input.InsuranceAmount), pct)
		scaleItems(items, pct, billable)

		subtotal := billable
		if input.DiscountAmount.GreaterThan(subtotal) {
			return validationErr("discount_amount", "exceeds subtotal")
		}
		taxAmount := money.ApplyPercent(subtotal.Sub(input.DiscountAmount), input.TaxRate)
		total := money.Round2(subtotal.Sub(input.DiscountAmount).Add(taxAmount))

		issueDate := time.Now().UTC()
		number, err := s.invoices.NextNumber(ctx, s.numberPrefix, issueDate.Year())
		if err != nil {
			return err
		}

		if treatment != nil && total.GreaterThan(decimal.Zero) {
			if _, err := s.ledger.Credit(ctx, treatment.ID, total, input.AllowBudgetOverrun); err != nil {
				return err
			}
		}

		status := InvoiceDraft
		if input.MarkSent {
			status = InvoiceSent
		}
		inv = &Invoice{
			ID:              uuid.New(),
			InvoiceNumber:   number,
			ClientID:        clientID,
			TreatmentID:     input.TreatmentID,
			PhaseID:         input.PhaseID,
			ClinicID:        input.ClinicID,
			Subtotal:        subtotal,
			DiscountAmount:  money.Round2(input.DiscountAmount),
			InsuranceAmount: money.Round2(input.InsuranceAmount),
			PaymentPercent:  pct,
			TaxRate:         input.TaxRate,
			TaxAmount:       taxAmount,
			Total:           total,
			PaidAmount:      decimal.Zero,
			Status:          status,
			IssueDate:       issueDate,
			DueDate:         input.DueDate,
			Notes:           input.Notes,
		}
		if err := inv.CheckTotals(); err != nil {
			return err
		}
		for _, it := range items {
			it.InvoiceID = inv.ID
		}
		if err := s.invoices.Create(ctx, inv, items); err != nil {
			return err
		}
		if phase != nil {
			if err := s.treatments.MarkPhaseInvoiced(ctx, phase.ID, inv.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inv, items, nil
}

// buildItems validates the requested lines and computes per-line totals.
func buildItems(lines []ComposeLine) ([]*InvoiceItem, error) {
	items := make([]*InvoiceItem, 0, len(lines))
	for idx, line := range lines {
		if line.Description == "" {
			return nil, validationErr(fmt.Sprintf("items[%d].description", idx), "is required")
		}
		if !line.Quantity.GreaterThan(decimal.Zero) {
			return nil, validationErr(fmt.Sprintf("items[%d].quantity", idx), "must be greater than zero")
		}
		if line.DiscountPercent.IsNegative() || line.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, validationErr(fmt.Sprintf("items[%d].discount_percent", idx), "must be between 0 and 100")
		}
		items = append(items, &InvoiceItem{
			ID:              uuid.New(),
			Description:     line.Description,
			TreatmentType:   line.TreatmentType,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
			Total:           money.LineTotal(line.Quantity, line.UnitPrice, line.DiscountPercent),
		})
	}
	return items, nil
}

func itemSum(items []*InvoiceItem) decimal.Decimal {
	totals := make([]decimal.Decimal, len(items))
	for i, it := range items {
		totals[i] = it.Total
	}
	return money.Sum(totals...)
}

// scaleItems applies the payment percentage to every line and pins the sum of
// line totals to the billable amount, pushing any rounding drift into the
// last line.
func scaleItems(items []*InvoiceItem, pct, billable decimal.Decimal) {
	if len(items) == 0 {
		return
	}
	if pct.Equal(decimal.NewFromInt(100)) {
		return
	}
	running := decimal.Zero
	for i, it := range items {
		if i == len(items)-1 {
			it.Total = billable.Sub(running)
			break
		}
		it.Total = money.ApplyPercent(it.Total, pct)
		running = running.Add(it.Total)
	}
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) GetInvoiceItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.invoices.GetItems(ctx, invoiceID)
}

func (s *Service) ListInvoices(ctx context.Context, clientID *uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	if clientID != nil {
		return s.invoices.ListByClient(ctx, *clientID, limit, offset)
	}
	return s.invoices.List(ctx, limit, offset)
}

func (s *Service) ListInvoicesByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Invoice, error) {
	return s.invoices.ListByTreatment(ctx, treatmentID)
}

// -- Payments --

// ApplyPayment records a collection against an invoice and propagates it to
// the treatment ledger in the same transaction.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, p *Payment) (*Invoice, error) {
	if !p.Amount.GreaterThan(decimal.Zero) {
		return nil, validationErr("amount", "must be greater than zero")
	}
	if p.Method == "" {
		p.Method = PaymentOther
	}
	if !validPaymentMethods[p.Method] {
		return nil, validationErr("method", fmt.Sprintf("unknown payment method %q", p.Method))
	}
	p.Amount = money.Round2(p.Amount)
	if p.PaymentDate.IsZero() {
		p.PaymentDate = time.Now().UTC()
	}

	var inv *Invoice
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsCancelled() {
			return fmt.Errorf("%w: invoice %s", ErrInvoiceCancelled, inv.InvoiceNumber)
		}

		newPaid := inv.PaidAmount.Add(p.Amount)
		if newPaid.GreaterThan(inv.Total) {
			return fmt.Errorf("%w: payment %s, outstanding %s",
				ErrOverPayment, p.Amount, inv.Outstanding())
		}

		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.InvoiceID = invoiceID
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}

		inv.PaidAmount = newPaid
		inv.RecomputeStatus()
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}

		if inv.TreatmentID != nil {
			if _, err := s.ledger.RecordPayment(ctx, *inv.TreatmentID, p.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.payments.ListByInvoice(ctx, invoiceID)
}

// -- Cancellation --

// CancelInvoice reverses the invoice's ledger contributions exactly once and
// marks it cancelled. Cancelling an already-cancelled invoice is a no-op.
// The payment rows stay untouched for the audit trail.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID, actor string) (*Invoice, error) {
	var (
		inv *Invoice
		ev  *AuditEvent
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.IsCancelled() {
			return nil
		}

		prev := Totals{}
		next := Totals{}
		if inv.TreatmentID != nil {
			t, err := s.treatments.GetForUpdate(ctx, *inv.TreatmentID)
			if err != nil {
				return err
			}
			prev = Totals{Invoiced: t.InvoicedAmount, Paid: t.PaidAmount}
			next = prev

			// Reverse the paid contribution before the invoiced one
			// so paid never exceeds invoiced mid-flight.
			if inv.PaidAmount.GreaterThan(decimal.Zero) {
				totals, err := s.ledger.ReversePayment(ctx, t.ID, inv.PaidAmount)
				if err != nil {
					return err
				}
				next = *totals
			}
			if inv.Total.GreaterThan(decimal.Zero) {
				totals, err := s.ledger.Debit(ctx, t.ID, inv.Total)
				if err != nil {
					return err
				}
				next = *totals
			}
		}

		now := time.Now().UTC()
		inv.Status = InvoiceCancelled
		inv.CancelledAt = &now
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}

		ev = &AuditEvent{
			ID:               uuid.New(),
			EventType:        EventInvoiceCancelled,
			InvoiceID:        inv.ID,
			TreatmentID:      inv.TreatmentID,
			PreviousInvoiced: prev.Invoiced,
			PreviousPaid:     prev.Paid,
			NewInvoiced:      next.Invoiced,
			NewPaid:          next.Paid,
			Actor:            actor,
		}
		return s.audits.Record(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		s.logger.Info().
			Str("invoice_id", inv.ID.String()).
			Str("invoice_number", inv.InvoiceNumber).
			Str("actor", actor).
			Msg("invoice cancelled")
		if s.publisher != nil {
			s.publisher.Publish(ctx, ev)
		}
	}
	return inv, nil
}

// -- Rectification --

// RectifyInput carries the correcting lines for a rectification invoice.
// Line unit prices may be negative to reduce a previously billed charge.
type RectifyInput struct {
	Items              []ComposeLine `json:"items"`
	Reason             *string       `json:"reason,omitempty"`
	AllowBudgetOverrun bool          `json:"allow_budget_overrun"`
	MarkSent           bool          `json:"mark_sent"`
}

// RectifyInvoice issues a new invoice holding only the delta against the
// original, which stays untouched. The treatment ledger moves by the delta.
func (s *Service) RectifyInvoice(ctx context.Context, originalID uuid.UUID, input RectifyInput, actor string) (*Invoice, []*InvoiceItem, error) {
	if len(input.Items) == 0 {
		return nil, nil, ErrEmptyItemSet
	}

	var (
		inv   *Invoice
		items []*InvoiceItem
		ev    *AuditEvent
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		orig, err := s.invoices.GetForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		if orig.IsCancelled() {
			return fmt.Errorf("%w: cannot rectify cancelled invoice %s",
				ErrInvoiceCancelled, orig.InvoiceNumber)
		}

		items, err = buildItems(input.Items)
		if err != nil {
			return err
		}
		subtotal := itemSum(items)
		if subtotal.IsZero() {
			return validationErr("items", "corrections must change the total")
		}

		taxAmount := money.ApplyPercent(subtotal, orig.TaxRate)
		total := money.Round2(subtotal.Add(taxAmount))

		issueDate := time.Now().UTC()
		number, err := s.invoices.NextNumber(ctx, s.numberPrefix, issueDate.Year())
		if err != nil {
			return err
		}

		prev := Totals{}
		next := Totals{}
		if orig.TreatmentID != nil {
			t, err := s.treatments.GetForUpdate(ctx, *orig.TreatmentID)
			if err != nil {
				return err
			}
			prev = Totals{Invoiced: t.InvoicedAmount, Paid: t.PaidAmount}

			var totals *Totals
			if total.GreaterThan(decimal.Zero) {
				totals, err = s.ledger.Credit(ctx, t.ID, total, input.AllowBudgetOverrun)
			} else {
				totals, err = s.ledger.Debit(ctx, t.ID, total.Neg())
			}
			if err != nil {
				return err
			}
			next = *totals
		}

		status := InvoiceDraft
		if input.MarkSent {
			status = InvoiceSent
		}
		inv = &Invoice{
			ID:                 uuid.New(),
			InvoiceNumber:      number,
			ClientID:           orig.ClientID,
			TreatmentID:        orig.TreatmentID,
			ClinicID:           orig.ClinicID,
			Subtotal:           subtotal,
			DiscountAmount:     decimal.Zero,
			InsuranceAmount:    decimal.Zero,
			PaymentPercent:     decimal.NewFromInt(100),
			TaxRate:            orig.TaxRate,
			TaxAmount:          taxAmount,
			Total:              total,
			PaidAmount:         decimal.Zero,
			Status:             status,
			IssueDate:          issueDate,
			IsRectification:    true,
			RectifiedInvoiceID: &orig.ID,
			Notes:              input.Reason,
		}
		if err := inv.CheckTotals(); err != nil {
			return err
		}
		for _, it := range items {
			it.InvoiceID = inv.ID
		}
		if err := s.invoices.Create(ctx, inv, items); err != nil {
			return err
		}

		ev = &AuditEvent{
			ID:               uuid.New(),
			EventType:        EventInvoiceRectified,
			InvoiceID:        inv.ID,
			TreatmentID:      orig.TreatmentID,
			PreviousInvoiced: prev.Invoiced,
			PreviousPaid:     prev.Paid,
			NewInvoiced:      next.Invoiced,
			NewPaid:          next.Paid,
			Actor:            actor,
		}
		return s.audits.Record(ctx, ev)
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("rectifies", originalID.String()).
		Str("total", inv.Total.String()).
		Str("actor", actor).
		Msg("rectification invoice issued")
	if s.publisher != nil {
		s.publisher.Publish(ctx, ev)
	}
	return inv, items, nil
}

// -- Overdue sweep --

// MarkOverdueInvoices flips every sent or partially paid invoice whose due
// date has passed to overdue. Invoked from the CLI, not a background loop.
func (s *Service) MarkOverdueInvoices(ctx context.Context, now time.Time) (int64, error) {
	return s.invoices.MarkOverdue(ctx, now)
}

// -- Audit --

func (s *Service) ListAuditEvents(ctx context.Context, invoiceID uuid.UUID) ([]*AuditEvent, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.audits.ListByInvoice(ctx, invoiceID)
}
