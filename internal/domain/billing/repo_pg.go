package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinova/clinova/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func repoConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// mapErr translates storage-level failures into domain error kinds. Missing
// rows become ErrNotFound; lock timeouts and serialization failures become
// ErrConflict so callers can retry.
func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case db.IsLockConflict(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, what, err)
	default:
		return err
	}
}

// =========== Treatment Repository ===========

type treatmentRepoPG struct{ pool *pgxpool.Pool }

func NewTreatmentRepoPG(pool *pgxpool.Pool) TreatmentRepository {
	return &treatmentRepoPG{pool: pool}
}

func (r *treatmentRepoPG) conn(ctx context.Context) queryable { return repoConn(ctx, r.pool) }

const treatmentCols = `id, client_id, clinic_id, doctor_id, name, description, treatment_type,
	status, budget_amount, invoiced_amount, paid_amount,
	accepted_at, completed_at, created_at, updated_at`

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	err := row.Scan(&t.ID, &t.ClientID, &t.ClinicID, &t.DoctorID, &t.Name, &t.Description, &t.TreatmentType,
		&t.Status, &t.BudgetAmount, &t.InvoicedAmount, &t.PaidAmount,
		&t.AcceptedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment (id, client_id, clinic_id, doctor_id, name, description, treatment_type,
			status, budget_amount, invoiced_amount, paid_amount, accepted_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.ClientID, t.ClinicID, t.DoctorID, t.Name, t.Description, t.TreatmentType,
		t.Status, t.BudgetAmount, t.InvoicedAmount, t.PaidAmount, t.AcceptedAt, t.CompletedAt)
	return mapErr(err, "treatment")
}

func (r *treatmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	t, err := scanTreatment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+treatmentCols+` FROM treatment WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("treatment %s", id))
	}
	return t, nil
}

func (r *treatmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	t, err := scanTreatment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+treatmentCols+` FROM treatment WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("treatment %s", id))
	}
	return t, nil
}

func (r *treatmentRepoPG) Update(ctx context.Context, t *Treatment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment SET name=$2, description=$3, treatment_type=$4, status=$5,
			budget_amount=$6, accepted_at=$7, completed_at=$8, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.Description, t.TreatmentType, t.Status,
		t.BudgetAmount, t.AcceptedAt, t.CompletedAt)
	if err != nil {
		return mapErr(err, fmt.Sprintf("treatment %s", t.ID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: treatment %s", ErrNotFound, t.ID)
	}
	return nil
}

func (r *treatmentRepoPG) UpdateTotals(ctx context.Context, id uuid.UUID, invoiced, paid decimal.Decimal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment SET invoiced_amount=$2, paid_amount=$3, updated_at=NOW()
		WHERE id = $1`,
		id, invoiced, paid)
	if err != nil {
		return mapErr(err, fmt.Sprintf("treatment %s", id))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: treatment %s", ErrNotFound, id)
	}
	return nil
}

func (r *treatmentRepoPG) List(ctx context.Context, limit, offset int) ([]*Treatment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM treatment`).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "treatments")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+treatmentCols+` FROM treatment ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, mapErr(err, "treatments")
	}
	defer rows.Close()
	return collectTreatments(rows, total)
}

func (r *treatmentRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM treatment WHERE client_id = $1`, clientID).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "treatments")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+treatmentCols+` FROM treatment WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		clientID, limit, offset)
	if err != nil {
		return nil, 0, mapErr(err, "treatments")
	}
	defer rows.Close()
	return collectTreatments(rows, total)
}

func collectTreatments(rows pgx.Rows, total int) ([]*Treatment, int, error) {
	var out []*Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

const phaseCols = `id, treatment_id, phase_order, name, amount, status, invoice_id, created_at, updated_at`

func scanPhase(row pgx.Row) (*TreatmentPhase, error) {
	var p TreatmentPhase
	err := row.Scan(&p.ID, &p.TreatmentID, &p.PhaseOrder, &p.Name, &p.Amount,
		&p.Status, &p.InvoiceID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *treatmentRepoPG) AddPhase(ctx context.Context, p *TreatmentPhase) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_phase (id, treatment_id, phase_order, name, amount, status, invoice_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.TreatmentID, p.PhaseOrder, p.Name, p.Amount, p.Status, p.InvoiceID)
	return mapErr(err, "treatment phase")
}

func (r *treatmentRepoPG) GetPhase(ctx context.Context, id uuid.UUID) (*TreatmentPhase, error) {
	p, err := scanPhase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+phaseCols+` FROM treatment_phase WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("treatment phase %s", id))
	}
	return p, nil
}

func (r *treatmentRepoPG) GetPhases(ctx context.Context, treatmentID uuid.UUID) ([]*TreatmentPhase, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+phaseCols+` FROM treatment_phase WHERE treatment_id = $1 ORDER BY phase_order`, treatmentID)
	if err != nil {
		return nil, mapErr(err, "treatment phases")
	}
	defer rows.Close()

	var out []*TreatmentPhase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *treatmentRepoPG) MarkPhaseInvoiced(ctx context.Context, phaseID, invoiceID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_phase SET status=$2, invoice_id=$3, updated_at=NOW()
		WHERE id = $1`,
		phaseID, PhaseInvoiced, invoiceID)
	if err != nil {
		return mapErr(err, fmt.Sprintf("treatment phase %s", phaseID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: treatment phase %s", ErrNotFound, phaseID)
	}
	return nil
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository {
	return &invoiceRepoPG{pool: pool}
}

func (r *invoiceRepoPG) conn(ctx context.Context) queryable { return repoConn(ctx, r.pool) }

const invoiceCols = `id, invoice_number, client_id, treatment_id, phase_id, clinic_id,
	subtotal, discount_amount, insurance_amount, payment_percent, tax_rate, tax_amount,
	total, paid_amount, status, issue_date, due_date,
	is_rectification, rectified_invoice_id, notes, cancelled_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var i Invoice
	err := row.Scan(&i.ID, &i.InvoiceNumber, &i.ClientID, &i.TreatmentID, &i.PhaseID, &i.ClinicID,
		&i.Subtotal, &i.DiscountAmount, &i.InsuranceAmount, &i.PaymentPercent, &i.TaxRate, &i.TaxAmount,
		&i.Total, &i.PaidAmount, &i.Status, &i.IssueDate, &i.DueDate,
		&i.IsRectification, &i.RectifiedInvoiceID, &i.Notes, &i.CancelledAt, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice, items []*InvoiceItem) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	c := r.conn(ctx)
	_, err := c.Exec(ctx, `
		INSERT INTO invoice (id, invoice_number, client_id, treatment_id, phase_id, clinic_id,
			subtotal, discount_amount, insurance_amount, payment_percent, tax_rate, tax_amount,
			total, paid_amount, status, issue_date, due_date,
			is_rectification, rectified_invoice_id, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inv.ID, inv.InvoiceNumber, inv.ClientID, inv.TreatmentID, inv.PhaseID, inv.ClinicID,
		inv.Subtotal, inv.DiscountAmount, inv.InsuranceAmount, inv.PaymentPercent, inv.TaxRate, inv.TaxAmount,
		inv.Total, inv.PaidAmount, inv.Status, inv.IssueDate, inv.DueDate,
		inv.IsRectification, inv.RectifiedInvoiceID, inv.Notes)
	if err != nil {
		return mapErr(err, "invoice")
	}
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.InvoiceID = inv.ID
		_, err := c.Exec(ctx, `
			INSERT INTO invoice_item (id, invoice_id, description, treatment_type,
				quantity, unit_price, discount_percent, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.InvoiceID, it.Description, it.TreatmentType,
			it.Quantity, it.UnitPrice, it.DiscountPercent, it.Total)
		if err != nil {
			return mapErr(err, "invoice item")
		}
	}
	return nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("invoice %s", id))
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("invoice %s", id))
	}
	return inv, nil
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET paid_amount=$2, status=$3, due_date=$4, notes=$5,
			cancelled_at=$6, updated_at=NOW()
		WHERE id = $1`,
		inv.ID, inv.PaidAmount, inv.Status, inv.DueDate, inv.Notes, inv.CancelledAt)
	if err != nil {
		return mapErr(err, fmt.Sprintf("invoice %s", inv.ID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %s", ErrNotFound, inv.ID)
	}
	return nil
}

const itemCols = `id, invoice_id, description, treatment_type, quantity, unit_price, discount_percent, total, created_at`

func (r *invoiceRepoPG) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM invoice_item WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, mapErr(err, "invoice items")
	}
	defer rows.Close()

	var out []*InvoiceItem
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.TreatmentType,
			&it.Quantity, &it.UnitPrice, &it.DiscountPercent, &it.Total, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (r *invoiceRepoPG) List(ctx context.Context, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice`).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "invoices")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invoiceCols+` FROM invoice ORDER BY issue_date DESC, invoice_number DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, mapErr(err, "invoices")
	}
	defer rows.Close()
	return collectInvoices(rows, total)
}

func (r *invoiceRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invoice WHERE client_id = $1`, clientID).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "invoices")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE client_id = $1 ORDER BY issue_date DESC LIMIT $2 OFFSET $3`,
		clientID, limit, offset)
	if err != nil {
		return nil, 0, mapErr(err, "invoices")
	}
	defer rows.Close()
	return collectInvoices(rows, total)
}

func (r *invoiceRepoPG) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Invoice, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE treatment_id = $1 ORDER BY issue_date`, treatmentID)
	if err != nil {
		return nil, mapErr(err, "invoices")
	}
	defer rows.Close()
	out, _, err := collectInvoices(rows, 0)
	return out, err
}

func collectInvoices(rows pgx.Rows, total int) ([]*Invoice, int, error) {
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// NextNumber bumps the per-year sequence row atomically. The upsert takes a
// row lock, so two invoices composed at once serialize here and never share
// a number.
func (r *invoiceRepoPG) NextNumber(ctx context.Context, prefix string, year int) (string, error) {
	var seq int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice_sequence (year, last_value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequence.last_value + 1, updated_at = NOW()
		RETURNING last_value`, year).Scan(&seq)
	if err != nil {
		return "", mapErr(err, "invoice sequence")
	}
	return FormatInvoiceNumber(prefix, year, seq), nil
}

func (r *invoiceRepoPG) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status=$1, updated_at=NOW()
		WHERE status IN ($2, $3) AND due_date IS NOT NULL AND due_date < $4`,
		InvoiceOverdue, InvoiceSent, InvoicePartial, now)
	if err != nil {
		return 0, mapErr(err, "invoices")
	}
	return tag.RowsAffected(), nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pool: pool}
}

func (r *paymentRepoPG) conn(ctx context.Context) queryable { return repoConn(ctx, r.pool) }

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment (id, invoice_id, amount, method, reference, payment_date, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.PaymentDate, p.Notes)
	return mapErr(err, "payment")
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, payment_date, notes, created_at
		FROM payment WHERE invoice_id = $1 ORDER BY payment_date`, invoiceID)
	if err != nil {
		return nil, mapErr(err, "payments")
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method,
			&p.Reference, &p.PaymentDate, &p.Notes, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =========== Audit Event Repository ===========

type auditEventRepoPG struct{ pool *pgxpool.Pool }

func NewAuditEventRepoPG(pool *pgxpool.Pool) AuditEventRepository {
	return &auditEventRepoPG{pool: pool}
}

func (r *auditEventRepoPG) conn(ctx context.Context) queryable { return repoConn(ctx, r.pool) }

func (r *auditEventRepoPG) Record(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (id, event_type, invoice_id, treatment_id,
			previous_invoiced, previous_paid, new_invoiced, new_paid, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.EventType, ev.InvoiceID, ev.TreatmentID,
		ev.PreviousInvoiced, ev.PreviousPaid, ev.NewInvoiced, ev.NewPaid, ev.Actor)
	return mapErr(err, "audit event")
}

func (r *auditEventRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*AuditEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, event_type, invoice_id, treatment_id,
			previous_invoiced, previous_paid, new_invoiced, new_paid, actor, created_at
		FROM audit_event WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, mapErr(err, "audit events")
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.InvoiceID, &ev.TreatmentID,
			&ev.PreviousInvoiced, &ev.PreviousPaid, &ev.NewInvoiced, &ev.NewPaid,
			&ev.Actor, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
