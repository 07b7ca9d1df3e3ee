package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/clinova/clinova/internal/platform/auth"
	"github.com/clinova/clinova/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"sql"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "invoiced-by-month",
		Name:        "Invoiced by Month",
		Description: "Total invoiced amount per month, excluding cancelled invoices",
		SQL:         `SELECT to_char(issue_date, 'YYYY-MM') AS month, COUNT(*) AS invoice_count, COALESCE(SUM(total), 0) AS total_invoiced FROM invoice WHERE status <> 'cancelled' GROUP BY 1 ORDER BY 1 DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "collected-by-month",
		Name:        "Collected by Month",
		Description: "Net payments received per month, reversals counted as negative amounts",
		SQL:         `SELECT to_char(payment_date, 'YYYY-MM') AS month, COUNT(*) AS payment_count, COALESCE(SUM(amount), 0) AS total_collected FROM payment GROUP BY 1 ORDER BY 1 DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "invoice-status-summary",
		Name:        "Invoice Status Summary",
		Description: "Count and total amount of invoices grouped by status",
		SQL:         `SELECT status, COUNT(*) AS total, COALESCE(SUM(total), 0) AS amount FROM invoice GROUP BY status ORDER BY total DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "outstanding-by-treatment",
		Name:        "Outstanding Balance by Treatment",
		Description: "Treatments with an invoiced amount not yet fully collected",
		SQL:         `SELECT t.id AS treatment_id, t.name, t.invoiced_amount, t.paid_amount, t.invoiced_amount - t.paid_amount AS outstanding FROM treatment t WHERE t.invoiced_amount > t.paid_amount ORDER BY outstanding DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "treatment-budget-consumption",
		Name:        "Treatment Budget Consumption",
		Description: "Budgeted versus invoiced amount per in-progress treatment",
		SQL:         `SELECT t.id AS treatment_id, t.name, t.budget_amount, t.invoiced_amount, CASE WHEN t.budget_amount > 0 THEN round(t.invoiced_amount / t.budget_amount * 100, 1) ELSE 0 END AS consumed_pct FROM treatment t WHERE t.status IN ('accepted', 'in_progress') ORDER BY consumed_pct DESC`,
		Parameters:  []string{},
	},
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool *pgxpool.Pool
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("admin", "billing"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measureID := c.Param("id")

	measure := FindMeasure(measureID)
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	// Collect parameters from query string
	params := map[string]string{}
	for _, p := range measure.Parameters {
		if v := c.QueryParam(p); v != "" {
			params[p] = v
		}
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	report := MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now(),
		Results:     results,
		Parameters:  params,
	}

	return c.JSON(http.StatusOK, report)
}

// executeSQL runs a SQL query and returns results as a slice of maps.
// When the request carries a tenant connection, that connection is used so
// the query runs against the tenant's schema.
func (h *Handler) executeSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	q := queryerFor(ctx, h.pool)
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var results []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[string(fd.Name)] = values[i]
		}
		results = append(results, row)
	}

	if results == nil {
		results = []map[string]interface{}{}
	}

	return results, nil
}

// queryer is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryerFor(ctx context.Context, pool *pgxpool.Pool) queryer {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return pool
}

// FindMeasure looks up a measure by ID, useful for testing.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
