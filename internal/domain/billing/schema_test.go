package billing

import (
	"os"
	"strings"
	"testing"
)

const coreMigration = "../../../migrations/001_billing_core.sql"

func readCoreMigration(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(coreMigration)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	return string(b)
}

func tableBody(t *testing.T, schema, table string) string {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table + " ("
	start := strings.Index(schema, marker)
	if start < 0 {
		t.Fatalf("table %s not found in migration", table)
	}
	rest := schema[start+len(marker):]
	end := strings.Index(rest, "\n);")
	if end < 0 {
		t.Fatalf("table %s has no closing paren", table)
	}
	return rest[:end]
}

func columnLine(t *testing.T, body, table, col string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == col {
			return line
		}
	}
	t.Fatalf("column %s.%s not found in migration", table, col)
	return ""
}

// Repositories name every column in their INSERTs, so a nil pointer field
// is sent as SQL NULL and column defaults never apply. Each column backing
// an optional model field must therefore be nullable.
func TestSchemaOptionalColumnsNullable(t *testing.T) {
	schema := readCoreMigration(t)

	optional := map[string][]string{
		"treatment":    {"clinic_id", "doctor_id", "description", "treatment_type", "accepted_at", "completed_at"},
		"invoice":      {"treatment_id", "phase_id", "clinic_id", "due_date", "rectified_invoice_id", "notes", "cancelled_at"},
		"invoice_item": {"treatment_type"},
		"payment":      {"reference", "notes"},
		"audit_event":  {"treatment_id"},
	}
	for table, cols := range optional {
		body := tableBody(t, schema, table)
		for _, col := range cols {
			line := columnLine(t, body, table, col)
			if strings.Contains(line, "NOT NULL") {
				t.Errorf("%s.%s declared NOT NULL, but the model field is optional", table, col)
			}
		}
	}
}

// Quantity is a decimal in the model; an integer column would reject
// fractional quantities such as 1.5.
func TestSchemaItemQuantityIsNumeric(t *testing.T) {
	schema := readCoreMigration(t)

	line := columnLine(t, tableBody(t, schema, "invoice_item"), "invoice_item", "quantity")
	if !strings.Contains(line, "NUMERIC") {
		t.Errorf("invoice_item.quantity = %q, want a NUMERIC column", strings.TrimSpace(line))
	}
}
