package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx from empty context, got %v", tx)
	}
}

func TestIsLockConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped lock timeout", fmt.Errorf("query: %w", &pgconn.PgError{Code: "55P03"}), true},
	}
	for _, c := range cases {
		if got := IsLockConflict(c.err); got != c.want {
			t.Errorf("IsLockConflict(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSchemaForTenant(t *testing.T) {
	if got := SchemaForTenant("clinic_madrid"); got != "tenant_clinic_madrid" {
		t.Errorf("SchemaForTenant = %s, want tenant_clinic_madrid", got)
	}
}
