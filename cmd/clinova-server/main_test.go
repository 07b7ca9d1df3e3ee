package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestServeCmd(t *testing.T) {
	cmd := serveCmd()
	if cmd.Use != "serve" {
		t.Errorf("Use = %q, want %q", cmd.Use, "serve")
	}
	if cmd.RunE == nil {
		t.Error("expected RunE to be set")
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	if cmd.Use != "migrate" {
		t.Errorf("Use = %q, want %q", cmd.Use, "migrate")
	}

	want := map[string]bool{"up": false, "status": false, "down": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Use]; ok {
			want[sub.Use] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestMigrateCmd_UpFlags(t *testing.T) {
	cmd := migrateCmd()
	var upCmd *cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.Use == "up" {
			upCmd = sub
		}
	}
	if upCmd == nil {
		t.Fatal("expected up subcommand")
	}

	schema, err := upCmd.Flags().GetString("schema")
	if err != nil {
		t.Fatalf("schema flag: %v", err)
	}
	if schema != "tenant_default" {
		t.Errorf("schema default = %q, want %q", schema, "tenant_default")
	}

	dir, err := upCmd.Flags().GetString("dir")
	if err != nil {
		t.Fatalf("dir flag: %v", err)
	}
	if dir != "./migrations" {
		t.Errorf("dir default = %q, want %q", dir, "./migrations")
	}
}

func TestTenantCmd_Create(t *testing.T) {
	cmd := tenantCmd()
	if cmd.Use != "tenant" {
		t.Errorf("Use = %q, want %q", cmd.Use, "tenant")
	}

	var createCmd *cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.Use == "create" {
			createCmd = sub
		}
	}
	if createCmd == nil {
		t.Fatal("expected create subcommand")
	}

	name, err := createCmd.Flags().GetString("name")
	if err != nil {
		t.Fatalf("name flag: %v", err)
	}
	if name != "" {
		t.Errorf("name default = %q, want empty", name)
	}
}

func TestInvoicesCmd_MarkOverdue(t *testing.T) {
	cmd := invoicesCmd()
	if cmd.Use != "invoices" {
		t.Errorf("Use = %q, want %q", cmd.Use, "invoices")
	}

	var sweepCmd *cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.Use == "mark-overdue" {
			sweepCmd = sub
		}
	}
	if sweepCmd == nil {
		t.Fatal("expected mark-overdue subcommand")
	}

	tenant, err := sweepCmd.Flags().GetString("tenant")
	if err != nil {
		t.Fatalf("tenant flag: %v", err)
	}
	if tenant != "default" {
		t.Errorf("tenant default = %q, want %q", tenant, "default")
	}
}
