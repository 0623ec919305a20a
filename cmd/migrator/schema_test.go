package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aegis/migrations"
)

func TestMigrationsFS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "900_local.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	migs, err := loadMigrations(migrationsFS(dir))
	if err != nil || len(migs) != 1 || migs[0].name != "900_local.sql" {
		t.Fatalf("unexpected dir migrations %+v err=%v", migs, err)
	}
	embedded, err := loadMigrations(migrationsFS(""))
	if err != nil || len(embedded) == 0 || embedded[0].name != "001_init.sql" {
		t.Fatalf("unexpected embedded migrations %+v err=%v", embedded, err)
	}
}

func TestShippedSchemaCoversRepositories(t *testing.T) {
	raw, err := fs.ReadFile(migrations.Files, "001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	schema := string(raw)
	for _, table := range []string{
		"registration_keys", "devices", "policies", "policy_rules", "device_rebinding_logs",
		"policy_violations", "fraud_reports", "user_device_bindings", "identity_profiles",
	} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("schema missing table %s", table)
		}
	}
	if !strings.Contains(schema, "ON registration_keys (client_id) WHERE is_active") {
		t.Error("schema must keep one active key per client")
	}
}
