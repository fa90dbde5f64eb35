package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeSQLiteConfig writes a config using a sqlite file under a temp dir
// and returns its path.
func writeSQLiteConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := `server:
  env: production
database:
  driver: sqlite
  name: ` + filepath.Join(dir, "gsb.db") + `
storage:
  dir: ` + filepath.Join(dir, "uploads") + `
log:
  level: error
handlers:
  - id: h-alice
    name: Alice
    department: support
  - id: h-bob
    name: Bob
` + extra
	path := filepath.Join(dir, "gsb.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("expected help to list 'migrate' subcommand, got: %s", out)
	}
}

func TestDBMigrateCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "migrate", "--help")
	if err != nil {
		t.Fatalf("db migrate --help failed: %v", err)
	}
	if !strings.Contains(out, "--config") {
		t.Errorf("expected help to mention '--config' flag, got: %s", out)
	}
	if !strings.Contains(out, "gsb.yaml") {
		t.Errorf("expected default config path 'gsb.yaml', got: %s", out)
	}
}

func TestDBMigrateCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "db", "migrate", "--config", "/nonexistent/gsb.yaml")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected 'load config' error, got: %v", err)
	}
}

func TestDBMigrateCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gsb.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := runCmd(t, "db", "migrate", "-c", path)
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "oracle") {
		t.Errorf("expected error to name the driver, got: %v", err)
	}
}

func TestDBMigrateCmd_SQLite(t *testing.T) {
	path := writeSQLiteConfig(t, "")

	out, err := runCmd(t, "db", "migrate", "-c", path)
	if err != nil {
		t.Fatalf("db migrate failed: %v", err)
	}
	for _, want := range []string{"(sqlite)", "Migrated 4 tables", "Seeded 2 handlers"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
	if strings.Contains(out, "Database gsb ready") {
		t.Errorf("sqlite should not create a database, got: %s", out)
	}

	// Migrating twice is safe.
	if _, err := runCmd(t, "db", "migrate", "-c", path); err != nil {
		t.Fatalf("second db migrate failed: %v", err)
	}
}
