package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	var output bytes.Buffer
	rootCmd := newRootCommand()
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("tableledger %s failed: %v\n%s", strings.Join(args, " "), err, output.String())
	}
	return output.String()
}

func TestTableCreateAndDecayDryRun(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "cli.db")

	tableID := strings.TrimSpace(runCommand(t,
		"table", "create",
		"--database-path", databasePath,
		"--owner", "alice",
		"--capacity", "5",
		"--opens", "2025-09-01T18:00:00Z",
		"--closes", "2025-09-20T18:00:00Z",
	))
	if tableID == "" {
		t.Fatalf("expected a table id")
	}

	report := runCommand(t, "decay", "--database-path", databasePath, "--year", "2025", "--month", "8", "--dry-run")
	if !strings.Contains(report, "period=2025-08 dry_run=true") || !strings.Contains(report, "candidates=0") {
		t.Fatalf("unexpected decay report: %q", report)
	}
}

func TestParseOptionalTime(t *testing.T) {
	parsed, err := parseOptionalTime("")
	if err != nil || !parsed.IsZero() {
		t.Fatalf("expected zero time for empty input, got %v %v", parsed, err)
	}
	if _, err := parseOptionalTime("next friday"); err == nil {
		t.Fatalf("expected an error for a non-RFC3339 value")
	}
}
