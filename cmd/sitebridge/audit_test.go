package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/floegence/sitebridge/internal/auditlog"
)

func TestPrintAuditEntries(t *testing.T) {
	t.Parallel()

	store, err := auditlog.New(auditlog.Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	store.Append(auditlog.Entry{Action: auditlog.ActionConnectionOpened, Site: "https://studio.example.com"})
	store.Append(auditlog.Entry{Action: auditlog.ActionConnectionRefused, Status: "failure", UserID: 7, Reason: "user_mismatch"})
	entries, err := store.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	var table bytes.Buffer
	if err := printAuditEntries(&table, entries, false); err != nil {
		t.Fatalf("printAuditEntries: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(table.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "TIME") {
		t.Fatalf("table = %q", table.String())
	}
	if !strings.Contains(lines[1], "connection_refused") || !strings.Contains(lines[1], "reason=user_mismatch user=7") {
		t.Fatalf("newest entry = %q", lines[1])
	}
	if !strings.Contains(lines[2], "https://studio.example.com") {
		t.Fatalf("oldest entry = %q", lines[2])
	}

	var jsonl bytes.Buffer
	if err := printAuditEntries(&jsonl, entries, true); err != nil {
		t.Fatalf("printAuditEntries json: %v", err)
	}
	var first auditlog.Entry
	if err := json.Unmarshal([]byte(strings.SplitN(jsonl.String(), "\n", 2)[0]), &first); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if first.Action != auditlog.ActionConnectionRefused {
		t.Fatalf("first json entry = %+v", first)
	}

	var empty bytes.Buffer
	if err := printAuditEntries(&empty, nil, false); err != nil || !strings.Contains(empty.String(), "No audit entries") {
		t.Fatalf("empty = %q, %v", empty.String(), err)
	}
}
