package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patrol/internal/event"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestListEventsSince_FiltersAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app.ndjson", `
{"timestamp":"2026-05-01T12:00:03Z","severity":"ERROR","service":"checkout","message":"db write failed","error":{"type":"DBError","message":"connection reset"}}
{"timestamp":"2026-05-01T12:00:01Z","severity":"WARNING","service":"checkout","message":"slow query"}
{"timestamp":"2026-05-01T11:00:00Z","severity":"ERROR","service":"checkout","message":"old event"}
{"timestamp":"2026-05-01T12:00:02Z","severity":"INFO","service":"checkout","message":"request served"}
`)

	src := NewDirSource(dir, event.SeverityWarning, log.Nop())
	since := time.Date(2026, 5, 1, 11, 30, 0, 0, time.UTC)

	got, err := src.ListEventsSince(context.Background(), since)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}

	// The old event and the INFO event are filtered; the rest are sorted.
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Message != "slow query" || got[1].Message != "db write failed" {
		t.Errorf("unexpected order: %q, %q", got[0].Message, got[1].Message)
	}
	if got[1].Error.Type != "DBError" {
		t.Errorf("error type = %q, want DBError", got[1].Error.Type)
	}
}

func TestListEventsSince_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app.jsonl", `
{"timestamp":"2026-05-01T12:00:00Z","severity":"ERROR","service":"api","message":"ok line"}
{this is not json
{"severity":"ERROR","service":"api","message":"missing timestamp"}
{"timestamp":"2026-05-01T12:00:05Z","severity":"ERROR","message":"missing service"}

{"timestamp":"2026-05-01T12:00:09Z","severity":"ERROR","service":"api","message":"also ok"}
`)

	src := NewDirSource(dir, event.SeverityWarning, log.Nop())
	got, err := src.ListEventsSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (malformed lines skipped)", len(got))
	}
}

func TestListEventsSince_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "not events")
	writeFile(t, dir, "app.ndjson", `{"timestamp":"2026-05-01T12:00:00Z","severity":"ERROR","service":"api","message":"x"}`)
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource(dir, event.SeverityInfo, log.Nop())
	got, err := src.ListEventsSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}
}

func TestListEventsSince_ExcludesBoundaryTimestamp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app.ndjson", `{"timestamp":"2026-05-01T12:00:00Z","severity":"ERROR","service":"api","message":"at mark"}`)

	src := NewDirSource(dir, event.SeverityInfo, log.Nop())
	since := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := src.ListEventsSince(context.Background(), since)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	// An event exactly at the high-water mark was already processed.
	if len(got) != 0 {
		t.Errorf("got %d events, want 0", len(got))
	}
}
