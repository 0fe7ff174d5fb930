// Package ingest discovers raw log events for the pipeline to analyze.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patrol/internal/event"
)

// Source yields events newer than a given high-water mark, ordered by
// timestamp. Implementations must be safe to call repeatedly with the
// same mark.
type Source interface {
	ListEventsSince(ctx context.Context, since time.Time) ([]event.RawLogEvent, error)
}

// DirSource reads NDJSON event files (*.ndjson, *.jsonl) from a
// directory. Malformed lines are logged and skipped, never fatal:
// one bad producer must not stall the whole pipeline.
type DirSource struct {
	dir         string
	minSeverity event.Severity
	logger      log.Logger
}

// NewDirSource creates a DirSource over dir, keeping only events at or
// above minSeverity.
func NewDirSource(dir string, minSeverity event.Severity, logger log.Logger) *DirSource {
	return &DirSource{dir: dir, minSeverity: minSeverity, logger: logger}
}

// ListEventsSince implements Source.
func (s *DirSource) ListEventsSince(ctx context.Context, since time.Time) ([]event.RawLogEvent, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read events dir: %w", err)
	}

	var events []event.RawLogEvent
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".ndjson") && !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		evs, err := s.readFile(ctx, filepath.Join(s.dir, name), since)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *DirSource) readFile(ctx context.Context, path string, since time.Time) ([]event.RawLogEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var events []event.RawLogEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev event.RawLogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn(ctx, "skipping malformed event line",
				"file", path,
				"line", lineNo,
				"error", err.Error(),
			)
			continue
		}
		if ev.Timestamp.IsZero() || ev.Service == "" {
			s.logger.Warn(ctx, "skipping event missing timestamp or service",
				"file", path,
				"line", lineNo,
			)
			continue
		}
		if !ev.Timestamp.After(since) {
			continue
		}
		if ev.Severity < s.minSeverity {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return events, nil
}
