package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// TestRecordArchiveConcurrent tests concurrent RecordArchive calls for race conditions.
func TestRecordArchiveConcurrent(t *testing.T) {
	rs := NewRunStats("run-1")
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				rs.RecordArchive(false, 2, 1, 0, 0)
				rs.RecordArchive(true, 0, 0, 0, 0)
			}
		}()
	}
	wg.Wait()

	c := rs.Snapshot().Counters
	total := int64(numGoroutines * recordsPerGoroutine)
	if c.ArchivesSeen != 2*total {
		t.Errorf("expected %d archives seen, got %d", 2*total, c.ArchivesSeen)
	}
	if c.ArchivesSkipped != total || c.ArchivesIngested != total {
		t.Errorf("expected %d skipped and ingested, got %d and %d", total, c.ArchivesSkipped, c.ArchivesIngested)
	}
	if c.EventsInserted != 2*total || c.EventsExisting != total {
		t.Errorf("event totals mismatch: %+v", c)
	}
}

// TestSkippedArchiveIgnoresEventCounts tests that skipped archives only bump the skip counter.
func TestSkippedArchiveIgnoresEventCounts(t *testing.T) {
	rs := NewRunStats("run-1")
	rs.RecordArchive(true, 5, 5, 5, 5)

	c := rs.Snapshot().Counters
	if c.EventsInserted != 0 || c.EventsExisting != 0 || c.ArchivesIngested != 0 {
		t.Errorf("skipped archive should not add event counts: %+v", c)
	}
}

// TestRecordPassAccumulates tests that repeated passes with the same name add up.
func TestRecordPassAccumulates(t *testing.T) {
	rs := NewRunStats("run-1")
	rs.RecordPass("rectification", 3, 1, 2, 0)
	rs.RecordPass("exclusion", 4, 4, 0, 0)
	rs.RecordPass("exclusion", 2, 1, 1, 0)

	passes := rs.Snapshot().Passes
	if len(passes) != 2 {
		t.Fatalf("expected 2 passes, got %d", len(passes))
	}
	if passes[0].Pass != "exclusion" || passes[0].Candidates != 6 || passes[0].Linked != 5 {
		t.Errorf("exclusion totals mismatch: %+v", passes[0])
	}
	if passes[1].Pass != "rectification" || passes[1].Unmatched != 2 {
		t.Errorf("rectification totals mismatch: %+v", passes[1])
	}
}

// TestTopFailuresOrdering tests that TopFailures is sorted by count.
func TestTopFailuresOrdering(t *testing.T) {
	rs := NewRunStats("run-1")
	rs.RecordFailure("a", "PARSE_FAILED")
	rs.RecordFailure("b", "PARSE_FAILED")
	rs.RecordFailure("c", "DUPLICATE_KEY")
	rs.RecordFailure("d", "")

	top := rs.TopFailures(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 failure codes, got %d", len(top))
	}
	if top[0].Code != "PARSE_FAILED" || top[0].Count != 2 {
		t.Errorf("expected PARSE_FAILED x2 first, got %s x%d", top[0].Code, top[0].Count)
	}
	if top[1].Code != "DUPLICATE_KEY" {
		t.Errorf("expected ties broken by code, got %s", top[1].Code)
	}
	if got := rs.Snapshot().Counters.ArchivesFailed; got != 4 {
		t.Errorf("expected 4 failed archives, got %d", got)
	}

	// Returned slices are copies
	top[0].Archives[0] = "mutated"
	if rs.TopFailures(1)[0].Archives[0] != "a" {
		t.Error("TopFailures should return a copy")
	}
}

// TestTopFailuresEmpty tests TopFailures with no data.
func TestTopFailuresEmpty(t *testing.T) {
	rs := NewRunStats("run-1")
	if len(rs.TopFailures(5)) != 0 {
		t.Error("expected no failures")
	}
	rs.RecordFailure("a", "X")
	if len(rs.TopFailures(0)) != 0 {
		t.Error("expected empty result for n=0")
	}
}

// TestLogSummary tests that the summary carries the run totals.
func TestLogSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rs := NewRunStats("run-42")
	rs.RecordArchive(false, 3, 0, 1, 0)
	rs.RecordPass("exclusion", 1, 1, 0, 0)
	rs.RecordFailure("broken", "PARSE_FAILED")
	rs.LogSummary(logger)

	out := buf.String()
	for _, want := range []string{"run finished", "events_inserted=3", "pass=exclusion", "code=PARSE_FAILED"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if rs.RunID() != "run-42" {
		t.Errorf("RunID mismatch: %s", rs.RunID())
	}
}
