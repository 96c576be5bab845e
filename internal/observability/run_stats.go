// Package observability tracks per-run pipeline counters for the summary log.
package observability

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RunStats accumulates the outcome of one pipeline run. All methods are
// safe for concurrent use.
type RunStats struct {
	mu       sync.RWMutex
	runID    string
	started  time.Time
	counters Counters
	passes   map[string]*PassStats
	failures map[string]*FailureStats
}

// Counters are the archive and event totals of a run.
type Counters struct {
	ArchivesSeen     int64
	ArchivesSkipped  int64
	ArchivesIngested int64
	ArchivesFailed   int64
	EventsInserted   int64
	EventsExisting   int64
	EntriesIgnored   int64
	RawRetained      int64
}

// PassStats holds the totals of one resolver pass.
type PassStats struct {
	Pass       string
	Candidates int64
	Linked     int64
	Unmatched  int64
	Skipped    int64
}

// FailureStats counts archive failures sharing an error code.
type FailureStats struct {
	Code     string
	Count    int64
	LastSeen time.Time
	Archives []string
}

// Snapshot is an immutable copy of RunStats.
type Snapshot struct {
	RunID    string
	Elapsed  time.Duration
	Counters Counters
	Passes   []PassStats
}

// NewRunStats creates a tracker for the run identified by runID.
func NewRunStats(runID string) *RunStats {
	return &RunStats{
		runID:    runID,
		started:  time.Now(),
		passes:   make(map[string]*PassStats),
		failures: make(map[string]*FailureStats),
	}
}

// RunID returns the run identifier.
func (r *RunStats) RunID() string {
	return r.runID
}

// RecordArchive records an ingested or skipped archive.
func (r *RunStats) RecordArchive(skipped bool, inserted, existing, ignored, retained int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters.ArchivesSeen++
	if skipped {
		r.counters.ArchivesSkipped++
		return
	}
	r.counters.ArchivesIngested++
	r.counters.EventsInserted += int64(inserted)
	r.counters.EventsExisting += int64(existing)
	r.counters.EntriesIgnored += int64(ignored)
	r.counters.RawRetained += int64(retained)
}

// RecordFailure records an archive that failed with the given error code.
func (r *RunStats) RecordFailure(archive, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters.ArchivesSeen++
	r.counters.ArchivesFailed++

	if code == "" {
		code = "UNKNOWN"
	}
	stats, exists := r.failures[code]
	if !exists {
		stats = &FailureStats{Code: code}
		r.failures[code] = stats
	}
	stats.Count++
	stats.LastSeen = time.Now()
	stats.Archives = append(stats.Archives, archive)
}

// RecordPass adds the totals of a resolver pass.
func (r *RunStats) RecordPass(pass string, candidates, linked, unmatched, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, exists := r.passes[pass]
	if !exists {
		stats = &PassStats{Pass: pass}
		r.passes[pass] = stats
	}
	stats.Candidates += int64(candidates)
	stats.Linked += int64(linked)
	stats.Unmatched += int64(unmatched)
	stats.Skipped += int64(skipped)
}

// TopFailures returns the n most frequent failure codes, most frequent first.
func (r *RunStats) TopFailures(n int) []FailureStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.failures) == 0 {
		return []FailureStats{}
	}

	out := make([]FailureStats, 0, len(r.failures))
	for _, f := range r.failures {
		cp := *f
		cp.Archives = append([]string(nil), f.Archives...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Snapshot returns a copy of the current totals. Passes are ordered by name.
func (r *RunStats) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	passes := make([]PassStats, 0, len(r.passes))
	for _, p := range r.passes {
		passes = append(passes, *p)
	}
	sort.Slice(passes, func(i, j int) bool { return passes[i].Pass < passes[j].Pass })

	return Snapshot{
		RunID:    r.runID,
		Elapsed:  time.Since(r.started),
		Counters: r.counters,
		Passes:   passes,
	}
}

// LogSummary writes the run totals to logger.
func (r *RunStats) LogSummary(logger *slog.Logger) {
	s := r.Snapshot()
	c := s.Counters
	logger.Info("run finished",
		"elapsed", s.Elapsed.Round(time.Millisecond),
		"archives", c.ArchivesSeen,
		"archives_skipped", c.ArchivesSkipped,
		"archives_ingested", c.ArchivesIngested,
		"archives_failed", c.ArchivesFailed,
		"events_inserted", c.EventsInserted,
		"events_existing", c.EventsExisting,
	)
	for _, p := range s.Passes {
		logger.Info("pass totals", "pass", p.Pass, "linked", p.Linked, "candidates", p.Candidates, "unmatched", p.Unmatched)
	}
	for _, f := range r.TopFailures(5) {
		logger.Warn("archive failures", "code", f.Code, "count", f.Count, "archives", f.Archives)
	}
}
