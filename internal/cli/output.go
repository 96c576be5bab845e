package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/eesocial/eesocial/internal/observability"
)

type summaryJSON struct {
	RunID            string     `json:"run_id"`
	ElapsedMS        int64      `json:"elapsed_ms"`
	ArchivesSeen     int64      `json:"archives_seen"`
	ArchivesIngested int64      `json:"archives_ingested"`
	ArchivesSkipped  int64      `json:"archives_skipped"`
	ArchivesFailed   int64      `json:"archives_failed"`
	EventsInserted   int64      `json:"events_inserted"`
	EventsExisting   int64      `json:"events_existing"`
	EntriesIgnored   int64      `json:"entries_ignored"`
	RawRetained      int64      `json:"raw_retained"`
	Passes           []passJSON `json:"passes"`
}

type passJSON struct {
	Pass       string `json:"pass"`
	Candidates int64  `json:"candidates"`
	Linked     int64  `json:"linked"`
	Unmatched  int64  `json:"unmatched"`
	Skipped    int64  `json:"skipped"`
}

// writeSummary prints the run totals to w in the given format.
func writeSummary(w io.Writer, format string, s observability.Snapshot) error {
	c := s.Counters
	if format == "json" {
		out := summaryJSON{
			RunID:            s.RunID,
			ElapsedMS:        s.Elapsed.Milliseconds(),
			ArchivesSeen:     c.ArchivesSeen,
			ArchivesIngested: c.ArchivesIngested,
			ArchivesSkipped:  c.ArchivesSkipped,
			ArchivesFailed:   c.ArchivesFailed,
			EventsInserted:   c.EventsInserted,
			EventsExisting:   c.EventsExisting,
			EntriesIgnored:   c.EntriesIgnored,
			RawRetained:      c.RawRetained,
			Passes:           make([]passJSON, 0, len(s.Passes)),
		}
		for _, p := range s.Passes {
			out.Passes = append(out.Passes, passJSON(p))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "run %s (%s)\n", s.RunID, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "archives: %d seen, %d ingested, %d skipped, %d failed\n",
		c.ArchivesSeen, c.ArchivesIngested, c.ArchivesSkipped, c.ArchivesFailed)
	fmt.Fprintf(w, "events:   %d inserted, %d existing, %d entries ignored, %d raw retained\n",
		c.EventsInserted, c.EventsExisting, c.EntriesIgnored, c.RawRetained)
	for _, p := range s.Passes {
		fmt.Fprintf(w, "%-13s linked %d of %d (unmatched %d, skipped %d)\n",
			p.Pass+":", p.Linked, p.Candidates, p.Unmatched, p.Skipped)
	}
	return nil
}
