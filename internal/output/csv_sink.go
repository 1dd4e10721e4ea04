package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pageloom/pageloom/pkg/spyglass"
)

// Orientation selects how CSVSink lays out a Row on disk.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

// CSVSink writes rows to a CSV file, grounded on data_saver.py's save_csv:
// horizontal keeps one line per field name with its values trailing, while
// vertical transposes so each line is one record with fields as columns.
type CSVSink struct {
	path        string
	orientation Orientation

	mu          sync.Mutex
	wroteHeader bool
}

// NewCSVSink builds a CSVSink. orientation must be Horizontal or Vertical.
func NewCSVSink(path string, orientation Orientation) (*CSVSink, error) {
	if orientation != Horizontal && orientation != Vertical {
		return nil, fmt.Errorf("output: unknown orientation %q, allowed: horizontal, vertical", orientation)
	}
	return &CSVSink{path: path, orientation: orientation}, nil
}

func (s *CSVSink) Name() string { return "csv" }

// WriteHeader appends a comment line identifying the run that produced the
// rows following it, so two runs appended to the same sink stay
// distinguishable (spec §1 session identity expansion: the run UUID is
// attached to the output file's summary header as well as the Crawl
// Controller's and Fetch Engine's log lines).
func (s *CSVSink) WriteHeader(runID, seedURL string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("output: open csv %s: %w", s.path, err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "# run_id=%s seed=%s started_at=%s\n", runID, seedURL, startedAt.Format(time.RFC3339))
	return err
}

// Write appends every row to the CSV file. fieldNames fixes the column
// order; rows with fewer values for a field are padded with "" so the
// vertical layout's columns stay aligned.
func (s *CSVSink) Write(rows []spyglass.Row, fieldNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("output: open csv %s: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	for _, row := range rows {
		names := fieldNames
		if len(names) == 0 {
			names = rowKeys(row)
		}

		switch s.orientation {
		case Horizontal:
			for _, name := range names {
				record := append([]string{name}, row[name]...)
				if err := w.Write(record); err != nil {
					return err
				}
			}
		case Vertical:
			if !s.wroteHeader {
				if err := w.Write(names); err != nil {
					return err
				}
				s.wroteHeader = true
			}
			maxLen := 0
			for _, name := range names {
				if n := len(row[name]); n > maxLen {
					maxLen = n
				}
			}
			for i := 0; i < maxLen; i++ {
				record := make([]string, len(names))
				for col, name := range names {
					values := row[name]
					if i < len(values) {
						record[col] = values[i]
					}
				}
				if err := w.Write(record); err != nil {
					return err
				}
			}
		}
	}

	return w.Error()
}

// Truncate resets the CSV file to empty, matching the source's
// open(mode='w') always-rewrite default, made an explicit opt-in step here
// instead of happening implicitly on every write.
func (s *CSVSink) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wroteHeader = false
	return os.WriteFile(s.path, []byte{}, 0o644)
}

// Close is a no-op: CSVSink reopens the file per Write rather than holding
// a long-lived handle.
func (s *CSVSink) Close() error { return nil }

func rowKeys(row spyglass.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	return keys
}

var _ spyglass.Sink = (*CSVSink)(nil)
