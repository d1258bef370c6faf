package consumer

import (
	"os"
	"strings"
	"time"

	"github.com/posthog/batchexport-postgres/heartbeat"
)

// spillFile is one on-disk spool for a single flush cycle: a tab-
// delimited file with an explicit header row, minimal quoting, and no
// escape character. It is rotated (a fresh temp file) after every
// flush and deleted on close.
type spillFile struct {
	file         *os.File
	rows         int
	bytesWritten int64
	openedAt     time.Time
	lastRange    heartbeat.DateRange
}

func newSpillFile(columns []string) (*spillFile, error) {
	f, err := os.CreateTemp("", "batchexport-postgres-*.tsv")
	if err != nil {
		return nil, err
	}
	s := &spillFile{file: f, openedAt: time.Now()}
	if err := s.writeLine(columns); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (s *spillFile) writeRow(values []string) error {
	if err := s.writeLine(values); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *spillFile) writeLine(values []string) error {
	line := strings.Join(values, "\t") + "\n"
	n, err := s.file.WriteString(line)
	s.bytesWritten += int64(n)
	return err
}

func (s *spillFile) rewindForRead() error {
	_, err := s.file.Seek(0, 0)
	return err
}

// close removes the spill file from disk; spill files are never kept
// across flushes.
func (s *spillFile) close() {
	name := s.file.Name()
	s.file.Close()
	os.Remove(name)
}

// cleanup is the deferred safety net for early-return paths; closing an
// already-closed file is a no-op beyond the error, which is discarded.
func (s *spillFile) cleanup() {
	if s.file == nil {
		return
	}
	name := s.file.Name()
	s.file.Close()
	os.Remove(name)
}

// encodeField renders one cell: empty unquoted means NULL, an empty
// string value is quoted to distinguish it from NULL, and any value
// containing the delimiter, a quote, or a newline is quoted with
// doubled internal quotes.
func encodeField(v string, isNull bool) string {
	if isNull {
		return ""
	}
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, "\t\"\n\r") {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return v
}

// widenRange extends acc to cover r, treating a zero-valued acc as
// "nothing seen yet" rather than a real interval.
func widenRange(acc, r heartbeat.DateRange) heartbeat.DateRange {
	if acc.Start.IsZero() && acc.End.IsZero() {
		return r
	}
	if r.Start.Before(acc.Start) {
		acc.Start = r.Start
	}
	if r.End.After(acc.End) {
		acc.End = r.End
	}
	return acc
}
