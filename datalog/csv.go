// Package datalog persists acquisition data: CSV dumps of the in-memory
// sample series plus an SQLite run log for samples and ramp bookkeeping.
package datalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/he3lab/rampctl/gpib"
)

// Line formats for the two instrument families. Columns are epoch seconds
// and reading; lock-in voltages get scientific notation.
const (
	AmpsFormat  = "%.4f,%.4f\n"
	VoltsFormat = "%.4f,%.4E\n"
)

// WriteCSV writes samples one per line in the given line format.
func WriteCSV(w io.Writer, format string, samples []gpib.Sample) error {
	bw := bufio.NewWriter(w)
	for _, s := range samples {
		if _, err := fmt.Fprintf(bw, format, s.Timestamp, s.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FileDump returns a dump function writing the whole series to path in one
// shot, creating the parent directory as needed.
func FileDump(path, format string) func([]gpib.Sample) error {
	return func(samples []gpib.Sample) error {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := WriteCSV(f, format, samples); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

// TimestampedPath builds dir/prefix_YYYYMMDD_HHMMSS.csv so repeated runs
// never clobber each other.
func TimestampedPath(dir, prefix string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.csv", prefix, now.Format("20060102_150405")))
}
