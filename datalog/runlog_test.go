package datalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/gpib"
)

func openTestLog(t *testing.T) *RunLog {
	t.Helper()
	l, err := OpenRunLog(filepath.Join(t.TempDir(), "run.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func countRows(t *testing.T, l *RunLog, table string) int {
	t.Helper()
	var n int
	require.NoError(t, l.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestRunLogRoundTrip(t *testing.T) {
	l := openTestLog(t)
	require.NotEmpty(t, l.Run())

	l.InsertSamples("magnet", []gpib.Sample{
		{Timestamp: 1.0, Value: 0.5},
		{Timestamp: 1.125, Value: 0.55},
	})
	l.InsertRamp("magnet", control.RampRecord{
		Target:  5.0,
		Rate:    0.1,
		Started: time.Now(),
		Ended:   time.Now().Add(time.Second),
		Outcome: control.OutcomeCompleted,
	})

	// Nothing reaches the file before a flush.
	assert.Zero(t, countRows(t, l, samplesTable))
	l.Flush()

	assert.Equal(t, 2, countRows(t, l, samplesTable))
	assert.Equal(t, 1, countRows(t, l, rampsTable))

	var run, instrument string
	var ts, value float64
	require.NoError(t, l.QueryRow(
		"SELECT Run, Instrument, Timestamp, Value FROM samples ORDER BY Timestamp").
		Scan(&run, &instrument, &ts, &value))
	assert.Equal(t, l.Run(), run)
	assert.Equal(t, "magnet", instrument)
	assert.Equal(t, 1.0, ts)
	assert.Equal(t, 0.5, value)

	var outcome string
	require.NoError(t, l.QueryRow("SELECT Outcome FROM ramps").Scan(&outcome))
	assert.Equal(t, "completed", outcome)
}

func TestRunLogFlushesAtBatchSize(t *testing.T) {
	l := openTestLog(t)

	samples := make([]gpib.Sample, flushBatch)
	for i := range samples {
		samples[i] = gpib.Sample{Timestamp: float64(i), Value: 0.02}
	}
	l.InsertSamples("magnet", samples)

	// The batch threshold flushes without anyone calling Flush.
	assert.Equal(t, flushBatch, countRows(t, l, samplesTable))
}

func TestRunLogSampleDumpFlushesImmediately(t *testing.T) {
	l := openTestLog(t)

	dump := l.SampleDump("lock-in")
	require.NoError(t, dump([]gpib.Sample{{Timestamp: 2.0, Value: 2.9e-5}}))

	assert.Equal(t, 1, countRows(t, l, samplesTable))
	var instrument string
	require.NoError(t, l.QueryRow("SELECT Instrument FROM samples").Scan(&instrument))
	assert.Equal(t, "lock-in", instrument)
}

func TestRunLogAppendsExtension(t *testing.T) {
	base := filepath.Join(t.TempDir(), "runlog_20260823_140506")
	l, err := OpenRunLog(base)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(base + ".sqlite3")
	assert.NoError(t, err)
}

func TestRunLogRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.sqlite3")
	l, err := OpenRunLog(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = OpenRunLog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
