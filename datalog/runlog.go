package datalog

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	// SQLite backs the run log.
	_ "github.com/mattn/go-sqlite3"

	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/gpib"
)

const (
	samplesTable = "samples"
	rampsTable   = "ramps"

	flushBatch = 1024
)

// sampleRow is one recorded reading. Field names double as column names.
type sampleRow struct {
	Run        string
	Instrument string
	Timestamp  float64
	Value      float64
}

// rampRow is the bookkeeping of one ramp attempt.
type rampRow struct {
	Run        string
	Instrument string
	Target     float64
	Rate       float64
	Started    float64
	Ended      float64
	Outcome    string
}

type logTable struct {
	entries []any
}

// RunLog batches rows in memory and writes them to an SQLite file in
// transactions. All methods are safe for concurrent use; controllers and
// the coordinator insert from their own goroutines.
type RunLog struct {
	*sql.DB

	run        string
	mu         sync.Mutex
	tables     map[string]*logTable
	entryCount int
}

// OpenRunLog creates the database file and its tables. An empty path gets a
// generated name; an existing file is refused rather than appended to. The
// pending batch is flushed at exit via atexit.
func OpenRunLog(path string) (*RunLog, error) {
	if path == "" {
		path = "runlog_" + xid.New().String()
	}
	if filepath.Ext(path) == "" {
		path += ".sqlite3"
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("run log %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	l := &RunLog{
		DB:     db,
		run:    xid.New().String(),
		tables: make(map[string]*logTable),
	}
	for name, sample := range map[string]any{
		samplesTable: sampleRow{},
		rampsTable:   rampRow{},
	} {
		if err := l.createTable(name, sample); err != nil {
			db.Close()
			return nil, err
		}
	}

	atexit.Register(l.Flush)
	log.Printf("run log %s opened, run id %s\n", path, l.run)
	return l, nil
}

// Run reports the generated id tagging every row of this process.
func (l *RunLog) Run() string { return l.run }

func (l *RunLog) createTable(name string, sample any) error {
	fields := strings.Join(structs.Names(sample), ",\n\t")
	_, err := l.Exec("CREATE TABLE " + name + " (\n\t" + fields + "\n);")
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	l.tables[name] = &logTable{}
	return nil
}

// InsertSamples queues one row per sample for the given instrument.
func (l *RunLog) InsertSamples(instrument string, samples []gpib.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tbl := l.tables[samplesTable]
	for _, s := range samples {
		tbl.entries = append(tbl.entries, sampleRow{
			Run:        l.run,
			Instrument: instrument,
			Timestamp:  s.Timestamp,
			Value:      s.Value,
		})
		l.entryCount++
	}
	if l.entryCount >= flushBatch {
		l.flushLocked()
	}
}

// InsertRamp queues the record of one ramp attempt.
func (l *RunLog) InsertRamp(instrument string, rec control.RampRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tbl := l.tables[rampsTable]
	tbl.entries = append(tbl.entries, rampRow{
		Run:        l.run,
		Instrument: instrument,
		Target:     rec.Target,
		Rate:       rec.Rate,
		Started:    unixSeconds(rec.Started),
		Ended:      unixSeconds(rec.Ended),
		Outcome:    rec.Outcome.String(),
	})
	l.entryCount++
	if l.entryCount >= flushBatch {
		l.flushLocked()
	}
}

// SampleDump adapts the run log into a controller teardown dump for one
// instrument.
func (l *RunLog) SampleDump(instrument string) func([]gpib.Sample) error {
	return func(samples []gpib.Sample) error {
		l.InsertSamples(instrument, samples)
		l.Flush()
		return nil
	}
}

// Flush writes the pending batch in one transaction. Row-level failures are
// logged and skipped; the run must not die over bookkeeping.
func (l *RunLog) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

func (l *RunLog) flushLocked() {
	if l.entryCount == 0 {
		return
	}
	tx, err := l.Begin()
	if err != nil {
		log.Printf("run log flush: %v\n", err)
		return
	}
	for name, tbl := range l.tables {
		if len(tbl.entries) == 0 {
			continue
		}
		stmt, err := tx.Prepare(insertSQL(name, tbl.entries[0]))
		if err != nil {
			log.Printf("run log prepare %s: %v\n", name, err)
			continue
		}
		for _, entry := range tbl.entries {
			v := reflect.ValueOf(entry)
			args := make([]any, 0, v.NumField())
			for i := 0; i < v.NumField(); i++ {
				args = append(args, v.Field(i).Interface())
			}
			if _, err := stmt.Exec(args...); err != nil {
				log.Printf("run log insert into %s: %v\n", name, err)
			}
		}
		stmt.Close()
		tbl.entries = nil
	}
	if err := tx.Commit(); err != nil {
		log.Printf("run log commit: %v\n", err)
		return
	}
	l.entryCount = 0
}

// Close flushes and releases the database.
func (l *RunLog) Close() error {
	l.Flush()
	return l.DB.Close()
}

func insertSQL(table string, sample any) string {
	marks := structs.Names(sample)
	for i := range marks {
		marks[i] = "?"
	}
	return "INSERT INTO " + table + " VALUES (" + strings.Join(marks, ", ") + ")"
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
