package gpib

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LockInParams configures an SR830 class lock-in amplifier used to read the
// thermometer voltage.
type LockInParams struct {
	SampleRate float64 // Hz, internal storage rate
	BufferSize int     // points the internal buffer holds
	ExpectIDN  string  // prefix match; empty skips the check
}

func DefaultLockInParams() LockInParams {
	return LockInParams{
		SampleRate: 8.0,
		BufferSize: 8000,
		ExpectIDN:  "",
	}
}

// LockIn drives the lock-in amplifier. Data comes out of the instrument's
// internal storage buffer: StartStorage begins filling it at the programmed
// rate, RetrieveStorage drains whatever has accumulated into the recorder,
// synthesizing timestamps from the retrieval time and the sample rate (the
// buffer itself is not timestamped).
type LockIn struct {
	tr      *Transport
	params  LockInParams
	rec     *Recorder
	storing bool
	started time.Time
	taken   int
}

func NewLockIn(tr *Transport, params LockInParams) *LockIn {
	if params.SampleRate <= 0 {
		params.SampleRate = 8.0
	}
	if params.BufferSize <= 0 {
		params.BufferSize = 8000
	}
	return &LockIn{tr: tr, params: params}
}

func (li *LockIn) AttachRecorder(rec *Recorder) { li.rec = rec }

func (li *LockIn) Recorder() *Recorder { return li.rec }
func (li *LockIn) Params() LockInParams { return li.params }
func (li *LockIn) Transport() *Transport { return li.tr }

// Initialize programs the storage sample rate and clears the buffer.
func (li *LockIn) Initialize() error {
	if li.params.ExpectIDN != "" {
		idn, err := li.tr.Ask("*IDN?")
		if err != nil {
			return err
		}
		if !strings.HasPrefix(strings.TrimSpace(idn), li.params.ExpectIDN) {
			return fmt.Errorf("unexpected instrument identity %q, want prefix %q", idn, li.params.ExpectIDN)
		}
	}
	if err := li.tr.Write(fmt.Sprintf("SRAT %g", li.params.SampleRate)); err != nil {
		return err
	}
	return li.tr.Write("REST")
}

// StartStorage begins filling the internal buffer.
func (li *LockIn) StartStorage() error {
	if err := li.tr.Write("STRT"); err != nil {
		return err
	}
	li.storing = true
	li.started = time.Now()
	li.taken = 0
	return nil
}

// ChunkInterval is how long one full buffer takes to fill. The monitoring
// loop harvests at most this often.
func (li *LockIn) ChunkInterval() time.Duration {
	secs := float64(li.params.BufferSize) / li.params.SampleRate
	return time.Duration(secs * float64(time.Second))
}

// RetrieveStorage pauses storage, drains every point accumulated since the
// last retrieval into the recorder, and restarts the buffer. The instrument
// refreshes its buffer once full, so harvesting must happen at least once
// per ChunkInterval or the oldest points are lost.
func (li *LockIn) RetrieveStorage() (int, error) {
	if !li.storing {
		return 0, nil
	}
	if err := li.tr.Write("PAUS"); err != nil {
		return 0, err
	}
	n, err := li.tr.AskFloat("SPTS?")
	if err != nil {
		return 0, err
	}
	points := int(n) - li.taken
	if points <= 0 {
		return 0, li.resumeStorage()
	}

	text, err := li.tr.Ask(fmt.Sprintf("TRCA? 1,%d,%d", li.taken, points))
	if err != nil {
		return 0, err
	}
	values, err := parseTrace(text)
	if err != nil {
		return 0, err
	}

	// Points are spaced 1/rate apart, ending roughly now.
	end := epochSeconds(time.Now())
	dt := 1.0 / li.params.SampleRate
	for i, v := range values {
		li.rec.Append(Sample{
			Timestamp: end - float64(len(values)-1-i)*dt,
			Value:     v,
		})
	}
	li.taken += len(values)

	if li.taken >= li.params.BufferSize {
		// buffer full: reset so storage keeps rolling
		if err := li.tr.Write("REST"); err != nil {
			return len(values), err
		}
		li.taken = 0
	}
	return len(values), li.resumeStorage()
}

func (li *LockIn) resumeStorage() error {
	if err := li.tr.Write("STRT"); err != nil {
		return err
	}
	li.storing = true
	return nil
}

// ReadValue reads the instantaneous channel-1 voltage, for one-off checks
// outside the storage path.
func (li *LockIn) ReadValue() (float64, error) {
	return li.tr.AskFloat("OUTP? 1")
}

func parseTrace(text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fields := strings.Split(text, ",")
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("bad trace point %q: %w", f, err)
		}
		values = append(values, v)
	}
	return values, nil
}
