package gpib

import (
	"time"
)

// Sample is one timestamped reading. Timestamps are seconds since the Unix
// epoch, which is what the dump format and the offline analysis scripts
// expect.
type Sample struct {
	Timestamp float64
	Value     float64
}

// Recorder accumulates samples from a single instrument reading function,
// keeping consecutive wait-gated recordings at least MinInterval apart.
// Samples are append-only; they are handed to the data sinks in one piece at
// teardown.
type Recorder struct {
	read        func() (float64, error)
	minInterval time.Duration
	samples     []Sample
	last        time.Time
	tee         chan<- Sample
}

// NewRecorder wraps a reading function, typically a closure over a driver's
// ReadCurrent or ReadValue.
func NewRecorder(minInterval time.Duration, read func() (float64, error)) *Recorder {
	if minInterval <= 0 {
		minInterval = 125 * time.Millisecond
	}
	return &Recorder{read: read, minInterval: minInterval}
}

// SetTee mirrors every accepted sample into ch without ever blocking: if the
// receiver is slow, mirrored samples are skipped. The recorded sequence
// itself is never affected.
func (r *Recorder) SetTee(ch chan<- Sample) { r.tee = ch }

func (r *Recorder) MinInterval() time.Duration { return r.minInterval }

// Record takes one sample. With wait set it first sleeps until MinInterval
// has passed since the last accepted sample; the gate uses the monotonic
// clock and short naps, not a hot spin. A failed read appends nothing and
// returns ok=false so monitoring loops can shrug and carry on.
func (r *Recorder) Record(wait bool) (float64, bool) {
	if wait && !r.last.IsZero() {
		nap := r.minInterval / 20
		if nap < time.Millisecond {
			nap = time.Millisecond
		}
		for time.Since(r.last) < r.minInterval {
			time.Sleep(nap)
		}
	}

	now := time.Now()
	value, err := r.read()
	if err != nil {
		return 0, false
	}

	s := Sample{Timestamp: epochSeconds(now), Value: value}
	r.samples = append(r.samples, s)
	r.last = now
	if r.tee != nil {
		select {
		case r.tee <- s:
		default:
		}
	}
	return value, true
}

// Append admits an externally produced sample, e.g. one retrieved from an
// instrument's internal storage buffer. It bypasses the interval gate.
func (r *Recorder) Append(s Sample) {
	r.samples = append(r.samples, s)
	if r.tee != nil {
		select {
		case r.tee <- s:
		default:
		}
	}
}

// Samples returns the recorded sequence. The recorder keeps ownership; the
// caller must not modify it.
func (r *Recorder) Samples() []Sample { return r.samples }

func (r *Recorder) Len() int { return len(r.samples) }

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
