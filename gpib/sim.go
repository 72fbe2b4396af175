package gpib

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// openSim hands out a fresh simulated instrument. The sims answer the same
// command set as the real hardware closely enough to run the whole rig,
// which is how the tests and the --sim console exercise everything above
// the session layer.
func openSim(name string) (Session, error) {
	switch name {
	case "power-supply", "ps":
		return NewSimPowerSupply(), nil
	case "lock-in", "li":
		return NewSimLockIn(), nil
	}
	return nil, fmt.Errorf("unknown simulated instrument %q", name)
}

// SimPowerSupply models the magnet supply: programmed values are clamped to
// the limits, the output current moves toward the target at the programmed
// rate in real time, and a quench drops the output and latches the fault
// state until a reset.
type SimPowerSupply struct {
	mu sync.Mutex

	limitI, limitV, limitRate float64
	compliance                float64
	fieldConstant             float64
	quenchDetect              bool
	segmentsEnabled           bool
	segments                  map[int]RampSegment

	target, rate float64
	current      float64
	running      SupplyState
	quenched     bool
	stepped      time.Time
}

func NewSimPowerSupply() *SimPowerSupply {
	return &SimPowerSupply{
		limitI:    20.5,
		limitV:    5.0,
		limitRate: 0.4,
		rate:      0.1,
		running:   StateHolding,
		segments:  make(map[int]RampSegment),
		stepped:   time.Now(),
	}
}

// advance moves the simulated output forward to now. Callers hold mu.
func (s *SimPowerSupply) advance() {
	now := time.Now()
	dt := now.Sub(s.stepped).Seconds()
	s.stepped = now

	if s.quenched {
		s.current = 0
		s.running = StateQuenched
		return
	}
	if s.running != StateRamping || dt <= 0 {
		return
	}
	step := s.rate * dt
	switch {
	case math.Abs(s.target-s.current) <= step:
		s.current = s.target
		s.running = StateHolding
	case s.target > s.current:
		s.current += step
	default:
		s.current -= step
	}
}

// Quench trips the simulated quench detector, as the firmware would on an
// excessive field collapse.
func (s *SimPowerSupply) Quench() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quenchDetect {
		s.quenched = true
		s.current = 0
		s.running = StateQuenched
	}
}

// Output reports the live simulated current, for test assertions.
func (s *SimPowerSupply) Output() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.current
}

func (s *SimPowerSupply) Write(cmd string) error {
	_, err := s.exchange(cmd)
	return err
}

func (s *SimPowerSupply) Ask(cmd string) (string, error) {
	reply, err := s.exchange(cmd)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("command %q has no reply", cmd)
	}
	return reply, nil
}

func (s *SimPowerSupply) Close() error { return nil }

func (s *SimPowerSupply) exchange(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	name, arg, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	switch name {
	case "*IDN?":
		return "LSCI,MODEL625,6251136,1.0/1.0", nil
	case "LIMIT":
		return "", scanFloats(arg, &s.limitI, &s.limitV, &s.limitRate)
	case "LIMIT?":
		return fmt.Sprintf("%.4f,%.4f,%.4f", s.limitI, s.limitV, s.limitRate), nil
	case "SETV":
		return "", scanFloats(arg, &s.compliance)
	case "SETV?":
		return fmt.Sprintf("%.4f", s.compliance), nil
	case "FLDS":
		return "", scanFloats(arg, &s.fieldConstant)
	case "FLDS?":
		return fmt.Sprintf("%.5f", s.fieldConstant), nil
	case "QNCH":
		s.quenchDetect = arg != "0"
		return "", nil
	case "QNCH?":
		return boolDigit(s.quenchDetect), nil
	case "RSEG":
		s.segmentsEnabled = arg != "0"
		return "", nil
	case "RSEG?":
		return boolDigit(s.segmentsEnabled), nil
	case "RSEGS":
		var idx float64
		var seg RampSegment
		if err := scanFloats(arg, &idx, &seg.Current, &seg.Rate); err != nil {
			return "", err
		}
		s.segments[int(idx)] = seg
		return "", nil
	case "SETI":
		var v float64
		if err := scanFloats(arg, &v); err != nil {
			return "", err
		}
		s.target = clamp(v, 0, s.limitI)
		return "", nil
	case "SETI?":
		return fmt.Sprintf("%.4f", s.target), nil
	case "RATE":
		var v float64
		if err := scanFloats(arg, &v); err != nil {
			return "", err
		}
		s.rate = clamp(v, 0, s.limitRate)
		return "", nil
	case "RATE?":
		return fmt.Sprintf("%.4f", s.rate), nil
	case "RAMP":
		if !s.quenched {
			if s.current == s.target {
				s.running = StateHolding
			} else {
				s.running = StateRamping
			}
		}
		return "", nil
	case "PAUSE":
		if !s.quenched {
			s.running = StatePaused
		}
		return "", nil
	case "STATE?":
		return strconv.Itoa(int(s.running)), nil
	case "RDGI?":
		return fmt.Sprintf("%.4f", s.current), nil
	case "RDGF?":
		return fmt.Sprintf("%.5f", s.current*s.fieldConstant), nil
	}
	return "", fmt.Errorf("simulated power supply: unknown command %q", cmd)
}

// SimLockIn models the lock-in's internal storage buffer: once started it
// accumulates points at the programmed rate until the buffer is full, and
// TRCA? plays back a deterministic thermometer-voltage waveform.
type SimLockIn struct {
	mu sync.Mutex

	rate    float64
	bufSize int

	storing   bool
	resumedAt time.Time
	stored    time.Duration // storage time accumulated before the last pause
	baseIndex int           // absolute index of buffer point 0, advances on REST
}

func NewSimLockIn() *SimLockIn {
	return &SimLockIn{rate: 8.0, bufSize: 8000}
}

// points derives the stored count from accumulated storage time, so the
// fraction of a sample period in flight survives pause/resume cycles the way
// the instrument's free-running sample clock does.
func (s *SimLockIn) points() int {
	elapsed := s.stored
	if s.storing {
		elapsed += time.Since(s.resumedAt)
	}
	n := int(elapsed.Seconds() * s.rate)
	if n > s.bufSize {
		n = s.bufSize
	}
	return n
}

// waveform is the synthetic thermometer voltage at absolute sample index i:
// a few tens of microvolts with a slow wobble, roughly what the RuO2
// thermometer reads near 4 K.
func (s *SimLockIn) waveform(i int) float64 {
	return 2.9e-5 * (1 + 0.02*math.Sin(float64(i)/50))
}

func (s *SimLockIn) Write(cmd string) error {
	_, err := s.exchange(cmd)
	return err
}

func (s *SimLockIn) Ask(cmd string) (string, error) {
	reply, err := s.exchange(cmd)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("command %q has no reply", cmd)
	}
	return reply, nil
}

func (s *SimLockIn) Close() error { return nil }

func (s *SimLockIn) exchange(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, arg, _ := strings.Cut(strings.TrimSpace(cmd), " ")
	switch name {
	case "*IDN?":
		return "Stanford_Research_Systems,SR830,s/n48295,ver1.07", nil
	case "SRAT":
		return "", scanFloats(arg, &s.rate)
	case "SRAT?":
		return fmt.Sprintf("%g", s.rate), nil
	case "REST":
		n := s.points()
		s.baseIndex += n
		if s.storing {
			s.stored += time.Since(s.resumedAt)
			s.resumedAt = time.Now()
		}
		// The buffer empties but the sample clock keeps its phase: only
		// whole sample periods are consumed.
		s.stored -= time.Duration(float64(n) / s.rate * float64(time.Second))
		return "", nil
	case "STRT":
		if !s.storing {
			s.storing = true
			s.resumedAt = time.Now()
		}
		return "", nil
	case "PAUS":
		if s.storing {
			s.stored += time.Since(s.resumedAt)
			s.storing = false
		}
		return "", nil
	case "SPTS?":
		return strconv.Itoa(s.points()), nil
	case "TRCA?":
		var ch, start, count float64
		if err := scanFloats(arg, &ch, &start, &count); err != nil {
			return "", err
		}
		have := s.points()
		from, n := int(start), int(count)
		if from < 0 || from+n > have {
			return "", fmt.Errorf("trace request %d+%d outside stored %d", from, n, have)
		}
		parts := make([]string, n)
		for i := 0; i < n; i++ {
			parts[i] = fmt.Sprintf("%.6E", s.waveform(s.baseIndex+from+i))
		}
		return strings.Join(parts, ","), nil
	case "OUTP?":
		return fmt.Sprintf("%.6E", s.waveform(s.baseIndex+s.points())), nil
	}
	return "", fmt.Errorf("simulated lock-in: unknown command %q", cmd)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func scanFloats(arg string, dst ...*float64) error {
	fields := strings.Split(arg, ",")
	if len(fields) != len(dst) {
		return fmt.Errorf("want %d arguments, got %q", len(dst), arg)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return fmt.Errorf("bad argument %q: %w", f, err)
		}
		*dst[i] = v
	}
	return nil
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
