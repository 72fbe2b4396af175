package gpib

import (
	"fmt"
	"math"
	"strings"
)

// SupplyState is the ramp state reported by the power supply itself.
type SupplyState int

const (
	StateUnknown SupplyState = iota
	StateRamping
	StateHolding
	StatePaused
	StateQuenched
)

func (s SupplyState) String() string {
	switch s {
	case StateRamping:
		return "ramping"
	case StateHolding:
		return "holding"
	case StatePaused:
		return "paused"
	case StateQuenched:
		return "quenched"
	}
	return "unknown"
}

// MismatchError reports that the instrument echoed back a programmed value
// outside tolerance. The value is programmed anyway; callers surface the
// mismatch as a warning rather than aborting.
type MismatchError struct {
	Quantity string
	Want     float64
	Got      float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("programmed %s reads back %g, wanted %g", e.Quantity, e.Got, e.Want)
}

// RampSegment caps the ramp rate while the output is below Current.
type RampSegment struct {
	Current float64
	Rate    float64
}

// DefaultRampSegments is the segment table for our 20 A magnet: generous at
// low field, glacial near the rated maximum.
var DefaultRampSegments = []RampSegment{
	{6.8, 0.3},
	{13.6, 0.2},
	{20.4, 0.1},
	{60.0, 0.0001},
}

// PowerSupplyParams carries the hard limits and verification tolerances for
// one supply. The zero value is not usable; DefaultPowerSupplyParams matches
// the magnet this rig was built around.
type PowerSupplyParams struct {
	MaxCurrent    float64 // A
	MaxVoltage    float64 // V
	MaxRate       float64 // A/s
	Compliance    float64 // V
	FieldConstant float64 // T/A
	CurrentTol    float64 // A, read-back verification
	RateTol       float64 // A/s, read-back verification
	ExpectIDN     string  // prefix match; empty skips the check
	Segments      []RampSegment
}

func DefaultPowerSupplyParams() PowerSupplyParams {
	return PowerSupplyParams{
		MaxCurrent:    20.5,
		MaxVoltage:    5.0,
		MaxRate:       0.4,
		Compliance:    5.0,
		FieldConstant: 0.07377,
		CurrentTol:    0.005,
		RateTol:       0.0005,
		ExpectIDN:     "LSCI,MODEL625",
		Segments:      DefaultRampSegments,
	}
}

// PowerSupply drives a Lake Shore 625 class superconducting magnet supply.
// All exchanges go through the retrying transport; the driver adds value
// formatting, read-back verification and state decoding on top.
type PowerSupply struct {
	tr     *Transport
	params PowerSupplyParams
	rec    *Recorder
}

func NewPowerSupply(tr *Transport, params PowerSupplyParams) *PowerSupply {
	return &PowerSupply{tr: tr, params: params}
}

// AttachRecorder gives the supply its sample recorder. ReadCurrent backs the
// recorder's reading function.
func (ps *PowerSupply) AttachRecorder(rec *Recorder) { ps.rec = rec }

func (ps *PowerSupply) Recorder() *Recorder { return ps.rec }
func (ps *PowerSupply) Params() PowerSupplyParams { return ps.params }
func (ps *PowerSupply) Transport() *Transport { return ps.tr }

// Initialize puts the supply into the rig's standard configuration: hard
// limits, compliance voltage, field constant, quench detection and the ramp
// segment table. When ExpectIDN is set the instrument identity is verified
// first, so a miswired GPIB address fails loudly instead of programming the
// wrong device.
func (ps *PowerSupply) Initialize() error {
	p := ps.params

	if p.ExpectIDN != "" {
		idn, err := ps.tr.Ask("*IDN?")
		if err != nil {
			return err
		}
		if !strings.HasPrefix(strings.TrimSpace(idn), p.ExpectIDN) {
			return fmt.Errorf("unexpected instrument identity %q, want prefix %q", idn, p.ExpectIDN)
		}
	}

	steps := []string{
		fmt.Sprintf("LIMIT %.4f,%.4f,%.4f", p.MaxCurrent, p.MaxVoltage, p.MaxRate),
		fmt.Sprintf("SETV %.4f", p.Compliance),
		fmt.Sprintf("FLDS %.5f", p.FieldConstant),
		"QNCH 1",
	}
	if len(p.Segments) > 0 {
		steps = append(steps, "RSEG 1")
		for i, seg := range p.Segments {
			steps = append(steps, fmt.Sprintf("RSEGS %d,%.4f,%.4f", i+1, seg.Current, seg.Rate))
		}
	}
	for _, cmd := range steps {
		if err := ps.tr.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// SetTarget programs the target current and verifies the instrument echoes
// it back within tolerance. A deviation beyond tolerance is returned as a
// *MismatchError; the target is still programmed.
func (ps *PowerSupply) SetTarget(current float64) error {
	return ps.program("target current", "SETI", current, ps.params.CurrentTol)
}

// SetRate programs the ramp rate, verified like SetTarget.
func (ps *PowerSupply) SetRate(rate float64) error {
	return ps.program("ramp rate", "RATE", rate, ps.params.RateTol)
}

func (ps *PowerSupply) program(what, cmd string, value, tol float64) error {
	if err := ps.tr.Write(fmt.Sprintf("%s %.4f", cmd, value)); err != nil {
		return err
	}
	echo, err := ps.tr.AskFloat(cmd + "?")
	if err != nil {
		return err
	}
	if math.Abs(echo-value) > tol {
		return &MismatchError{Quantity: what, Want: value, Got: echo}
	}
	return nil
}

// StartRamp tells the supply to begin ramping toward the programmed target.
func (ps *PowerSupply) StartRamp() error {
	return ps.tr.Write("RAMP")
}

// Pause freezes the output where it is.
func (ps *PowerSupply) Pause() error {
	return ps.tr.Write("PAUSE")
}

// State decodes the supply's reported ramp state.
func (ps *PowerSupply) State() (SupplyState, error) {
	text, err := ps.tr.Ask("STATE?")
	if err != nil {
		return StateUnknown, err
	}
	switch strings.TrimSpace(text) {
	case "1":
		return StateRamping, nil
	case "2":
		return StateHolding, nil
	case "3":
		return StatePaused, nil
	case "4":
		return StateQuenched, nil
	}
	return StateUnknown, fmt.Errorf("unrecognized supply state %q", text)
}

// ReadCurrent reads the live output current in amperes.
func (ps *PowerSupply) ReadCurrent() (float64, error) {
	return ps.tr.AskFloat("RDGI?")
}

// ReadField reads the computed field in tesla.
func (ps *PowerSupply) ReadField() (float64, error) {
	return ps.tr.AskFloat("RDGF?")
}

// RecordCurrent takes one recorder sample of the output current. See
// Recorder.Record for the wait semantics.
func (ps *PowerSupply) RecordCurrent(wait bool) (float64, bool) {
	return ps.rec.Record(wait)
}
