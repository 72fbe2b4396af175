// Package control implements the concurrency protocol of the rig: one
// controller goroutine per instrument, a messenger per controller, a
// coordinator on the operator side, and the ramp state machine in between.
// Controllers share nothing; everything moves through messages.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/he3lab/rampctl/comm"
	"github.com/he3lab/rampctl/gpib"
)

// RampState is the controller-side ramp lifecycle state. Exactly one is
// active per controller, owned by the controller goroutine alone.
type RampState int

const (
	Idle RampState = iota
	Ramping
	Holding
	Paused
)

func (s RampState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ramping:
		return "ramping"
	case Holding:
		return "holding"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// RampOutcome summarizes how a single ramp attempt ended.
type RampOutcome int

const (
	OutcomeCompleted RampOutcome = iota
	OutcomeInterrupted
	OutcomeAborted
	OutcomeRejected
	OutcomeKilled
)

func (o RampOutcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeAborted:
		return "aborted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeKilled:
		return "killed"
	}
	return "unknown"
}

// RampRecord is the bookkeeping row for one ramp attempt, handed to the run
// log at the end of the attempt.
type RampRecord struct {
	Target  float64
	Rate    float64
	Started time.Time
	Ended   time.Time
	Outcome RampOutcome
}

// Ramper is the slice of an instrument driver the ramp machine needs.
// *gpib.PowerSupply implements it.
type Ramper interface {
	SetTarget(current float64) error
	SetRate(rate float64) error
	StartRamp() error
	Pause() error
	State() (gpib.SupplyState, error)
	RecordCurrent(wait bool) (float64, bool)
}

// rampMachine drives one programmed ramp on one instrument. It runs inside
// the controller goroutine and owns the controller's RampState for the
// duration of the attempt.
type rampMachine struct {
	name       string
	r          Ramper
	maxCurrent float64
	timing     Timing
	notify     Notifier
	onState    func(RampState)

	// notifyCompletion switches on a RampDone reply when the instrument
	// reaches Holding. Entering a ramp is always acknowledged; finishing
	// one is silent unless this is set.
	notifyCompletion bool
}

func (m *rampMachine) setState(s RampState) {
	if m.onState != nil {
		m.onState(s)
	}
}

// run executes one ramp attempt: validate, program, verify, start, then
// alternate hardware polls with short control-message polls until the
// instrument holds, the operator interrupts, or something breaks. It always
// leaves the machine Idle (the terminal Holding and Paused states are
// transient) and reports how the attempt ended.
func (m *rampMachine) run(ctx context.Context, msgr *comm.Messenger, target, rate float64) RampRecord {
	rec := RampRecord{Target: target, Rate: rate, Started: time.Now()}
	finish := func(o RampOutcome) RampRecord {
		rec.Ended = time.Now()
		rec.Outcome = o
		m.setState(Idle)
		return rec
	}

	if target < 0 || target >= m.maxCurrent {
		msgr.Reply(comm.NewRampFailedReply(
			fmt.Sprintf("target %.4f A outside 0 <= target < %.4f", target, m.maxCurrent)))
		return finish(OutcomeRejected)
	}
	if rate <= 0 {
		msgr.Reply(comm.NewRampFailedReply(
			fmt.Sprintf("ramp rate %.4f A/s is not positive", rate)))
		return finish(OutcomeRejected)
	}

	if !m.programAndVerify("target current", func() error { return m.r.SetTarget(target) }) {
		msgr.Reply(comm.NewRampFailedReply("could not program target current"))
		return finish(OutcomeRejected)
	}
	if !m.programAndVerify("ramp rate", func() error { return m.r.SetRate(rate) }) {
		msgr.Reply(comm.NewRampFailedReply("could not program ramp rate"))
		return finish(OutcomeRejected)
	}

	if err := m.r.StartRamp(); err != nil {
		log.Printf("%s: ramp start failed: %v\n", m.name, err)
		msgr.Reply(comm.NewRampFailedReply("ramp start command failed"))
		return finish(OutcomeRejected)
	}
	st, err := m.r.State()
	if err != nil {
		log.Printf("%s: state check after ramp start failed: %v\n", m.name, err)
		msgr.Reply(comm.NewRampFailedReply("no state reading after ramp start"))
		return finish(OutcomeRejected)
	}
	if st != gpib.StateRamping && st != gpib.StateHolding {
		msgr.Reply(comm.NewRampFailedReply(
			fmt.Sprintf("instrument in unexpected state %q after ramp start", st)))
		return finish(OutcomeRejected)
	}

	// The ramp is running. Acknowledge once; completion stays silent unless
	// notifyCompletion is set.
	msgr.Reply(comm.NewReply(comm.RampStarted))
	m.setState(Ramping)
	m.post(fmt.Sprintf("ramp started: %.4f A at %.4f A/s", target, rate))

	for {
		if _, ok := m.r.RecordCurrent(true); !ok {
			log.Printf("%s: current sample failed, continuing\n", m.name)
		}

		st, err := m.r.State()
		if err != nil {
			// Retries are exhausted: the instrument is gone. Fatal to this
			// ramp, not to the controller.
			log.Printf("%s: lost instrument mid-ramp: %v\n", m.name, err)
			m.post(fmt.Sprintf("ramp to %.4f A aborted: instrument unreachable", target))
			return finish(OutcomeAborted)
		}
		switch st {
		case gpib.StateHolding:
			m.setState(Holding)
			if m.notifyCompletion {
				msgr.Reply(comm.NewReply(comm.RampDone))
			}
			m.post(fmt.Sprintf("ramp finished: holding at %.4f A", target))
			return finish(OutcomeCompleted)
		case gpib.StateQuenched:
			log.Printf("%s: quench detected, ramp abandoned\n", m.name)
			m.post("QUENCH detected: output dropped, ramp abandoned")
			return finish(OutcomeAborted)
		}

		msg, got, err := msgr.Poll(ctx, m.timing.InterruptPoll())
		if err != nil {
			return finish(OutcomeKilled)
		}
		if !got {
			continue
		}
		switch msg.Kind {
		case comm.Interrupt:
			if done := m.interrupt(msgr); done {
				return finish(OutcomeInterrupted)
			}
		case comm.Ramp:
			msgr.Reply(comm.NewReply(comm.RampInProgress))
			m.swallowArgs(ctx, msgr)
		default:
			msgr.Reply(comm.NewReply(comm.RampInProgress))
		}
	}
}

// interrupt pauses the hardware and confirms it took. A pause that does not
// take leaves the ramp running and the operator warned, which beats
// pretending the magnet stopped.
func (m *rampMachine) interrupt(msgr *comm.Messenger) bool {
	if err := m.r.Pause(); err != nil {
		log.Printf("%s: pause failed: %v\n", m.name, err)
		msgr.Reply(comm.NewRampFailedReply("pause command failed, still ramping"))
		return false
	}
	st, err := m.r.State()
	if err != nil || st != gpib.StatePaused {
		log.Printf("%s: pause not confirmed (state %v, err %v)\n", m.name, st, err)
		msgr.Reply(comm.NewRampFailedReply("pause not confirmed, check instrument"))
		return false
	}
	m.setState(Paused)
	msgr.Reply(comm.NewReply(comm.Interrupted))
	m.post("ramp interrupted by operator")
	return true
}

// swallowArgs discards the trailing target and rate of a ramp command that
// was rejected mid-ramp, so they are not later mistaken for tokens.
func (m *rampMachine) swallowArgs(ctx context.Context, msgr *comm.Messenger) {
	for i := 0; i < 2; i++ {
		msg, got, err := msgr.Poll(ctx, m.timing.ArgTimeout())
		if err != nil || !got || msg.Kind != comm.Arg {
			return
		}
	}
}

// programAndVerify runs one programming call. A read-back mismatch is
// surfaced and tolerated; any other failure kills the attempt.
func (m *rampMachine) programAndVerify(what string, program func() error) bool {
	err := program()
	if err == nil {
		return true
	}
	var mismatch *gpib.MismatchError
	if errors.As(err, &mismatch) {
		log.Printf("%s: programming mismatch: %v\n", m.name, mismatch)
		m.post("programming mismatch: " + mismatch.Error())
		programmingMismatches.Add(1)
		return true
	}
	log.Printf("%s: programming %s failed: %v\n", m.name, what, err)
	return false
}

func (m *rampMachine) post(event string) {
	if m.notify != nil {
		m.notify.Notify(m.name + ": " + event)
	}
}
