package control

import (
	"context"
	"fmt"
	"log"

	"github.com/he3lab/rampctl/comm"
)

// Handle is the coordinator's grip on one spawned controller: its messenger,
// its kill switch, and its liveness signal.
type Handle struct {
	Name   string
	m      *comm.Messenger
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Spawn wires a fresh messenger into the controller and starts its
// goroutine. The returned handle is the only way to talk to it.
func Spawn(ctx context.Context, c *Controller) *Handle {
	m := comm.NewMessenger()
	c.m = m
	cctx, cancel := context.WithCancel(ctx)
	go c.Run(cctx)
	return &Handle{Name: c.name, m: m, cancel: cancel, done: c.done}
}

// Alive reports whether the controller goroutine is still running. It is a
// diagnostic hint, not a synchronization primitive.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Kill cancels the controller outright. No reply arrives and nothing is
// flushed; recorded data still in memory is lost.
func (h *Handle) Kill() { h.cancel() }

// Wait blocks until the controller goroutine has exited.
func (h *Handle) Wait() { <-h.done }

// Result is the outcome of one coordinator exchange, ready for rendering.
type Result struct {
	// Refused is set when the command never left the coordinator, with the
	// reason.
	Refused string
	// Got reports whether a reply arrived within the protocol timeout.
	Got   bool
	Reply comm.Reply
	// Alive is the controller liveness at the time of a missing reply.
	Alive bool
}

// Coordinator is the operator side of the protocol. It validates commands
// locally, sends them, and waits a bounded time for replies. It never blocks
// on a wedged or dead controller.
type Coordinator struct {
	timing     Timing
	maxCurrent float64
}

// NewCoordinator builds a coordinator enforcing the given current limit on
// ramp commands.
func NewCoordinator(timing Timing, maxCurrent float64) *Coordinator {
	return &Coordinator{timing: timing, maxCurrent: maxCurrent}
}

// Ramp asks the controller to ramp to target at rate. The command and its
// two arguments are sent back to back; the controller pairs them up.
func (co *Coordinator) Ramp(h *Handle, target, rate float64) Result {
	if target < 0 || target >= co.maxCurrent {
		return Result{Refused: fmt.Sprintf("target must satisfy 0 <= target < %.4f A", co.maxCurrent)}
	}
	if rate <= 0 {
		return Result{Refused: "ramp rate must be positive"}
	}
	co.drain(h)
	if !h.m.Send(comm.NewRampMessage()) ||
		!h.m.Send(comm.NewArgMessage(target)) ||
		!h.m.Send(comm.NewArgMessage(rate)) {
		return Result{Refused: "controller is not accepting commands"}
	}
	return co.await(h)
}

// Interrupt asks the controller to pause an active ramp.
func (co *Coordinator) Interrupt(h *Handle) Result {
	co.drain(h)
	if !h.m.Send(comm.NewInterruptMessage()) {
		return Result{Refused: "controller is not accepting commands"}
	}
	return co.await(h)
}

// Finish asks the controller to flush its data and stop. A controller that
// is mid-ramp refuses; one that has already died yields no reply and
// Alive=false, which the caller may treat as stopped.
func (co *Coordinator) Finish(h *Handle) Result {
	co.drain(h)
	if !h.m.Send(comm.NewFinishMessage()) {
		return Result{Got: false, Alive: h.Alive()}
	}
	return co.await(h)
}

// Raw forwards an arbitrary token, exercising the controller's rejection
// path. Useful from the console for poking a rig.
func (co *Coordinator) Raw(h *Handle, text string) Result {
	co.drain(h)
	if !h.m.Send(comm.NewRawMessage(text)) {
		return Result{Refused: "controller is not accepting commands"}
	}
	return co.await(h)
}

// drain clears stale replies left over from earlier exchanges, so the next
// reply read pairs with the next command sent.
func (co *Coordinator) drain(h *Handle) {
	if n := h.m.DrainReplies(); n > 0 {
		log.Printf("%s: dropped %d stale replies\n", h.Name, n)
	}
}

func (co *Coordinator) await(h *Handle) Result {
	reply, ok := h.m.PollReply(co.timing.ReplyTimeout())
	if !ok {
		return Result{Got: false, Alive: h.Alive()}
	}
	return Result{Got: true, Reply: reply, Alive: true}
}
