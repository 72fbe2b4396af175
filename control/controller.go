package control

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/he3lab/rampctl/comm"
	"github.com/he3lab/rampctl/gpib"
)

// Latency is the base reaction latency of the messaging protocol. Every
// bounded wait in the protocol is a small multiple of it.
const Latency = 100 * time.Millisecond

// programmingMismatches counts programmed-vs-readback disagreements rig-wide.
var programmingMismatches atomic.Uint64

// MismatchCount reports how many programming mismatches were tolerated since
// startup.
func MismatchCount() uint64 { return programmingMismatches.Load() }

// Timing groups the latency-derived delays of the protocol. The zero value
// is not usable; take DefaultTiming and adjust.
type Timing struct {
	// Latency is the base reaction latency.
	Latency time.Duration
	// SampleInterval is the minimum spacing of ramp samples.
	SampleInterval time.Duration
}

// DefaultTiming returns the rig's standard delays.
func DefaultTiming() Timing {
	return Timing{Latency: Latency, SampleInterval: 125 * time.Millisecond}
}

// ArgTimeout bounds the wait for each argument following a ramp command.
func (t Timing) ArgTimeout() time.Duration { return 5 * t.Latency }

// ReplyTimeout bounds the coordinator's wait for a controller reply.
func (t Timing) ReplyTimeout() time.Duration { return 10 * t.Latency }

// InterruptPoll is the control-message poll timeout between hardware polls
// during a ramp. Half the sampling interval keeps interrupts prompt without
// starving the instrument.
func (t Timing) InterruptPoll() time.Duration { return t.SampleInterval / 2 }

// Notifier posts one-line experiment events somewhere an absent operator
// will see them. Implementations swallow their own failures and must not
// block the control path for long.
type Notifier interface {
	Notify(event string)
}

// Harvester is an instrument that accumulates readings in its own buffer
// and needs periodic draining. *gpib.LockIn implements it.
type Harvester interface {
	StartStorage() error
	RetrieveStorage() (int, error)
	ChunkInterval() time.Duration
}

// SampleDump persists a controller's recorded samples at graceful shutdown.
type SampleDump func(samples []gpib.Sample) error

// RampSink receives the bookkeeping record of each finished ramp attempt.
type RampSink func(instrument string, rec RampRecord)

// Status is a point-in-time controller status for the live monitor.
type Status struct {
	Instrument string
	State      string
	Target     float64
	Rate       float64
	Samples    int
}

// Controller owns one instrument. It runs as a single goroutine, consumes
// commands from its messenger, and is the only code that talks to the
// instrument once spawned.
type Controller struct {
	name      string
	m         *comm.Messenger
	ramper    Ramper
	harvester Harvester
	rec       *gpib.Recorder
	timing    Timing
	notify    Notifier

	harvestEvery time.Duration
	maxCurrent   float64
	dumps        []SampleDump
	rampSink     RampSink
	statusCh     chan<- Status

	target float64
	rate   float64
	done   chan struct{}
}

// ControllerOption adjusts a controller at construction.
type ControllerOption func(*Controller)

// WithNotifier attaches an event notifier.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *Controller) { c.notify = n }
}

// WithSampleDump adds a teardown sink for the recorded samples. Dumps run in
// order on a graceful finish and never on a kill.
func WithSampleDump(d SampleDump) ControllerOption {
	return func(c *Controller) { c.dumps = append(c.dumps, d) }
}

// WithRampSink attaches a run-log sink for ramp attempts.
func WithRampSink(s RampSink) ControllerOption {
	return func(c *Controller) { c.rampSink = s }
}

// WithStatus attaches a live status channel. Sends are non-blocking; a slow
// consumer misses updates rather than stalling the controller.
func WithStatus(ch chan<- Status) ControllerOption {
	return func(c *Controller) { c.statusCh = ch }
}

// WithTiming overrides the protocol delays, mainly for tests.
func WithTiming(t Timing) ControllerOption {
	return func(c *Controller) { c.timing = t }
}

// WithHarvestInterval overrides how often a harvesting controller drains the
// instrument buffer. The buffer-full retrieval cadence is the upper bound.
func WithHarvestInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.harvestEvery = d }
}

// NewPowerSupplyController builds the controller for a ramping supply.
func NewPowerSupplyController(name string, ps *gpib.PowerSupply, opts ...ControllerOption) *Controller {
	c := &Controller{
		name:       name,
		ramper:     ps,
		rec:        ps.Recorder(),
		maxCurrent: ps.Params().MaxCurrent,
		timing:     DefaultTiming(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewRampController builds a controller around any Ramper, mainly for tests
// against fake hardware.
func NewRampController(name string, r Ramper, rec *gpib.Recorder, maxCurrent float64, opts ...ControllerOption) *Controller {
	c := &Controller{
		name:       name,
		ramper:     r,
		rec:        rec,
		maxCurrent: maxCurrent,
		timing:     DefaultTiming(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewLockInController builds the controller for a buffer-harvesting lock-in.
func NewLockInController(name string, li *gpib.LockIn, opts ...ControllerOption) *Controller {
	c := &Controller{
		name:      name,
		harvester: li,
		rec:       li.Recorder(),
		timing:    DefaultTiming(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.harvestEvery <= 0 || c.harvestEvery > li.ChunkInterval() {
		c.harvestEvery = li.ChunkInterval()
	}
	return c
}

// Name reports the instrument name used in logs and notifications.
func (c *Controller) Name() string { return c.name }

// Done is closed when the controller goroutine exits, for any reason.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run is the controller goroutine body. It exits on Finish (flushing first)
// or when ctx is cancelled (immediately, flushing nothing).
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	defer c.m.CloseReplies()

	if c.harvester != nil {
		if err := c.harvester.StartStorage(); err != nil {
			// Keep serving commands; retrieval will keep trying.
			log.Printf("%s: storage start failed: %v\n", c.name, err)
		}
	}
	c.pushStatus(Idle)

	var pending *comm.Message
	for {
		var msg comm.Message
		var ok bool
		switch {
		case pending != nil:
			msg, ok = *pending, true
			pending = nil
		case c.harvester != nil:
			msg, ok = c.recvHarvesting(ctx)
		default:
			msg, ok = c.m.Recv(ctx)
		}
		if !ok {
			log.Printf("%s: controller killed\n", c.name)
			return
		}

		switch msg.Kind {
		case comm.Ramp:
			if c.ramper == nil {
				c.m.Reply(comm.NewUnknownReply(msg.Token()))
				continue
			}
			var killed bool
			pending, killed = c.handleRamp(ctx)
			if killed {
				log.Printf("%s: controller killed mid-ramp\n", c.name)
				return
			}
		case comm.Interrupt:
			c.m.Reply(comm.NewReply(comm.NothingToInterrupt))
		case comm.Finish:
			c.finish()
			c.m.Reply(comm.NewReply(comm.Stopped))
			log.Printf("%s: controller stopped\n", c.name)
			return
		default:
			c.m.Reply(comm.NewUnknownReply(msg.Token()))
		}
	}
}

// handleRamp gathers the two ramp arguments and runs the ramp machine. A
// non-argument message that arrives while arguments are expected aborts the
// ramp and is handed back for normal dispatch.
func (c *Controller) handleRamp(ctx context.Context) (pending *comm.Message, killed bool) {
	var args [2]float64
	for i := 0; i < len(args); i++ {
		msg, got, err := c.m.Poll(ctx, c.timing.ArgTimeout())
		if err != nil {
			return nil, true
		}
		if !got {
			c.m.Reply(comm.NewReply(comm.MissingArguments))
			return nil, false
		}
		if msg.Kind != comm.Arg {
			c.m.Reply(comm.NewReply(comm.MissingArguments))
			return &msg, false
		}
		args[i] = msg.Value
	}

	c.target, c.rate = args[0], args[1]
	machine := &rampMachine{
		name:       c.name,
		r:          c.ramper,
		maxCurrent: c.maxCurrent,
		timing:     c.timing,
		notify:     c.notify,
		onState:    c.pushStatus,
	}
	rec := machine.run(ctx, c.m, c.target, c.rate)
	if c.rampSink != nil {
		c.rampSink(c.name, rec)
	}
	return nil, rec.Outcome == OutcomeKilled
}

// recvHarvesting waits for a command while keeping the instrument buffer
// drained. Commands win; harvesting happens between polls.
func (c *Controller) recvHarvesting(ctx context.Context) (comm.Message, bool) {
	next := time.Now().Add(c.harvestEvery)
	for {
		timeout := c.timing.Latency
		if until := time.Until(next); until < timeout {
			timeout = until
		}
		if timeout > 0 {
			msg, got, err := c.m.Poll(ctx, timeout)
			if err != nil {
				return comm.Message{}, false
			}
			if got {
				return msg, true
			}
		}
		if !time.Now().Before(next) {
			if n, err := c.harvester.RetrieveStorage(); err != nil {
				log.Printf("%s: storage retrieval failed: %v\n", c.name, err)
			} else if n > 0 {
				c.pushStatus(Idle)
				log.Printf("%s: retrieved %d stored points\n", c.name, n)
			}
			next = time.Now().Add(c.harvestEvery)
		}
	}
}

// finish drains any points still inside the instrument, then flushes the
// recorded samples through the teardown dumps.
func (c *Controller) finish() {
	if c.harvester != nil {
		if n, err := c.harvester.RetrieveStorage(); err != nil {
			log.Printf("%s: final storage retrieval failed: %v\n", c.name, err)
		} else if n > 0 {
			log.Printf("%s: retrieved %d stored points at finish\n", c.name, n)
		}
	}
	if c.rec == nil {
		return
	}
	samples := c.rec.Samples()
	log.Printf("%s: flushing %d samples\n", c.name, len(samples))
	for _, dump := range c.dumps {
		if err := dump(samples); err != nil {
			log.Printf("%s: sample dump failed: %v\n", c.name, err)
		}
	}
	if c.notify != nil {
		c.notify.Notify(c.name + ": controller finished, data flushed")
	}
}

func (c *Controller) pushStatus(s RampState) {
	if c.statusCh == nil {
		return
	}
	st := Status{
		Instrument: c.name,
		State:      s.String(),
		Target:     c.target,
		Rate:       c.rate,
	}
	if c.rec != nil {
		st.Samples = c.rec.Len()
	}
	select {
	case c.statusCh <- st:
	default:
	}
}
