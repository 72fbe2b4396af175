package comm

import "strconv"

type MessageKind int
type ReplyKind int

// MessageKind values (coordinator -> controller)
const (
	msgInvalid MessageKind = iota
	Ramp
	Interrupt
	Finish
	Arg
	Raw
)

// ReplyKind values (controller -> coordinator)
const (
	replyInvalid ReplyKind = iota
	RampStarted
	RampInProgress
	MissingArguments
	Interrupted
	NothingToInterrupt
	Stopped
	RampDone
	RampFailed
	Unknown
)

// Message is a single command token sent to an instrument controller. A Ramp
// command is followed by two separate Arg messages carrying target and rate,
// in that order. Raw carries an unrecognized token verbatim so the controller
// can echo it back instead of choking on it.
type Message struct {
	Kind  MessageKind
	Value float64
	Text  string
}

// Reply is a single response token sent back by an instrument controller.
// Text carries detail for RampFailed and the offending token for Unknown.
type Reply struct {
	Kind ReplyKind
	Text string
}

// String renders a reply for the operator.
func (r Reply) String() string {
	switch r.Kind {
	case RampStarted:
		return "ramp started"
	case RampInProgress:
		return "ramp already in progress"
	case MissingArguments:
		return "ramp arguments missing"
	case Interrupted:
		return "ramp interrupted"
	case NothingToInterrupt:
		return "no ramp to interrupt"
	case Stopped:
		return "controller stopped"
	case RampDone:
		return "ramp done"
	case RampFailed:
		return "ramp failed: " + r.Text
	case Unknown:
		return "unknown command " + strconv.Quote(r.Text)
	}
	return "???"
}

// Token returns the console-level spelling of a message, used when a
// controller echoes something it did not understand.
func (m Message) Token() string {
	switch m.Kind {
	case Ramp:
		return "ramp"
	case Interrupt:
		return "interrupt"
	case Finish:
		return "finish"
	case Arg:
		return strconv.FormatFloat(m.Value, 'g', -1, 64)
	case Raw:
		return m.Text
	}
	return "???"
}
