package comm

import (
	"context"
	"time"
)

const queueDepth = 8

// Messenger is the ordered, bidirectional channel pair between the
// coordinator and one instrument controller. Messages are delivered in send
// order and are never duplicated; a send is only refused (with a false
// return) when the peer has stopped draining its queue, which the caller
// must report rather than ignore.
//
// The coordinator owns Send, PollReply and DrainReplies. The controller owns
// Recv, Poll and Reply. Kill does not travel through the messenger at all:
// the coordinator cancels the controller's context instead.
type Messenger struct {
	messages chan Message
	replies  chan Reply
}

func NewMessenger() *Messenger {
	return &Messenger{
		messages: make(chan Message, queueDepth),
		replies:  make(chan Reply, queueDepth),
	}
}

// Send queues a message for the controller. It never blocks.
func (m *Messenger) Send(msg Message) bool {
	select {
	case m.messages <- msg:
		return true
	default:
		return false
	}
}

// PollReply waits up to timeout for a reply from the controller. It returns
// false on timeout and when the controller has closed its end.
func (m *Messenger) PollReply(timeout time.Duration) (Reply, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-m.replies:
		return r, ok
	case <-timer.C:
		return Reply{}, false
	}
}

// DrainReplies discards every reply currently queued and reports how many
// were thrown away. The coordinator calls this before each new exchange so a
// late reply from a previous command cannot be mistaken for the answer to
// the next one.
func (m *Messenger) DrainReplies() int {
	n := 0
	for {
		select {
		case _, ok := <-m.replies:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Recv blocks until a message arrives or ctx is canceled. The second return
// is false only on cancellation.
func (m *Messenger) Recv(ctx context.Context) (Message, bool) {
	select {
	case msg := <-m.messages:
		return msg, true
	case <-ctx.Done():
		return Message{}, false
	}
}

// Poll waits up to timeout for a message. It returns (msg, true, nil) on
// arrival, (_, false, nil) on timeout and (_, false, ctx.Err()) on
// cancellation, so callers can tell a quiet line from a kill.
func (m *Messenger) Poll(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-m.messages:
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Reply queues a reply for the coordinator. It never blocks; a full queue
// means the coordinator is gone, in which case the reply is dropped and the
// caller may log it.
func (m *Messenger) Reply(r Reply) bool {
	select {
	case m.replies <- r:
		return true
	default:
		return false
	}
}

// CloseReplies is called once by the controller when its dispatch loop
// exits, so a coordinator blocked in PollReply wakes up immediately instead
// of waiting out its timeout.
func (m *Messenger) CloseReplies() {
	close(m.replies)
}
