package gpib

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// CommError means an instrument stopped answering: every attempt of a single
// write or ask was used up. The controller treats it as fatal to the current
// operation, never to the process.
type CommError struct {
	Cmd   string
	Tries int
	Last  error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("instrument communication failed: %q failed %d times: %v",
		e.Cmd, e.Tries, e.Last)
}

func (e *CommError) Unwrap() error { return e.Last }

// Transport wraps a session with the retry discipline used for every
// instrument exchange. A call is attempted up to Tries times; after a failed
// attempt it sleeps Wait, doubling the sleep each time when Backoff is on.
// Exhausting all tries returns a *CommError naming the command. The
// instrument may see repeated physical writes along the way; that is
// inherent to best-effort hardware retry.
type Transport struct {
	sess    Session
	tries   int
	wait    time.Duration
	backoff bool
}

// TransportOptions tunes the retry behavior. Zero values select the
// defaults: 3 tries, 100ms initial wait, backoff on.
type TransportOptions struct {
	Tries     int
	Wait      time.Duration
	NoBackoff bool
}

func NewTransport(sess Session, opts TransportOptions) *Transport {
	if opts.Tries <= 0 {
		opts.Tries = 3
	}
	if opts.Wait <= 0 {
		opts.Wait = 100 * time.Millisecond
	}
	return &Transport{
		sess:    sess,
		tries:   opts.Tries,
		wait:    opts.Wait,
		backoff: !opts.NoBackoff,
	}
}

func (t *Transport) Write(cmd string) error {
	return t.attempt(cmd, func() error {
		return t.sess.Write(cmd)
	})
}

func (t *Transport) Ask(cmd string) (string, error) {
	var text string
	err := t.attempt(cmd, func() error {
		var err error
		text, err = t.sess.Ask(cmd)
		return err
	})
	return text, err
}

// AskFloat asks and converts the reply to a float64. A reply that does not
// parse counts as a failed try, same as an I/O fault.
func (t *Transport) AskFloat(cmd string) (float64, error) {
	var value float64
	err := t.attempt(cmd, func() error {
		text, err := t.sess.Ask(cmd)
		if err != nil {
			return err
		}
		value, err = strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("reply %q to %q is not a number: %w", text, cmd, err)
		}
		return nil
	})
	return value, err
}

func (t *Transport) Close() error {
	return t.sess.Close()
}

func (t *Transport) attempt(cmd string, op func() error) error {
	wait := t.wait
	var last error
	for try := 0; try < t.tries; try++ {
		if try > 0 {
			time.Sleep(wait)
			if t.backoff {
				wait *= 2
			}
			retries.Add(1)
		}
		if err := op(); err != nil {
			last = err
			continue
		}
		return nil
	}
	failures.Add(1)
	return &CommError{Cmd: cmd, Tries: t.tries, Last: last}
}

// Retry counters across all transports, read by the monitor's metrics
// endpoint.
var (
	retries  atomic.Uint64
	failures atomic.Uint64
)

func RetryCount() uint64 { return retries.Load() }
func FailureCount() uint64 { return failures.Load() }
