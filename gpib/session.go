// Package gpib talks to the lab instruments. A Session is a raw line
// exchange with one device over a named resource; Transport adds the retry
// discipline every call goes through; PowerSupply and LockIn are the two
// instrument drivers the rig uses.
package gpib

import (
	"fmt"
	"strings"
)

// Session is a raw connection to a single instrument: send a command line,
// optionally read a response line. Implementations are not safe for
// concurrent use; a session is owned by exactly one controller for its whole
// lifetime.
type Session interface {
	Write(cmd string) error
	Ask(cmd string) (string, error)
	Close() error
}

// Open connects to the instrument named by a resource string and enforces
// exclusive ownership of it. Supported forms:
//
//	prologix:/dev/ttyUSB0::12   GPIB address 12 behind a Prologix-style
//	                            USB adapter on the given serial port
//	tcp:10.0.1.40:7777          SCPI over a raw TCP socket
//	sim:power-supply            simulated instrument, no hardware
//	sim:lock-in
func Open(resource string) (Session, error) {
	scheme, rest, ok := strings.Cut(resource, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("malformed resource %q", resource)
	}

	switch scheme {
	case "sim":
		return openSim(rest)
	case "prologix":
		unlock, err := lockResource(resource)
		if err != nil {
			return nil, err
		}
		s, err := openPrologix(rest)
		if err != nil {
			unlock()
			return nil, err
		}
		return &lockedSession{Session: s, unlock: unlock}, nil
	case "tcp":
		unlock, err := lockResource(resource)
		if err != nil {
			return nil, err
		}
		s, err := openTCP(rest)
		if err != nil {
			unlock()
			return nil, err
		}
		return &lockedSession{Session: s, unlock: unlock}, nil
	}
	return nil, fmt.Errorf("unknown resource scheme in %q", resource)
}

// lockedSession releases the resource lock together with the connection.
type lockedSession struct {
	Session
	unlock func()
}

func (s *lockedSession) Close() error {
	err := s.Session.Close()
	s.unlock()
	return err
}
