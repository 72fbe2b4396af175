package gpib

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSupplySession() *fakeSession {
	programmed := map[string]string{"SETI": "0.0000", "RATE": "0.0000"}
	sess := &fakeSession{}
	sess.handle = func(cmd string) (string, error) {
		switch {
		case cmd == "*IDN?":
			return "LSCI,MODEL625,6251136,1.0/1.0", nil
		case cmd == "SETI?":
			return programmed["SETI"], nil
		case cmd == "RATE?":
			return programmed["RATE"], nil
		case len(cmd) > 5 && cmd[:5] == "SETI ":
			programmed["SETI"] = cmd[5:]
			return "", nil
		case len(cmd) > 5 && cmd[:5] == "RATE ":
			programmed["RATE"] = cmd[5:]
			return "", nil
		}
		return "", nil
	}
	return sess
}

func TestInitializeProgramsTheStandardSetup(t *testing.T) {
	sess := echoSupplySession()
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	require.NoError(t, ps.Initialize())

	assert.Equal(t, "*IDN?", sess.calls[0], "identity is verified before anything is programmed")
	assert.Contains(t, sess.calls, "LIMIT 20.5000,5.0000,0.4000")
	assert.Contains(t, sess.calls, "SETV 5.0000")
	assert.Contains(t, sess.calls, "FLDS 0.07377")
	assert.Contains(t, sess.calls, "QNCH 1")
	assert.Contains(t, sess.calls, "RSEG 1")
	assert.Contains(t, sess.calls, "RSEGS 1,6.8000,0.3000")
	assert.Contains(t, sess.calls, "RSEGS 4,60.0000,0.0001")
}

func TestInitializeRejectsWrongInstrument(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		return "KEITHLEY,2400,1143786,C30", nil
	}}
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	err := ps.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected instrument identity")
	assert.Len(t, sess.calls, 1, "nothing gets programmed on a wrong identity")
}

func TestSetTargetVerifiesReadBack(t *testing.T) {
	sess := echoSupplySession()
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	require.NoError(t, ps.SetTarget(1.25))
	assert.Contains(t, sess.calls, "SETI 1.2500")
	assert.Contains(t, sess.calls, "SETI?")
}

func TestSetTargetReportsMismatch(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		if cmd == "SETI?" {
			// The instrument clamped our value.
			return "0.5000", nil
		}
		return "", nil
	}}
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	err := ps.SetTarget(1.0)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "target current", mismatch.Quantity)
	assert.Equal(t, 1.0, mismatch.Want)
	assert.Equal(t, 0.5, mismatch.Got)
}

func TestSetRateWithinToleranceIsAccepted(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		if cmd == "RATE?" {
			return "0.1002", nil
		}
		return "", nil
	}}
	params := DefaultPowerSupplyParams()
	params.RateTol = 0.0005
	ps := NewPowerSupply(NewTransport(sess, fastOpts), params)

	assert.NoError(t, ps.SetRate(0.1))
}

func TestStateDecoding(t *testing.T) {
	for code, want := range map[string]SupplyState{
		"1": StateRamping,
		"2": StateHolding,
		"3": StatePaused,
		"4": StateQuenched,
	} {
		sess := &fakeSession{handle: func(cmd string) (string, error) {
			return code, nil
		}}
		ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())
		state, err := ps.State()
		require.NoError(t, err)
		assert.Equal(t, want, state, "code %s", code)
	}
}

func TestStateRejectsUnknownCode(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		return "9", nil
	}}
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	state, err := ps.State()
	assert.Error(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestStateSurfacesCommError(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		return "", errors.New("line dead")
	}}
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	_, err := ps.State()
	var commErr *CommError
	assert.ErrorAs(t, err, &commErr)
}

func TestReadFieldUsesFieldCommand(t *testing.T) {
	sess := &fakeSession{handle: func(cmd string) (string, error) {
		if cmd == "RDGF?" {
			return fmt.Sprintf("%.5f", 0.07377*2.0), nil
		}
		return "", nil
	}}
	ps := NewPowerSupply(NewTransport(sess, fastOpts), DefaultPowerSupplyParams())

	field, err := ps.ReadField()
	require.NoError(t, err)
	assert.InDelta(t, 0.14754, field, 1e-9)
}
