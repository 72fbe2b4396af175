package gpib

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, ps *PowerSupply, want SupplyState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		state, err := ps.State()
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("supply never reached %v within %v", want, within)
}

func TestSimSupplyFullRampCycle(t *testing.T) {
	sim := NewSimPowerSupply()
	ps := NewPowerSupply(NewTransport(sim, fastOpts), DefaultPowerSupplyParams())

	require.NoError(t, ps.Initialize())
	require.NoError(t, ps.SetTarget(0.02))
	require.NoError(t, ps.SetRate(0.2))
	require.NoError(t, ps.StartRamp())

	state, err := ps.State()
	require.NoError(t, err)
	assert.Contains(t, []SupplyState{StateRamping, StateHolding}, state)

	waitForState(t, ps, StateHolding, 3*time.Second)

	current, err := ps.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 0.02, current, 1e-6)
}

func TestSimSupplyPauseFreezesOutput(t *testing.T) {
	sim := NewSimPowerSupply()
	ps := NewPowerSupply(NewTransport(sim, fastOpts), DefaultPowerSupplyParams())

	require.NoError(t, ps.Initialize())
	require.NoError(t, ps.SetTarget(5.0))
	require.NoError(t, ps.SetRate(0.4))
	require.NoError(t, ps.StartRamp())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ps.Pause())

	state, err := ps.State()
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)

	frozen := sim.Output()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, frozen, sim.Output(), "paused output must not move")
	assert.Greater(t, frozen, 0.0)
	assert.Less(t, frozen, 5.0)
}

func TestSimSupplyClampMakesProgrammingMismatch(t *testing.T) {
	sim := NewSimPowerSupply()
	ps := NewPowerSupply(NewTransport(sim, fastOpts), DefaultPowerSupplyParams())
	require.NoError(t, ps.Initialize())

	err := ps.SetRate(1.5)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "ramp rate", mismatch.Quantity)
	assert.InDelta(t, 0.4, mismatch.Got, 1e-9)
}

func TestSimSupplyQuenchLatches(t *testing.T) {
	sim := NewSimPowerSupply()
	ps := NewPowerSupply(NewTransport(sim, fastOpts), DefaultPowerSupplyParams())
	require.NoError(t, ps.Initialize())

	require.NoError(t, ps.SetTarget(1.0))
	require.NoError(t, ps.SetRate(0.4))
	require.NoError(t, ps.StartRamp())
	time.Sleep(30 * time.Millisecond)
	sim.Quench()

	state, err := ps.State()
	require.NoError(t, err)
	assert.Equal(t, StateQuenched, state)

	current, err := ps.ReadCurrent()
	require.NoError(t, err)
	assert.Zero(t, current)

	// A quenched supply stays quenched even if told to ramp again.
	require.NoError(t, ps.StartRamp())
	state, err = ps.State()
	require.NoError(t, err)
	assert.Equal(t, StateQuenched, state)
}

func TestSimLockInAccumulatesAtSampleRate(t *testing.T) {
	sim := NewSimLockIn()
	require.NoError(t, sim.Write("STRT"))
	time.Sleep(300 * time.Millisecond)

	reply, err := sim.Ask("SPTS?")
	require.NoError(t, err)
	n, err := strconv.Atoi(reply)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2, "8 points per second, 300ms elapsed")
	assert.LessOrEqual(t, n, 8)
}

func TestSimLockInSampleClockSurvivesPauses(t *testing.T) {
	sim := NewSimLockIn()
	require.NoError(t, sim.Write("STRT"))

	// Pause/resume cycles far shorter than one 8 Hz sample period. Each
	// cycle alone accumulates less than a point; only the carried phase can
	// add up to one.
	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, sim.Write("PAUS"))
		require.NoError(t, sim.Write("STRT"))
		time.Sleep(30 * time.Millisecond)
	}

	reply, err := sim.Ask("SPTS?")
	require.NoError(t, err)
	n, err := strconv.Atoi(reply)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4, "points accumulate across pauses")
	assert.LessOrEqual(t, n, 10)
}

func TestLockInDriverRetrievesChunks(t *testing.T) {
	sim := NewSimLockIn()
	li := NewLockIn(NewTransport(sim, fastOpts), LockInParams{SampleRate: 8, BufferSize: 16})
	li.AttachRecorder(NewRecorder(time.Millisecond, li.ReadValue))

	require.NoError(t, li.Initialize())
	require.NoError(t, li.StartStorage())

	time.Sleep(400 * time.Millisecond)
	n, err := li.RetrieveStorage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	assert.Equal(t, n, li.Recorder().Len())

	// Storage keeps running after a retrieval.
	time.Sleep(400 * time.Millisecond)
	more, err := li.RetrieveStorage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, more, 1)
	assert.Equal(t, n+more, li.Recorder().Len())

	samples := li.Recorder().Samples()
	for i := 1; i < len(samples); i++ {
		assert.Greater(t, samples[i].Timestamp, samples[i-1].Timestamp,
			"synthesized timestamps must ascend")
	}
	for _, s := range samples {
		assert.InDelta(t, 2.9e-5, s.Value, 2.9e-5*0.05, "thermometer voltage scale")
	}
}

func TestLockInDriverResetsFullBuffer(t *testing.T) {
	sim := NewSimLockIn()
	li := NewLockIn(NewTransport(sim, fastOpts), LockInParams{SampleRate: 8, BufferSize: 2})
	li.AttachRecorder(NewRecorder(time.Millisecond, li.ReadValue))

	require.NoError(t, li.Initialize())
	require.NoError(t, li.StartStorage())

	samples := 0
	deadline := time.Now().Add(3 * time.Second)
	for samples < 4 && time.Now().Before(deadline) {
		time.Sleep(150 * time.Millisecond)
		n, err := li.RetrieveStorage()
		require.NoError(t, err)
		samples += n
	}
	// More points than one buffer holds means the reset path worked.
	assert.GreaterOrEqual(t, samples, 4)
}

func TestChunkInterval(t *testing.T) {
	li := NewLockIn(nil, LockInParams{SampleRate: 8, BufferSize: 8000})
	assert.Equal(t, 1000*time.Second, li.ChunkInterval())
}
