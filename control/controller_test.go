package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/he3lab/rampctl/comm"
	"github.com/he3lab/rampctl/gpib"
)

// sinkCapture collects ramp records and sample dumps across goroutines.
type sinkCapture struct {
	mu      sync.Mutex
	records []RampRecord
	dumps   [][]gpib.Sample
}

func (s *sinkCapture) rampSink(instrument string, rec RampRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *sinkCapture) sampleDump(samples []gpib.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumps = append(s.dumps, samples)
	return nil
}

func (s *sinkCapture) lastRecord(t *testing.T) RampRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

func (s *sinkCapture) dumpCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dumps)
}

func fastRecorder() *gpib.Recorder {
	return gpib.NewRecorder(time.Millisecond, func() (float64, error) { return 0.0198, nil })
}

// spawnSupply wires a fake supply into a controller and hands back the
// coordinator pieces.
func spawnSupply(f *fakeSupply, opts ...ControllerOption) (*Coordinator, *Handle, *Controller) {
	f.rec = fastRecorder()
	opts = append(opts, WithTiming(testTiming()))
	c := NewRampController("magnet", f, f.rec, 20.5, opts...)
	h := Spawn(context.Background(), c)
	co := NewCoordinator(testTiming(), 20.5)
	return co, h, c
}

// finishUntilStopped retries Finish until the controller confirms, giving an
// active ramp time to run out.
func finishUntilStopped(t *testing.T, co *Coordinator, h *Handle) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		res := co.Finish(h)
		if res.Got && res.Reply.Kind == comm.Stopped {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("controller never stopped, last result %+v", res)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerRampNeedsTwoArguments(t *testing.T) {
	f := &fakeSupply{}
	_, h, _ := spawnSupply(f)

	require.True(t, h.m.Send(comm.NewRampMessage()))
	reply, ok := h.m.PollReply(500 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, comm.MissingArguments, reply.Kind)
	assert.Zero(t, f.hardwareCalls())

	reply, ok = h.m.PollReply(200 * time.Millisecond)
	require.False(t, ok, "got unexpected extra reply %+v", reply)

	h.Kill()
	h.Wait()
}

func TestControllerRedispatchesCommandDuringArgWait(t *testing.T) {
	f := &fakeSupply{}
	_, h, _ := spawnSupply(f)

	// Finish arrives where an argument belongs. The ramp is refused and the
	// finish still happens.
	require.True(t, h.m.Send(comm.NewRampMessage()))
	require.True(t, h.m.Send(comm.NewFinishMessage()))

	reply, ok := h.m.PollReply(500 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, comm.MissingArguments, reply.Kind)

	reply, ok = h.m.PollReply(500 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, comm.Stopped, reply.Kind)
	h.Wait()
	assert.False(t, h.Alive())
}

func TestControllerRampToCompletionAndFlush(t *testing.T) {
	f := &fakeSupply{stateSeq: []stateStep{
		{st: gpib.StateRamping},
		{st: gpib.StateHolding},
	}}
	sink := &sinkCapture{}
	statuses := make(chan Status, 16)
	co, h, _ := spawnSupply(f,
		WithSampleDump(sink.sampleDump),
		WithRampSink(sink.rampSink),
		WithStatus(statuses),
	)

	res := co.Ramp(h, 5.0, 0.1)
	require.Empty(t, res.Refused)
	require.True(t, res.Got)
	assert.Equal(t, comm.RampStarted, res.Reply.Kind)

	finishUntilStopped(t, co, h)
	h.Wait()

	rec := sink.lastRecord(t)
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
	assert.Equal(t, 5.0, rec.Target)
	assert.Equal(t, 0.1, rec.Rate)

	require.Equal(t, 1, sink.dumpCount())
	require.NotEmpty(t, sink.dumps[0])
	assert.Equal(t, 0.0198, sink.dumps[0][0].Value)

	close(statuses)
	var seen []string
	for st := range statuses {
		assert.Equal(t, "magnet", st.Instrument)
		seen = append(seen, st.State)
	}
	assert.Equal(t, []string{"idle", "ramping", "holding", "idle"}, seen)
}

func TestControllerFinishRefusedMidRamp(t *testing.T) {
	f := &fakeSupply{
		pauseSticks: true,
		stateSeq:    []stateStep{{st: gpib.StateRamping}},
	}
	sink := &sinkCapture{}
	co, h, _ := spawnSupply(f, WithSampleDump(sink.sampleDump), WithRampSink(sink.rampSink))

	res := co.Ramp(h, 10.0, 0.001)
	require.True(t, res.Got)
	require.Equal(t, comm.RampStarted, res.Reply.Kind)

	res = co.Finish(h)
	require.True(t, res.Got)
	assert.Equal(t, comm.RampInProgress, res.Reply.Kind)
	assert.Zero(t, sink.dumpCount(), "a refused finish must not flush")

	res = co.Interrupt(h)
	require.True(t, res.Got)
	assert.Equal(t, comm.Interrupted, res.Reply.Kind)

	finishUntilStopped(t, co, h)
	assert.Equal(t, OutcomeInterrupted, sink.lastRecord(t).Outcome)
	assert.Equal(t, 1, sink.dumpCount())
}

func TestControllerKillDropsDataUnflushed(t *testing.T) {
	f := &fakeSupply{
		pauseSticks: true,
		stateSeq:    []stateStep{{st: gpib.StateRamping}},
	}
	sink := &sinkCapture{}
	co, h, c := spawnSupply(f, WithSampleDump(sink.sampleDump), WithRampSink(sink.rampSink))

	res := co.Ramp(h, 10.0, 0.001)
	require.True(t, res.Got)
	require.Equal(t, comm.RampStarted, res.Reply.Kind)

	h.Kill()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not exit on kill")
	}

	assert.False(t, h.Alive())
	assert.Zero(t, sink.dumpCount(), "kill must not flush")
	assert.Equal(t, OutcomeKilled, sink.lastRecord(t).Outcome)

	res = co.Finish(h)
	assert.False(t, res.Got)
	assert.False(t, res.Alive)
}

func TestControllerAnswersIdleChatter(t *testing.T) {
	f := &fakeSupply{}
	co, h, _ := spawnSupply(f)

	res := co.Interrupt(h)
	require.True(t, res.Got)
	assert.Equal(t, comm.NothingToInterrupt, res.Reply.Kind)

	res = co.Raw(h, "fly")
	require.True(t, res.Got)
	assert.Equal(t, comm.Unknown, res.Reply.Kind)
	assert.Equal(t, "fly", res.Reply.Text)

	// A stray argument with no ramp pending is just an odd token.
	require.True(t, h.m.Send(comm.NewArgMessage(5)))
	reply, ok := h.m.PollReply(500 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, comm.Unknown, reply.Kind)
	assert.Equal(t, "5", reply.Text)

	finishUntilStopped(t, co, h)
}

type fakeHarvester struct {
	mu        sync.Mutex
	started   int
	retrieved int
	rec       *gpib.Recorder
}

func (f *fakeHarvester) StartStorage() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeHarvester) RetrieveStorage() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieved++
	if f.rec != nil {
		f.rec.Append(gpib.Sample{Timestamp: float64(f.retrieved), Value: 2.9e-5})
	}
	return 1, nil
}

func (f *fakeHarvester) ChunkInterval() time.Duration { return time.Hour }

func (f *fakeHarvester) counts() (started, retrieved int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.retrieved
}

func TestLockInControllerHarvestsBetweenCommands(t *testing.T) {
	rec := gpib.NewRecorder(time.Millisecond, func() (float64, error) { return 0, nil })
	f := &fakeHarvester{rec: rec}
	sink := &sinkCapture{}
	c := &Controller{
		name:         "lock-in",
		harvester:    f,
		rec:          rec,
		timing:       testTiming(),
		harvestEvery: 25 * time.Millisecond,
		dumps:        []SampleDump{sink.sampleDump},
		done:         make(chan struct{}),
	}
	h := Spawn(context.Background(), c)
	co := NewCoordinator(testTiming(), 20.5)

	time.Sleep(120 * time.Millisecond)
	started, retrieved := f.counts()
	assert.Equal(t, 1, started)
	assert.GreaterOrEqual(t, retrieved, 2, "idle controller must keep draining the buffer")

	// Commands still win over harvesting.
	res := co.Raw(h, "warble")
	require.True(t, res.Got)
	assert.Equal(t, comm.Unknown, res.Reply.Kind)

	// A ramp command is gibberish to an instrument that cannot ramp.
	res = co.Ramp(h, 5.0, 0.1)
	require.True(t, res.Got)
	assert.Equal(t, comm.Unknown, res.Reply.Kind)
	assert.Equal(t, "ramp", res.Reply.Text)

	finishUntilStopped(t, co, h)
	require.Equal(t, 1, sink.dumpCount())
	assert.NotEmpty(t, sink.dumps[0])
}

func TestLockInControllerFinishDrainsBufferFirst(t *testing.T) {
	rec := gpib.NewRecorder(time.Millisecond, func() (float64, error) { return 0, nil })
	f := &fakeHarvester{rec: rec}
	sink := &sinkCapture{}
	c := &Controller{
		name:         "lock-in",
		harvester:    f,
		rec:          rec,
		timing:       testTiming(),
		harvestEvery: time.Hour,
		dumps:        []SampleDump{sink.sampleDump},
		done:         make(chan struct{}),
	}
	h := Spawn(context.Background(), c)
	co := NewCoordinator(testTiming(), 20.5)

	// No harvest interval elapses before the finish; the only chance to save
	// the buffered points is the finish itself.
	finishUntilStopped(t, co, h)

	_, retrieved := f.counts()
	assert.Equal(t, 1, retrieved, "finish retrieves the instrument buffer")
	require.Equal(t, 1, sink.dumpCount())
	require.Len(t, sink.dumps[0], 1)
	assert.Equal(t, 2.9e-5, sink.dumps[0][0].Value)
}
