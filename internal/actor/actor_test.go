package actor

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunfield-io/sunspec-collector/internal/sunspecmodel"
	"github.com/sunfield-io/sunspec-collector/internal/telemetry"
)

// fakeModbus answers ReadHolding from an in-memory register map keyed by
// starting address, letting tests script model-walk and poll responses
// without a real TCP connection.
type fakeModbus struct {
	byAddr   map[uint16][]uint16
	failUntilCycle int
	cycle    int
	closed   bool
}

func (f *fakeModbus) BeginCycle() { f.cycle++ }
func (f *fakeModbus) Close()      { f.closed = true }

func (f *fakeModbus) ReadHolding(_ context.Context, start, count uint16) ([]uint16, error) {
	if f.cycle <= f.failUntilCycle {
		return nil, errFake
	}
	words, ok := f.byAddr[start]
	if !ok {
		return nil, errFake
	}
	if int(count) > len(words) {
		count = uint16(len(words))
	}
	return words[:count], nil
}

var errFake = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "fake modbus failure" }

func sunSWords() []uint16 { return []uint16{0x5375, 0x6e53} }

func testRegistry(t *testing.T) *sunspecmodel.Registry {
	t.Helper()
	r, err := sunspecmodel.Load("")
	require.NoError(t, err)
	return r
}

func TestActorWalksModelsDiscoversAndPolls(t *testing.T) {
	reg := testRegistry(t)
	clk := clock.NewMock()

	// Header: SunS sentinel at 40000, then (model_id=1, length=66) at
	// 40002, then terminator at 40070.
	header := append(sunSWords(), 1, 66, modelListTerminator)
	fm := &fakeModbus{byAddr: map[uint16][]uint16{
		40000: header,
		40004: make([]uint16, 66), // model 1 block, all zero (strings -> NotImplemented)
	}}

	out := make(chan telemetry.Observation, 1)
	cfg := Config{Address: telemetry.DeviceAddress{Host: "10.0.0.1", Port: 502, UnitID: 1}, PollInterval: time.Second}
	a := New(cfg, fm, reg, out, clk, nil, Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var obs telemetry.Observation
	select {
	case obs = <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observation")
	}
	cancel()
	<-done

	require.Len(t, obs.Models, 1)
	assert.Equal(t, 1, obs.Models[0].ModelID)
	assert.Equal(t, uint64(0), obs.Sequence)
}

func TestActorBacksOffOnConnectFailure(t *testing.T) {
	reg := testRegistry(t)
	clk := clock.NewMock()

	fm := &fakeModbus{byAddr: map[uint16][]uint16{}} // every read fails: no entries

	out := make(chan telemetry.Observation, 1)
	cfg := Config{Address: telemetry.DeviceAddress{Host: "10.0.0.2", Port: 502, UnitID: 1}, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	a := New(cfg, fm, reg, out, clk, nil, Metrics{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let a couple of disconnected -> backoff transitions happen.
	clk.Add(5 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	// The cancelled backoff sleep hands the actor back to Disconnected.
	assert.Equal(t, Disconnected, a.state)
}

func TestSkipsUnknownModelsDuringDiscovery(t *testing.T) {
	reg := testRegistry(t)
	a := New(Config{Address: telemetry.DeviceAddress{Host: "10.0.0.3", Port: 502, UnitID: 1}}, &fakeModbus{}, reg, nil, clock.NewMock(), nil, Metrics{})
	a.models = []modelSlot{
		{id: 1, addr: 40002, words: 66},
		{id: 99999, addr: 40070, words: 10},
	}
	a.runDiscovering()
	require.Len(t, a.models, 1)
	assert.Equal(t, 1, a.models[0].id)
}

func TestIsSunSSentinel(t *testing.T) {
	assert.True(t, isSunSSentinel(0x5375, 0x6e53))
	assert.False(t, isSunSSentinel(0x0000, 0x0000))
}
