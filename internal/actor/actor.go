// Package actor implements the Device Actor (C4): one cooperative task
// per device address, cycling Disconnected -> Connected -> Discovering
// -> Polling -> Backoff, decoding SunSpec models each cycle and emitting
// Observations onto a bounded telemetry channel.
package actor

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sunfield-io/sunspec-collector/internal/sunspecmodel"
	"github.com/sunfield-io/sunspec-collector/internal/telemetry"
)

// ModbusClient is the subset of *modbusclient.Client an Actor needs.
// Declaring it as an interface lets tests inject an in-memory register
// map instead of a real TCP connection.
type ModbusClient interface {
	BeginCycle()
	ReadHolding(ctx context.Context, start, count uint16) ([]uint16, error)
	Close()
}

// State is the Device Actor's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	Discovering
	Polling
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Discovering:
		return "discovering"
	case Polling:
		return "polling"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const modelListTerminator = 0xFFFF

// modelSlot is one entry from the walked model header: a model_id and
// the register address its block starts at (immediately after the
// 2-register (model_id, length) pair).
type modelSlot struct {
	id    int
	addr  uint16
	words uint16
}

// Config holds the tunables for one actor. Fields mirror spec.md §6's
// polling/sunspec/modbus configuration keys.
type Config struct {
	Address telemetry.DeviceAddress

	BaseAddress       uint16
	DiscoveryRegCount uint16

	PollInterval time.Duration
	JitterMillis int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	EmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseAddress == 0 {
		c.BaseAddress = 40000
	}
	if c.DiscoveryRegCount == 0 {
		c.DiscoveryRegCount = 200
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = 2 * time.Second
	}
	return c
}

// Metrics are the Prometheus instruments an Actor reports to. All are
// optional; a nil collector is simply skipped (used by tests).
type Metrics struct {
	PollSuccess     prometheus.Counter
	LoopLag         prometheus.Histogram
	ChannelOverflow prometheus.Counter
	CycleErrors     prometheus.Counter
}

// Actor runs one device's state machine until ctx is cancelled.
type Actor struct {
	cfg     Config
	client  ModbusClient
	reg     *sunspecmodel.Registry
	out     chan<- telemetry.Observation
	clk     clock.Clock
	log     *logrus.Entry
	metrics Metrics

	state    State
	models   []modelSlot
	sequence uint64
	backoff  time.Duration

	// lastCycleStart is when the previous Polling cycle began. Zero
	// until the first cycle starts, since loop lag is only meaningful
	// relative to a prior cycle.
	lastCycleStart time.Time
}

// New constructs an Actor. client is owned exclusively by this Actor for
// its lifetime.
func New(cfg Config, client ModbusClient, reg *sunspecmodel.Registry, out chan<- telemetry.Observation, clk clock.Clock, log *logrus.Entry, metrics Metrics) *Actor {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Actor{
		cfg:     cfg,
		client:  client,
		reg:     reg,
		out:     out,
		clk:     clk,
		log:     log.WithField("device", cfg.Address.String()),
		metrics: metrics,
		state:   Disconnected,
		backoff: cfg.BaseBackoff,
	}
}

// Run drives the state machine until ctx is cancelled. It always returns
// nil on clean cancellation; the Supervisor treats a non-nil return as a
// failure warranting a supervised restart.
func (a *Actor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			a.client.Close()
			return nil
		}

		switch a.state {
		case Disconnected:
			a.runDisconnected(ctx)
		case Connected:
			a.runConnected(ctx)
		case Discovering:
			a.runDiscovering()
		case Polling:
			a.runPolling(ctx)
		case Backoff:
			a.runBackoff(ctx)
		}
	}
}

func (a *Actor) runDisconnected(ctx context.Context) {
	a.client.BeginCycle()
	if _, err := a.client.ReadHolding(ctx, a.cfg.BaseAddress, 2); err != nil {
		a.log.WithError(err).Debug("actor: connect probe failed")
		a.state = Backoff
		return
	}
	a.state = Connected
}

// runConnected walks the SunSpec model header: the 2-register sentinel
// at BaseAddress, then a sequence of (model_id, length) pairs until
// model_id == 0xFFFF.
func (a *Actor) runConnected(ctx context.Context) {
	words, err := a.client.ReadHolding(ctx, a.cfg.BaseAddress, a.cfg.DiscoveryRegCount)
	if err != nil {
		a.log.WithError(err).Warn("actor: model walk failed")
		a.state = Backoff
		return
	}
	if len(words) < 2 || !isSunSSentinel(words[0], words[1]) {
		a.log.Warn("actor: missing SunS sentinel at base address")
		a.state = Backoff
		return
	}

	var slots []modelSlot
	pos := uint16(2)
	for int(pos)+2 <= len(words) {
		id := int(words[pos])
		if id == modelListTerminator {
			break
		}
		length := words[pos+1]
		slots = append(slots, modelSlot{id: id, addr: a.cfg.BaseAddress + pos + 2, words: length})
		pos += 2 + length
	}
	a.models = slots
	a.state = Discovering
}

func isSunSSentinel(hi, lo uint16) bool {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], hi)
	binary.BigEndian.PutUint16(b[2:4], lo)
	return string(b[:]) == "SunS"
}

// runDiscovering resolves each walked model_id against the Registry,
// dropping any the registry doesn't recognize.
func (a *Actor) runDiscovering() {
	var resolved []modelSlot
	for _, slot := range a.models {
		if _, ok := a.reg.Lookup(slot.id); !ok {
			a.log.WithField("model_id", slot.id).Warn("actor: model not in registry, skipping")
			continue
		}
		resolved = append(resolved, slot)
	}
	a.models = resolved
	a.state = Polling
}

func (a *Actor) runPolling(ctx context.Context) {
	cycleStart := a.clk.Now()

	// actual_cycle_duration is the time between successive cycle starts,
	// which includes this cycle's predecessor read+decode+emit work *and*
	// its sleep/jitter — not just the portion measured before sleeping.
	if !a.lastCycleStart.IsZero() && a.metrics.LoopLag != nil {
		lag := cycleStart.Sub(a.lastCycleStart) - a.cfg.PollInterval
		a.metrics.LoopLag.Observe(lag.Seconds())
	}
	a.lastCycleStart = cycleStart

	a.client.BeginCycle()

	obs := telemetry.Observation{
		Sequence:        a.sequence,
		TimestampMillis: cycleStart.UnixMilli(),
		Address:         a.cfg.Address,
	}

	ok := true
	for _, slot := range a.models {
		desc, found := a.reg.Lookup(slot.id)
		if !found {
			continue
		}
		words, err := a.client.ReadHolding(ctx, slot.addr, slot.words)
		if err != nil {
			a.log.WithError(err).WithField("model_id", slot.id).Warn("actor: poll read failed")
			a.countError()
			ok = false
			break
		}
		fields := sunspecmodel.DecodeModel(desc, words)
		obs.Models = append(obs.Models, telemetry.ModelObservation{ModelID: slot.id, Fields: fields})
	}

	if !ok {
		a.state = Backoff
		return
	}

	a.sequence++
	a.emit(ctx, obs)
	if a.metrics.PollSuccess != nil {
		a.metrics.PollSuccess.Inc()
	}

	a.backoff = a.cfg.BaseBackoff
	sleep := a.cfg.PollInterval
	if a.cfg.JitterMillis > 0 {
		sleep += time.Duration(rand.Intn(a.cfg.JitterMillis)) * time.Millisecond
	}
	a.sleepOrCancel(ctx, sleep)
	a.state = Polling
}

// emit sends obs on the telemetry channel, blocking cooperatively for up
// to EmitTimeout. On timeout the observation is dropped and the
// channel-overflow counter is incremented, so a full channel never drops
// silently. Once ctx is cancelled, emit returns without sending.
func (a *Actor) emit(ctx context.Context, obs telemetry.Observation) {
	if ctx.Err() != nil {
		return
	}
	timer := a.clk.Timer(a.cfg.EmitTimeout)
	defer timer.Stop()

	select {
	case a.out <- obs:
	case <-timer.C:
		if a.metrics.ChannelOverflow != nil {
			a.metrics.ChannelOverflow.Inc()
		}
		a.log.Warn("actor: telemetry channel full, dropping observation")
	case <-ctx.Done():
	}
}

func (a *Actor) runBackoff(ctx context.Context) {
	a.client.Close()
	a.sleepOrCancel(ctx, jitter(a.backoff))
	a.backoff *= 2
	if a.backoff > a.cfg.MaxBackoff {
		a.backoff = a.cfg.MaxBackoff
	}
	a.state = Disconnected
}

func (a *Actor) sleepOrCancel(ctx context.Context, d time.Duration) {
	timer := a.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (a *Actor) countError() {
	if a.metrics.CycleErrors != nil {
		a.metrics.CycleErrors.Inc()
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
