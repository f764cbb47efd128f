// Package supervisor implements the Supervisor (C5): consumes the
// Discovery sequence, spawns one Device Actor per address, restarts
// failed actors with backoff capped by a sliding-window attempt budget,
// and coordinates shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cenkaltibackoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/sunfield-io/sunspec-collector/internal/telemetry"
)

// Runnable is anything the Supervisor can start and restart: a Device
// Actor, in production.
type Runnable interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh Runnable for addr. Called once at first spawn
// and again on every supervised restart, since a failed actor's Modbus
// Client and internal state are not reusable.
type Factory func(addr telemetry.DeviceAddress) Runnable

// Config tunes restart behavior.
type Config struct {
	RestartBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxRestarts       int
	RestartWindow     time.Duration
	ShutdownGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartBackoff == 0 {
		c.RestartBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = time.Minute
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// newRestartBackoff builds the exponential-backoff policy driving restart
// delays: starts at RestartBackoff, doubles, capped at MaxBackoff, jittered
// by cenkalti/backoff's default +/-50% randomization. It never stops on its
// own (MaxElapsedTime disabled); the restart budget in supervise is what
// eventually gives up on a device.
func (c Config) newRestartBackoff(clk clock.Clock) *cenkaltibackoff.ExponentialBackOff {
	b := cenkaltibackoff.NewExponentialBackOff()
	b.InitialInterval = c.RestartBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Clock = clockAdapter{clk}
	b.Reset()
	return b
}

// clockAdapter satisfies cenkalti/backoff's Clock interface using the
// Supervisor's injected benbjohnson/clock, so backoff timing stays
// controllable by clock.Mock in tests.
type clockAdapter struct{ clk clock.Clock }

func (c clockAdapter) Now() time.Time { return c.clk.Now() }

// Supervisor owns the lifecycle of every Device Actor it spawns.
type Supervisor struct {
	cfg     Config
	factory Factory
	clk     clock.Clock
	log     *logrus.Entry

	wg sync.WaitGroup
}

// New constructs a Supervisor.
func New(cfg Config, factory Factory, clk clock.Clock, log *logrus.Entry) *Supervisor {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{cfg: cfg, factory: factory, clk: clk, log: log}
}

// Run consumes discovered addresses from addrs and spawns one supervised
// actor per address, blocking until ctx is cancelled and every spawned
// actor has unwound (or ShutdownGrace elapses).
func (s *Supervisor) Run(ctx context.Context, addrs <-chan telemetry.DeviceAddress) {
	for {
		select {
		case addr, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			s.spawn(ctx, addr)
		case <-ctx.Done():
			s.waitWithGrace()
			return
		}
	}
}

func (s *Supervisor) waitWithGrace() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := s.clk.Timer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("supervisor: shutdown grace elapsed with actors still running")
	}
}

func (s *Supervisor) spawn(ctx context.Context, addr telemetry.DeviceAddress) {
	s.wg.Add(1)
	go s.supervise(ctx, addr)
}

// supervise runs one actor to completion, restarting it with backoff on
// failure until either ctx is cancelled or the restart budget within
// RestartWindow is exhausted.
func (s *Supervisor) supervise(ctx context.Context, addr telemetry.DeviceAddress) {
	defer s.wg.Done()

	log := s.log.WithField("device", addr.String())
	var restarts []time.Time
	backoffPolicy := s.cfg.newRestartBackoff(s.clk)

	for {
		if ctx.Err() != nil {
			return
		}

		runnable := s.factory(addr)
		err := runnable.Run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A clean completion with ctx still live should not happen
			// (spec.md §4.5): treat it as a failure warranting restart.
			log.Error("supervisor: actor exited cleanly while running, restarting")
		} else {
			log.WithError(err).Warn("supervisor: actor failed, restarting")
		}

		now := s.clk.Now()
		restarts = prune(restarts, now, s.cfg.RestartWindow)
		restarts = append(restarts, now)
		if len(restarts) > s.cfg.MaxRestarts {
			log.WithField("window", s.cfg.RestartWindow).Error("supervisor: restart budget exhausted, giving up on device")
			return
		}

		timer := s.clk.Timer(backoffPolicy.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func prune(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
