// Package modbusclient implements the Modbus Client (C2): one TCP
// connection per device, batched holding-register reads with timeouts,
// retries, exponential backoff, and a narrow-read fallback for devices
// that misreport their maximum batch size.
package modbusclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gxmodbus "github.com/grid-x/modbus"
	"github.com/sirupsen/logrus"
)

const defaultMaxBatchSize = 125 // protocol maximum for function code 3

// Config holds the per-device connection parameters. It is copied into
// the Client at construction time and never mutated afterwards.
type Config struct {
	Host string
	Port int
	// UnitID is the Modbus sub-address multiplexing this device behind
	// a TCP gateway.
	UnitID uint8

	MaxBatchSize   uint16
	RequestTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	InterReadDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

func (c Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client owns one TCP connection to one (host, port, unit_id) device.
// A Client is not safe for concurrent use by more than one goroutine —
// each Device Actor owns exactly one.
type Client struct {
	cfg    Config
	clk    clock.Clock
	log    *logrus.Entry
	mu     sync.Mutex
	handle *gxmodbus.TCPClientHandler
	client gxmodbus.Client

	// narrowedThisCycle tracks whether the once-per-cycle narrow-read
	// fallback (spec.md §4.2) has already been used.
	narrowedThisCycle bool
}

// New constructs a Client. The connection is established lazily on the
// first ReadHolding call.
func New(cfg Config, clk clock.Clock, log *logrus.Entry) *Client {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg.withDefaults(), clk: clk, log: log}
}

// BeginCycle resets the once-per-cycle narrow-read fallback flag. The
// Device Actor calls this at the start of every Polling cycle.
func (c *Client) BeginCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.narrowedThisCycle = false
}

// Close tears down the underlying TCP connection, if any. The next
// ReadHolding call reconnects from scratch.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.handle != nil {
		_ = c.handle.Close()
	}
	c.handle = nil
	c.client = nil
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		return nil
	}
	handler := gxmodbus.NewTCPClientHandler(c.cfg.address())
	handler.Timeout = c.cfg.RequestTimeout
	handler.SlaveID = c.cfg.UnitID
	if err := handler.Connect(); err != nil {
		return connectErr("connect", err)
	}
	c.handle = handler
	c.client = gxmodbus.NewClient(handler)
	return nil
}

// ReadHolding reads count holding registers starting at start (Modbus
// function code 3), splitting into sub-reads of at most MaxBatchSize
// registers each and concatenating them in order, per spec.md §4.2.
func (c *Client) ReadHolding(ctx context.Context, start, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	words := make([]uint16, 0, count)
	for remaining, offset := count, start; remaining > 0; {
		batch := c.cfg.MaxBatchSize
		if remaining < batch {
			batch = remaining
		}

		raw, err := c.subReadLocked(ctx, offset, batch)
		if err != nil {
			c.closeLocked()
			return nil, err
		}
		words = append(words, bytesToWords(raw)...)

		remaining -= batch
		offset += batch

		if remaining > 0 && c.cfg.InterReadDelay > 0 {
			c.clk.Sleep(c.cfg.InterReadDelay)
		}
	}
	return words, nil
}

// subReadLocked performs one bounded read with retry/backoff, and on an
// exception response falls back to halving the batch size once per
// cycle (the narrow-read heuristic of spec.md §4.2).
func (c *Client) subReadLocked(ctx context.Context, start, count uint16) ([]byte, error) {
	raw, err := c.readWithRetryLocked(ctx, start, count)
	if err == nil {
		return raw, nil
	}

	var mbErr *Error
	if count > 1 && !c.narrowedThisCycle && isException(err, &mbErr) {
		c.narrowedThisCycle = true
		half := count / 2
		first, err1 := c.readWithRetryLocked(ctx, start, half)
		if err1 != nil {
			return nil, err
		}
		second, err2 := c.readWithRetryLocked(ctx, start+half, count-half)
		if err2 != nil {
			return nil, err
		}
		return append(first, second...), nil
	}
	return nil, err
}

func isException(err error, out **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*out = e
	}
	return ok && e.Kind == KindException
}

// readWithRetryLocked retries a single sub-read up to MaxRetries times
// with exponential backoff starting at BaseBackoff, capped at
// MaxBackoff, jittered by +/-20%.
func (c *Client) readWithRetryLocked(ctx context.Context, start, count uint16) ([]byte, error) {
	backoff := c.cfg.BaseBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, closedErr("read_holding", ctx.Err())
			default:
			}
			c.clk.Sleep(jitter(backoff))
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		if err := c.connectLocked(); err != nil {
			lastErr = err
			continue
		}

		raw, err := c.client.ReadHoldingRegisters(start, count)
		if err == nil {
			return raw, nil
		}

		mbErr := classify(err)
		lastErr = mbErr
		if !mbErr.Retryable() {
			c.closeLocked()
			return nil, mbErr
		}
		// Retryable failures keep the connection for the next attempt;
		// ReadHolding closes it once the whole read has failed, and the
		// next call reconnects.
	}
	return nil, lastErr
}

// classify maps an error from the grid-x/modbus client into our Kind
// taxonomy. Exception responses carry a recognizable *gxmodbus.ModbusError;
// errors reporting Timeout() are timeouts; anything else is treated as a
// framing failure. All three kinds are retryable.
func classify(err error) *Error {
	if mbe, ok := err.(*gxmodbus.ModbusError); ok {
		return exceptionErr("read_holding", mbe.ExceptionCode, err)
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return timeoutErr("read_holding", err)
	}
	return framingErr("read_holding", err)
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta // +/-20%
	return time.Duration(float64(d) + offset)
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return words
}
