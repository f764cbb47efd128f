// Package discovery implements the Discovery component (C3): a static
// address list, or a bounded-concurrency subnet scan that probes the
// SunSpec sentinel over a raw TCP connect-then-read, yielded as a lazy
// sequence of device addresses for the Supervisor to consume.
package discovery

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/korylprince/ipnetgen"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sunfield-io/sunspec-collector/internal/telemetry"
)

// sunSSentinel is the ASCII marker "SunS" (0x5375 0x6E53) that identifies
// a SunSpec base address.
const sunSSentinel = uint32(0x53756e53)

// Config controls one Discovery run. Exactly one of Static or CIDR
// should be meaningful, selected by Mode.
type Config struct {
	Mode string // "static" or "subnet_scan"

	Static []telemetry.DeviceAddress

	CIDR              string
	Port              int
	UnitIDs           []uint8
	BaseAddress       uint16
	RegCount          uint16
	DialTimeout       time.Duration
	ScanConcurrency   int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 502
	}
	if c.BaseAddress == 0 {
		c.BaseAddress = 40000
	}
	if c.RegCount == 0 {
		c.RegCount = 2
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
	if c.ScanConcurrency == 0 {
		c.ScanConcurrency = 64
	}
	if len(c.UnitIDs) == 0 {
		c.UnitIDs = []uint8{1}
	}
	return c
}

// Prober performs a SunSpec sentinel probe against one host at the given
// base address. Production code uses dialProbe; tests inject a fake.
type Prober func(ctx context.Context, host string, port int, baseAddress, regCount uint16, dialTimeout time.Duration) bool

// Run yields discovered addresses on the returned channel and closes it
// once the scan (or static enumeration) completes, or ctx is cancelled.
// Static mode yields immediately; subnet_scan mode fans out with bounded
// concurrency and reports each reachable (host, unit_id) pair.
func Run(ctx context.Context, cfg Config, probe Prober, log *logrus.Entry) <-chan telemetry.DeviceAddress {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if probe == nil {
		probe = dialProbe
	}

	out := make(chan telemetry.DeviceAddress)

	go func() {
		defer close(out)
		switch cfg.Mode {
		case "static":
			runStatic(ctx, cfg, out)
		default:
			runSubnetScan(ctx, cfg, probe, out, log)
		}
	}()
	return out
}

func runStatic(ctx context.Context, cfg Config, out chan<- telemetry.DeviceAddress) {
	for _, addr := range cfg.Static {
		select {
		case out <- addr:
		case <-ctx.Done():
			return
		}
	}
}

func runSubnetScan(ctx context.Context, cfg Config, probe Prober, out chan<- telemetry.DeviceAddress, log *logrus.Entry) {
	gen, err := ipnetgen.New(cfg.CIDR)
	if err != nil {
		log.WithError(err).WithField("cidr", cfg.CIDR).Error("discovery: invalid subnet")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ScanConcurrency)

	for ip := gen.Next(); ip != nil; ip = gen.Next() {
		host := ip.String()
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if !probe(gctx, host, cfg.Port, cfg.BaseAddress, cfg.RegCount, cfg.DialTimeout) {
				return nil
			}
			for _, unit := range cfg.UnitIDs {
				addr := telemetry.DeviceAddress{Host: host, Port: cfg.Port, UnitID: unit}
				select {
				case out <- addr:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// dialProbe opens a TCP connection, reads the SunSpec discovery block at
// baseAddress via raw Modbus framing, and checks the leading 4 bytes
// against the "SunS" sentinel. Hosts that don't respond within
// dialTimeout are silently skipped, per spec.
func dialProbe(ctx context.Context, host string, port int, baseAddress, regCount uint16, dialTimeout time.Duration) bool {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	req := buildReadHoldingRequest(1, baseAddress, regCount)
	if _, err := conn.Write(req); err != nil {
		return false
	}

	resp := make([]byte, 256)
	n, err := conn.Read(resp)
	if err != nil || n < 9+4 {
		return false
	}

	byteCount := resp[8]
	if int(byteCount) < 4 || n < 9+int(byteCount) {
		return false
	}
	got := binary.BigEndian.Uint32(resp[9:13])
	return got == sunSSentinel
}

// buildReadHoldingRequest builds a minimal Modbus TCP ADU for function
// code 3 (read holding registers), used only by the discovery probe —
// the Modbus Client (C2) handles real reads via grid-x/modbus.
func buildReadHoldingRequest(unitID uint8, address, count uint16) []byte {
	adu := make([]byte, 12)
	binary.BigEndian.PutUint16(adu[0:2], 1) // transaction id
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(adu[4:6], 6) // length
	adu[6] = unitID
	adu[7] = 3 // function code: read holding registers
	binary.BigEndian.PutUint16(adu[8:10], address)
	binary.BigEndian.PutUint16(adu[10:12], count)
	return adu
}
