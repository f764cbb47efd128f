// Command sunspec-collectord is the composition root: it loads
// configuration, builds the Model Registry, Buffer, Discovery,
// Supervisor and Uplink Publisher, wires them together, and runs until
// an OS signal or a fatal startup error.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sunfield-io/sunspec-collector/internal/actor"
	"github.com/sunfield-io/sunspec-collector/internal/buffer"
	"github.com/sunfield-io/sunspec-collector/internal/config"
	"github.com/sunfield-io/sunspec-collector/internal/discovery"
	"github.com/sunfield-io/sunspec-collector/internal/metrics"
	"github.com/sunfield-io/sunspec-collector/internal/modbusclient"
	"github.com/sunfield-io/sunspec-collector/internal/sunspecmodel"
	"github.com/sunfield-io/sunspec-collector/internal/supervisor"
	"github.com/sunfield-io/sunspec-collector/internal/telemetry"
	"github.com/sunfield-io/sunspec-collector/internal/uplink"
	"github.com/sunfield-io/sunspec-collector/internal/watchdog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("sunspec-collectord: fatal")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, metricsAddr string

	cmd := &cobra.Command{
		Use:   "sunspec-collectord",
		Short: "Collects SunSpec/Modbus TCP telemetry from PV inverters and batteries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	return cmd
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	reg, err := sunspecmodel.Load(cfg.Sunspec.ModelDir)
	if err != nil {
		return fmt.Errorf("startup: model registry: %w", err)
	}

	buf, err := buffer.Open(cfg.Buffer.Path)
	if err != nil {
		return fmt.Errorf("startup: buffer: %w", err)
	}
	defer buf.Close()

	met := metrics.New()
	met.Register(prometheus.DefaultRegisterer)
	go serveMetrics(metricsAddr, log)

	mqttClient, err := connectMQTT(cfg.Uplink)
	if err != nil {
		return fmt.Errorf("startup: mqtt: %w", err)
	}
	defer mqttClient.Disconnect(250)

	upCfg := uplink.Config{
		DrainInterval:     config.Millis(cfg.Buffer.DrainMs),
		BatchSize:         cfg.Buffer.BatchSize,
		MaxPublishBackoff: config.Millis(cfg.Uplink.MaxBackoffMs),
		PublishTimeout:    config.Millis(cfg.Uplink.TimeoutMs),
		QoS:               cfg.Uplink.QoS(),
		Compression:       cfg.Uplink.Compression,
		HighWaterMark:     cfg.Uplink.HighWaterMark,
	}
	upRunner, err := uplink.New(upCfg, buf, mqttClient, clock.New(), log.WithField("component", "uplink"), uplink.Metrics{
		PublishErrors: met.PublishError.Inc,
		PublishSuccess: func(n int) {
			met.PublishSuccess.WithLabelValues(metrics.BatchSizeBucket(n)).Inc()
		},
		PublishLatency: met.PublishLatency.Observe,
	})
	if err != nil {
		return fmt.Errorf("startup: uplink: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	telemetryCh := make(chan telemetry.Observation, 1024)
	fanInDone := make(chan struct{})
	runnerDone := make(chan struct{})

	go func() {
		defer close(fanInDone)
		drainTelemetryIntoBuffer(telemetryCh, buf, cfg.Uplink.Topic, clock.New(), log)
	}()

	go func() {
		defer close(runnerDone)
		upRunner.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportBufferSize(ctx, buf, met, clock.New())
	}()

	go watchdog.Run(ctx, 10*time.Second, watchdog.NewSystemdSink(os.Getenv("NOTIFY_SOCKET")), clock.New(), log)

	discoveryCfg := discoveryConfig(cfg.Discovery)
	addrs := discovery.Run(ctx, discoveryCfg, nil, log.WithField("component", "discovery"))

	factory := actorFactory(cfg, reg, telemetryCh, met, log)
	sup := supervisor.New(supervisor.Config{
		RestartBackoff: time.Second,
		MaxRestarts:    10,
		RestartWindow:  time.Minute,
		ShutdownGrace:  10 * time.Second,
	}, factory, clock.New(), log.WithField("component", "supervisor"))

	// sup.Run only returns once every spawned actor has unwound (or the
	// shutdown grace elapses), so it's safe to close the telemetry
	// channel here: nothing can still be sending on it.
	sup.Run(ctx, addrs)
	close(telemetryCh)
	<-fanInDone
	<-runnerDone

	// Only now, once nothing more will land in the Buffer and Run's
	// own goroutine has fully stopped ticking, flush what's left.
	upRunner.Drain(context.Background())
	wg.Wait()
	return nil
}

// reportBufferSize polls the durable buffer's row count and keeps the
// BufferSize gauge current until ctx is cancelled.
func reportBufferSize(ctx context.Context, buf *buffer.Buffer, met *metrics.Metrics, clk clock.Clock) {
	ticker := clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			size, err := buf.Size(ctx)
			if err != nil {
				continue
			}
			met.BufferSize.Set(float64(size))
		case <-ctx.Done():
			return
		}
	}
}

func discoveryConfig(d config.Discovery) discovery.Config {
	cfg := discovery.Config{
		Mode:            d.Mode,
		CIDR:            d.Subnet,
		Port:            d.Port,
		DialTimeout:     config.Millis(d.PerHostTimeoutMs),
		ScanConcurrency: d.ConcurrencyCap,
	}
	for _, id := range d.UnitIDs {
		cfg.UnitIDs = append(cfg.UnitIDs, uint8(id))
	}
	for _, entry := range d.StaticDevices {
		host, unit, err := config.ParseStaticDevice(entry, d.Port)
		if err != nil {
			continue
		}
		cfg.Static = append(cfg.Static, telemetry.DeviceAddress{Host: host, Port: d.Port, UnitID: unit})
	}
	return cfg
}

func actorFactory(cfg *config.Config, reg *sunspecmodel.Registry, out chan<- telemetry.Observation, met *metrics.Metrics, log *logrus.Entry) supervisor.Factory {
	return func(addr telemetry.DeviceAddress) supervisor.Runnable {
		client := modbusclient.New(modbusclient.Config{
			Host:           addr.Host,
			Port:           addr.Port,
			UnitID:         addr.UnitID,
			MaxBatchSize:   uint16(cfg.Modbus.MaxBatchSize),
			RequestTimeout: config.Millis(cfg.Modbus.ModbusTimeoutMs),
			MaxRetries:     cfg.Modbus.MaxRetries,
			BaseBackoff:    config.Millis(cfg.Modbus.BaseBackoffMs),
			MaxBackoff:     config.Millis(cfg.Modbus.MaxBackoffMs),
		}, clock.New(), log.WithField("component", "modbus"))

		actorCfg := actor.Config{
			Address:           addr,
			BaseAddress:       uint16(cfg.Sunspec.BaseAddress),
			DiscoveryRegCount: uint16(cfg.Sunspec.DiscoveryRegCount),
			PollInterval:      config.Millis(cfg.Polling.PollIntervalMs),
			JitterMillis:      cfg.Polling.JitterMs,
		}
		host := addr.Host
		return actor.New(actorCfg, client, reg, out, clock.New(), log.WithField("component", "actor"), actor.Metrics{
			PollSuccess:     met.PollSuccess.WithLabelValues(host),
			LoopLag:         met.LoopLag,
			ChannelOverflow: met.ChannelOverflow,
			CycleErrors:     met.PollError.WithLabelValues(host, "cycle"),
		})
	}
}

// drainTelemetryIntoBuffer is the fan-in: it serializes each Observation
// and enqueues it on the durable Buffer under one topic, bridging the
// Device Actor side of the pipeline to the Uplink Publisher side.
func drainTelemetryIntoBuffer(in <-chan telemetry.Observation, buf *buffer.Buffer, topic string, clk clock.Clock, log *logrus.Entry) {
	// Runs until in is closed by the caller, which only happens after
	// every Device Actor has exited: draining must outlive the
	// cancellable request context so an in-flight send from an actor's
	// final cycle is never dropped on shutdown.
	ctx := context.Background()
	for obs := range in {
		payload, err := obs.Encode()
		if err != nil {
			log.WithError(err).Error("fan-in: encode failed")
			continue
		}
		if _, err := buf.Enqueue(ctx, topic, payload, clk.Now().UnixMilli()); err != nil {
			log.WithError(err).Error("fan-in: enqueue failed")
		}
	}
}

func connectMQTT(cfg config.Uplink) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	for _, broker := range cfg.Brokers {
		opts.AddBroker(broker)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sunspec-collectord-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(config.Millis(cfg.TimeoutMs))
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.Millis(cfg.TimeoutMs)) {
		return nil, fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
