// Package uplink implements the Uplink Publisher (C7): a single
// cooperative task that drains the Buffer in batches, serializes each
// topic group into an Avro container, and publishes to MQTT with
// at-least-once semantics, deleting only after a successful
// acknowledgement.
package uplink

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linkedin/goavro/v2"
	"github.com/sirupsen/logrus"

	"github.com/sunfield-io/sunspec-collector/internal/buffer"
)

// Store is the subset of *buffer.Buffer the Publisher needs.
type Store interface {
	Dequeue(ctx context.Context, limit int) ([]buffer.Record, error)
	Delete(ctx context.Context, ids []uint64) error
	Size(ctx context.Context) (int64, error)
}

// Publisher is the MQTT publish surface the Publisher drives. Satisfied
// by mqtt.Client; declared narrowly so tests can inject a fake.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Config tunes drain cadence and backpressure thresholds.
type Config struct {
	DrainInterval     time.Duration
	BatchSize         int
	MaxPublishBackoff time.Duration
	PublishTimeout    time.Duration
	QoS               byte
	// Compression names the codec applied to each serialized container
	// before publish. "gzip" compresses with compress/gzip; any other
	// value (including empty/"none") publishes uncompressed.
	Compression   string
	HighWaterMark int64
	// WarnEvery bounds how often the high-water-mark warning is
	// re-logged, rate-limiting it per spec.md §4.7.
	WarnEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainInterval == 0 {
		c.DrainInterval = 500 * time.Millisecond
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxPublishBackoff == 0 {
		c.MaxPublishBackoff = 30 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 10_000
	}
	if c.WarnEvery == 0 {
		c.WarnEvery = time.Minute
	}
	return c
}

// Metrics are counters the Publisher reports to, all optional.
type Metrics struct {
	PublishErrors  func()
	PublishSuccess func(batchSize int)
	PublishLatency func(seconds float64)
}

// Runner drains the Buffer until ctx is cancelled.
type Runner struct {
	cfg   Config
	store Store
	pub   Publisher
	codec *goavro.Codec
	clk   clock.Clock
	log   *logrus.Entry
	met   Metrics

	backoff      time.Duration
	lastWarnedAt time.Time
}

// New constructs a Runner. The Avro container codec is compiled once at
// construction; a schema compile failure is fatal and returned here
// rather than discovered mid-drain.
func New(cfg Config, store Store, pub Publisher, clk clock.Clock, log *logrus.Entry, met Metrics) (*Runner, error) {
	cfg = cfg.withDefaults()
	codec, err := goavro.NewCodec(containerSchema)
	if err != nil {
		return nil, fmt.Errorf("uplink: compile container schema: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{cfg: cfg, store: store, pub: pub, codec: codec, clk: clk, log: log, met: met, backoff: cfg.DrainInterval}, nil
}

// Run drains on every DrainInterval tick until ctx is cancelled. The
// caller is responsible for calling Drain afterwards once it knows
// nothing more will be enqueued, per spec.md §4.5's shutdown contract.
func (r *Runner) Run(ctx context.Context) {
	for {
		sleep := r.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := r.clk.Timer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// drainAttemptCap bounds Drain's loop so a Buffer that cannot be
// emptied (broker down, records malformed) doesn't block shutdown
// forever.
const drainAttemptCap = 50

// Drain ticks against ctx (ordinarily context.Background(), since the
// request context is already cancelled by this point) until the
// Buffer reports empty or drainAttemptCap ticks pass. Call it only
// after the fan-in feeding the Buffer has stopped enqueueing, so every
// record it wrote gets a chance to reach the broker instead of being
// left behind.
func (r *Runner) Drain(ctx context.Context) {
	for i := 0; i < drainAttemptCap; i++ {
		size, err := r.store.Size(ctx)
		if err != nil || size == 0 {
			return
		}
		r.tick(ctx)
	}
}

// tick performs one dequeue-group-publish-delete cycle and returns how
// long to sleep before the next one.
func (r *Runner) tick(ctx context.Context) time.Duration {
	r.warnIfHighWater(ctx)

	recs, err := r.store.Dequeue(ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.WithError(err).Error("uplink: dequeue failed")
		return r.cfg.DrainInterval
	}
	if len(recs) == 0 {
		return r.cfg.DrainInterval
	}

	groups := groupByTopic(recs)
	anyFailed := false

	for _, g := range groups {
		payload, err := r.serialize(g.records)
		if err != nil {
			r.log.WithError(err).WithField("topic", g.topic).Error("uplink: serialize failed")
			anyFailed = true
			r.countError()
			continue
		}

		publishStart := r.clk.Now()
		if err := r.publish(g.topic, payload); err != nil {
			r.log.WithError(err).WithField("topic", g.topic).Warn("uplink: publish failed, keeping records buffered")
			anyFailed = true
			r.countError()
			continue
		}
		if r.met.PublishLatency != nil {
			r.met.PublishLatency(r.clk.Now().Sub(publishStart).Seconds())
		}
		if r.met.PublishSuccess != nil {
			r.met.PublishSuccess(len(g.records))
		}

		ids := make([]uint64, len(g.records))
		for i, rec := range g.records {
			ids[i] = rec.ID
		}
		if err := r.store.Delete(ctx, ids); err != nil {
			r.log.WithError(err).Error("uplink: delete after publish ack failed")
		}
	}

	if anyFailed {
		r.backoff *= 2
		if r.backoff > r.cfg.MaxPublishBackoff {
			r.backoff = r.cfg.MaxPublishBackoff
		}
		return r.backoff
	}
	r.backoff = r.cfg.DrainInterval
	return r.cfg.DrainInterval
}

func (r *Runner) publish(topic string, payload []byte) error {
	token := r.pub.Publish(topic, r.cfg.QoS, false, payload)
	if !token.WaitTimeout(r.cfg.PublishTimeout) {
		return fmt.Errorf("uplink: publish to %s timed out after %s", topic, r.cfg.PublishTimeout)
	}
	return token.Error()
}

// serialize encodes one topic's records, in dequeue order, as a single
// Avro container conforming to containerSchema.
func (r *Runner) serialize(records []buffer.Record) ([]byte, error) {
	items := make([]any, len(records))
	for i, rec := range records {
		items[i] = map[string]any{
			"id":         int64(rec.ID),
			"created_at": rec.CreatedAt,
			"payload":    rec.Payload,
		}
	}
	native := map[string]any{"records": items}
	encoded, err := r.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, err
	}
	if r.cfg.Compression != "gzip" {
		return encoded, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(encoded); err != nil {
		return nil, fmt.Errorf("uplink: gzip compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("uplink: gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Runner) countError() {
	if r.met.PublishErrors != nil {
		r.met.PublishErrors()
	}
}

func (r *Runner) warnIfHighWater(ctx context.Context) {
	size, err := r.store.Size(ctx)
	if err != nil || size < r.cfg.HighWaterMark {
		return
	}
	now := r.clk.Now()
	if now.Sub(r.lastWarnedAt) < r.cfg.WarnEvery {
		return
	}
	r.lastWarnedAt = now
	r.log.WithField("buffered", size).Warn("uplink: buffer above high-water mark")
}

type topicGroup struct {
	topic   string
	records []buffer.Record
}

// groupByTopic preserves the dequeue (ascending id) order both across
// and within groups, per spec.md §4.7 step 2.
func groupByTopic(recs []buffer.Record) []topicGroup {
	order := make([]string, 0, 4)
	byTopic := make(map[string][]buffer.Record, 4)
	for _, rec := range recs {
		if _, ok := byTopic[rec.Topic]; !ok {
			order = append(order, rec.Topic)
		}
		byTopic[rec.Topic] = append(byTopic[rec.Topic], rec)
	}
	groups := make([]topicGroup, len(order))
	for i, topic := range order {
		groups[i] = topicGroup{topic: topic, records: byTopic[topic]}
	}
	return groups
}
