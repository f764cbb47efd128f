package uplink

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunfield-io/sunspec-collector/internal/buffer"
)

type fakeStore struct {
	records []buffer.Record
	deleted []uint64
	dequeueErr error
}

func (f *fakeStore) Dequeue(_ context.Context, limit int) ([]buffer.Record, error) {
	if f.dequeueErr != nil {
		return nil, f.dequeueErr
	}
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeStore) Delete(_ context.Context, ids []uint64) error {
	f.deleted = append(f.deleted, ids...)
	remaining := f.records[:0]
	for _, r := range f.records {
		drop := false
		for _, id := range ids {
			if r.ID == id {
				drop = true
			}
		}
		if !drop {
			remaining = append(remaining, r)
		}
	}
	f.records = remaining
	return nil
}

func (f *fakeStore) Size(context.Context) (int64, error) { return int64(len(f.records)), nil }

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                   { return t.err }

var _ mqtt.Token = (*fakeToken)(nil)

type fakePublisher struct {
	published map[string][]byte
	failTopic string
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	if p.published == nil {
		p.published = make(map[string][]byte)
	}
	if topic == p.failTopic {
		return &fakeToken{err: errors.New("broker rejected")}
	}
	switch v := payload.(type) {
	case []byte:
		p.published[topic] = v
	}
	return &fakeToken{}
}

func newTestRunner(t *testing.T, store Store, pub Publisher) *Runner {
	t.Helper()
	r, err := New(Config{DrainInterval: time.Millisecond, BatchSize: 10}, store, pub, nil, nil, Metrics{})
	require.NoError(t, err)
	return r
}

func TestTickPublishesAndDeletesOnAck(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{
		{ID: 1, Topic: "telemetry", Payload: []byte("a"), CreatedAt: 1},
		{ID: 2, Topic: "telemetry", Payload: []byte("b"), CreatedAt: 2},
	}}
	pub := &fakePublisher{}
	r := newTestRunner(t, store, pub)

	r.tick(context.Background())

	assert.Empty(t, store.records)
	assert.ElementsMatch(t, []uint64{1, 2}, store.deleted)
	assert.Contains(t, pub.published, "telemetry")
}

func TestTickGroupsByTopicSeparately(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{
		{ID: 1, Topic: "a", Payload: []byte("x"), CreatedAt: 1},
		{ID: 2, Topic: "b", Payload: []byte("y"), CreatedAt: 2},
		{ID: 3, Topic: "a", Payload: []byte("z"), CreatedAt: 3},
	}}
	pub := &fakePublisher{}
	r := newTestRunner(t, store, pub)

	r.tick(context.Background())

	assert.Len(t, pub.published, 2)
	assert.Empty(t, store.records)
}

func TestTickDoesNotDeleteOnPublishFailure(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{
		{ID: 1, Topic: "telemetry", Payload: []byte("a"), CreatedAt: 1},
	}}
	pub := &fakePublisher{failTopic: "telemetry"}
	r := newTestRunner(t, store, pub)

	sleep := r.tick(context.Background())

	assert.Len(t, store.records, 1)
	assert.Empty(t, store.deleted)
	assert.Greater(t, sleep, time.Duration(0))
}

func TestTickBackoffDoublesOnRepeatedFailure(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{
		{ID: 1, Topic: "telemetry", Payload: []byte("a"), CreatedAt: 1},
	}}
	pub := &fakePublisher{failTopic: "telemetry"}
	r, err := New(Config{DrainInterval: time.Millisecond, BatchSize: 10, MaxPublishBackoff: time.Second}, store, pub, nil, nil, Metrics{})
	require.NoError(t, err)

	first := r.tick(context.Background())
	store.records = append(store.records, buffer.Record{ID: 1, Topic: "telemetry", Payload: []byte("a")})
	second := r.tick(context.Background())

	assert.Greater(t, second, first)
}

func TestSerializeProducesDecodableAvroContainer(t *testing.T) {
	store := &fakeStore{}
	r := newTestRunner(t, store, &fakePublisher{})

	records := []buffer.Record{{ID: 7, Topic: "t", Payload: []byte{1, 2, 3}, CreatedAt: 99}}
	payload, err := r.serialize(records)
	require.NoError(t, err)

	codec, err := goavro.NewCodec(containerSchema)
	require.NoError(t, err)
	native, _, err := codec.NativeFromBinary(payload)
	require.NoError(t, err)

	asMap := native.(map[string]any)
	items := asMap["records"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.EqualValues(t, 7, item["id"])
	assert.Equal(t, []byte{1, 2, 3}, item["payload"])
}

func TestSerializeGzipCompressesWhenConfigured(t *testing.T) {
	store := &fakeStore{}
	r, err := New(Config{DrainInterval: time.Millisecond, BatchSize: 10, Compression: "gzip"}, store, &fakePublisher{}, nil, nil, Metrics{})
	require.NoError(t, err)

	records := []buffer.Record{{ID: 7, Topic: "t", Payload: []byte{1, 2, 3}, CreatedAt: 99}}
	compressed, err := r.serialize(records)
	require.NoError(t, err)

	uncompressed, err := New(Config{DrainInterval: time.Millisecond, BatchSize: 10}, store, &fakePublisher{}, nil, nil, Metrics{})
	require.NoError(t, err)
	plain, err := uncompressed.serialize(records)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, plain, decompressed)
}

func TestTickReportsPublishSuccessAndLatency(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{{ID: 1, Topic: "telemetry", Payload: []byte("a")}}}
	pub := &fakePublisher{}

	var gotBatch int
	var gotLatency float64
	r, err := New(Config{DrainInterval: time.Millisecond, BatchSize: 10}, store, pub, nil, nil, Metrics{
		PublishSuccess: func(n int) { gotBatch = n },
		PublishLatency: func(s float64) { gotLatency = s },
	})
	require.NoError(t, err)

	r.tick(context.Background())

	assert.Equal(t, 1, gotBatch)
	assert.GreaterOrEqual(t, gotLatency, 0.0)
}

func TestDrainFlushesUntilBufferEmpty(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{
		{ID: 1, Topic: "telemetry", Payload: []byte("a")},
		{ID: 2, Topic: "telemetry", Payload: []byte("b")},
	}}
	pub := &fakePublisher{}
	r := newTestRunner(t, store, pub)

	r.Drain(context.Background())

	assert.Empty(t, store.records)
	assert.ElementsMatch(t, []uint64{1, 2}, store.deleted)
}

func TestDrainGivesUpAfterAttemptCapOnPersistentFailure(t *testing.T) {
	store := &fakeStore{records: []buffer.Record{{ID: 1, Topic: "telemetry", Payload: []byte("a")}}}
	pub := &fakePublisher{failTopic: "telemetry"}
	r := newTestRunner(t, store, pub)

	r.Drain(context.Background())

	assert.Len(t, store.records, 1)
}

func TestEmptyDequeueIsANoOp(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	r := newTestRunner(t, store, pub)

	sleep := r.tick(context.Background())
	assert.Equal(t, r.cfg.DrainInterval, sleep)
	assert.Empty(t, pub.published)
}
