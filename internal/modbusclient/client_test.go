package modbusclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	gxmodbus "github.com/grid-x/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModbusClient implements gxmodbus.Client against an in-memory
// register map, recording every ReadHoldingRegisters call it receives.
// A read with no stored run of at least the requested length at its
// address gets an exception response.
type stubModbusClient struct {
	registers map[uint16][]byte
	calls     []struct{ start, count uint16 }
	failNext  []error // consumed in order before falling back to registers
}

func (s *stubModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	s.calls = append(s.calls, struct{ start, count uint16 }{address, quantity})
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err != nil {
			return nil, err
		}
	}
	b, ok := s.registers[address]
	if !ok || int(quantity)*2 > len(b) {
		return nil, &gxmodbus.ModbusError{ExceptionCode: 2}
	}
	return b[:int(quantity)*2], nil
}

func (s *stubModbusClient) ReadCoils(uint16, uint16) ([]byte, error)              { return nil, nil }
func (s *stubModbusClient) ReadDiscreteInputs(uint16, uint16) ([]byte, error)     { return nil, nil }
func (s *stubModbusClient) ReadInputRegisters(uint16, uint16) ([]byte, error)     { return nil, nil }
func (s *stubModbusClient) WriteSingleCoil(uint16, uint16) ([]byte, error)        { return nil, nil }
func (s *stubModbusClient) WriteSingleRegister(uint16, uint16) ([]byte, error)    { return nil, nil }
func (s *stubModbusClient) WriteMultipleCoils(uint16, uint16, []byte) ([]byte, error) {
	return nil, nil
}
func (s *stubModbusClient) WriteMultipleRegisters(uint16, uint16, []byte) ([]byte, error) {
	return nil, nil
}
func (s *stubModbusClient) MaskWriteRegister(uint16, uint16, uint16) ([]byte, error) {
	return nil, nil
}
func (s *stubModbusClient) ReadWriteMultipleRegisters(uint16, uint16, uint16, uint16, []byte) ([]byte, error) {
	return nil, nil
}
func (s *stubModbusClient) ReadFIFOQueue(uint16) ([]byte, error) { return nil, nil }

func newTestClient(stub gxmodbus.Client) *Client {
	c := New(Config{Host: "127.0.0.1", Port: 502, MaxBatchSize: 4, MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, clock.New(), nil)
	c.client = stub
	c.handle = &gxmodbus.TCPClientHandler{}
	return c
}

func wordsToBytes(words ...uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		b[i*2] = byte(w >> 8)
		b[i*2+1] = byte(w)
	}
	return b
}

func TestReadHoldingSplitsIntoBatches(t *testing.T) {
	stub := &stubModbusClient{registers: map[uint16][]byte{
		0: wordsToBytes(1, 2, 3, 4),
		4: wordsToBytes(5, 6, 7, 8),
		8: wordsToBytes(9, 10),
	}}
	c := newTestClient(stub)

	words, err := c.ReadHolding(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, words)
	assert.Len(t, stub.calls, 3) // 4 + 4 + 2, MaxBatchSize=4
}

func TestReadHoldingSingleRegisterBatch(t *testing.T) {
	stub := &stubModbusClient{registers: map[uint16][]byte{}}
	for i := uint16(0); i < 5; i++ {
		stub.registers[i] = wordsToBytes(i)
	}
	c := newTestClient(stub)
	c.cfg.MaxBatchSize = 1

	words, err := c.ReadHolding(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, words)
	assert.Len(t, stub.calls, 5)
}

func TestReadHoldingRetriesOnTransientFailure(t *testing.T) {
	stub := &stubModbusClient{
		registers: map[uint16][]byte{0: wordsToBytes(42)},
		failNext:  []error{errors.New("connection reset")},
	}
	c := newTestClient(stub)
	c.cfg.MaxBatchSize = 1

	words, err := c.ReadHolding(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, words)
	assert.GreaterOrEqual(t, len(stub.calls), 2)
}

func TestReadHoldingGivesUpAfterMaxRetries(t *testing.T) {
	stub := &stubModbusClient{registers: map[uint16][]byte{}}
	c := newTestClient(stub)
	c.cfg.MaxBatchSize = 1
	c.cfg.MaxRetries = 2

	_, err := c.ReadHolding(context.Background(), 99, 1)
	require.Error(t, err)
	var mbErr *Error
	require.ErrorAs(t, err, &mbErr)
}

func TestNarrowReadFallbackHalvesBatchOnException(t *testing.T) {
	stub := &stubModbusClient{registers: map[uint16][]byte{
		0: wordsToBytes(1, 2),
		2: wordsToBytes(3, 4),
	}}
	// The batched 4-register read fails with an exception (no entry at
	// address 0 for quantity 4); the client must fall back to two
	// 2-register reads that do succeed.
	c := newTestClient(stub)
	c.cfg.MaxBatchSize = 4

	words, err := c.ReadHolding(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4}, words)
}

func TestBeginCycleResetsNarrowFallback(t *testing.T) {
	c := newTestClient(&stubModbusClient{registers: map[uint16][]byte{}})
	c.narrowedThisCycle = true
	c.BeginCycle()
	assert.False(t, c.narrowedThisCycle)
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jitter(base)
		assert.GreaterOrEqual(t, j, 80*time.Millisecond)
		assert.LessOrEqual(t, j, 120*time.Millisecond)
	}
}
