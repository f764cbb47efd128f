package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
discovery:
  mode: static
  static_devices: ["10.0.0.5:3"]
uplink:
  brokers: ["tcp://localhost:1883"]
  topic: telemetry.sunspec
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 502, cfg.Discovery.Port)
	assert.Equal(t, 1000, cfg.Polling.PollIntervalMs)
	assert.Equal(t, 125, cfg.Modbus.MaxBatchSize)
	assert.Equal(t, 40000, cfg.Sunspec.BaseAddress)
	assert.Equal(t, "sunspec-buffer.sqlite", cfg.Buffer.Path)
	assert.Equal(t, "gzip", cfg.Uplink.Compression)
}

func TestQoSMapsFromAcksAndIdempotence(t *testing.T) {
	assert.EqualValues(t, 2, Uplink{Acks: "all"}.QoS())
	assert.EqualValues(t, 1, Uplink{Acks: "leader"}.QoS())
	assert.EqualValues(t, 2, Uplink{Acks: "leader", Idempotence: true}.QoS())
}

func TestValidateRejectsMissingBrokers(t *testing.T) {
	path := writeConfig(t, `
discovery:
  mode: static
  static_devices: ["10.0.0.5"]
uplink:
  topic: telemetry
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadTopic(t *testing.T) {
	path := writeConfig(t, `
discovery:
  mode: static
  static_devices: ["10.0.0.5"]
uplink:
  brokers: ["tcp://localhost:1883"]
  topic: "bad topic!"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsStaticModeWithoutDevices(t *testing.T) {
	path := writeConfig(t, `
discovery:
  mode: static
uplink:
  brokers: ["tcp://localhost:1883"]
  topic: telemetry
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsSubnetScanWithoutSubnet(t *testing.T) {
	path := writeConfig(t, `
discovery:
  mode: subnet_scan
uplink:
  brokers: ["tcp://localhost:1883"]
  topic: telemetry
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseStaticDeviceDefaultsUnitID(t *testing.T) {
	host, unit, err := ParseStaticDevice("10.0.0.5", 502)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.EqualValues(t, 1, unit)
}

func TestParseStaticDeviceParsesUnitID(t *testing.T) {
	host, unit, err := ParseStaticDevice("10.0.0.5:7", 502)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.EqualValues(t, 7, unit)
}

func TestParseStaticDeviceRejectsInvalidUnitID(t *testing.T) {
	_, _, err := ParseStaticDevice("10.0.0.5:999", 502)
	assert.Error(t, err)
}
