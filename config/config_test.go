package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flowlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_OverridesOnlyDocumentedFields(t *testing.T) {
	assert := assert.New(t)
	path := writeTempConfig(t, `
capture:
  idle_timeout: 45s
  l2_enabled: true
tcp_state:
  win_min_threshold: 1500
netflow:
  collector: 10.0.0.1:2055
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(45*time.Second, cfg.IdleTimeout)
	assert.True(cfg.L2Enabled)
	assert.EqualValues(1500, cfg.TCPWinMinThreshold)
	assert.Equal("10.0.0.1:2055", cfg.NetFlowCollector)

	// Untouched fields keep their Default() value.
	assert.Equal(Default().TCPRTTRatio, cfg.TCPRTTRatio)
	assert.Equal("udp", cfg.NetFlowTransport)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	assert := assert.New(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)
}

func TestOverlay_OnlyExplicitlySetFlagsOverride(t *testing.T) {
	assert := assert.New(t)
	cfg := Default()
	cfg.IdleTimeout = 10 * time.Second
	cfg.TCPWinMinThreshold = 999

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-idle-timeout=1m"}))

	cfg.Overlay(fs, f)

	assert.Equal(time.Minute, cfg.IdleTimeout)
	assert.EqualValues(999, cfg.TCPWinMinThreshold) // untouched: flag not passed
}

func TestOverlay_BoolAndNumericCoercion(t *testing.T) {
	assert := assert.New(t)
	cfg := Default()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-l2-enabled=true",
		"-tcp-scan-pmax=7",
		"-tcp-rtt-ratio=2.25",
	}))

	cfg.Overlay(fs, f)

	assert.True(cfg.L2Enabled)
	assert.EqualValues(7, cfg.TCPScanPacketMax)
	assert.InDelta(2.25, cfg.TCPRTTRatio, 0.0001)
}

func TestEnvOverlay_AppliesKnownKeysOnly(t *testing.T) {
	assert := assert.New(t)
	cfg := Default()
	env := map[string]string{
		"FLOWLENS_IDLE_TIMEOUT":     "2m",
		"FLOWLENS_NETFLOW_COLLECTOR": "192.0.2.1:2055",
	}
	EnvOverlay(cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	assert.Equal(2*time.Minute, cfg.IdleTimeout)
	assert.Equal("192.0.2.1:2055", cfg.NetFlowCollector)
}
