package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment: development
session:
  start_time: "09:30"
  end_time: "16:00"
cycle:
  count: 5
  interval: 10m
builder:
  quantity: "1"
  strike_distance: 2
  leg_pool_size: 4
fill_driver:
  poll_interval: 1s
  order_deadline: 60s
  tick_size: "0.01"
  rate_limit_cap: 30s
monitor:
  interval: 1s
  snapshot_buffer: 16
risk:
  stop_loss_pct: "150"
  profit_target_pct: "50"
  portfolio_risk_pct: "20"
resilience:
  retry_attempts: 3
  retry_base: 1s
  failure_threshold: 5
  success_threshold: 3
  open_timeout: 2m
  reset_interval: 10m
shutdown:
  close_deadline: 30s
alert:
  repeat_threshold: 3
  cooldown: 5m
metrics_addr: ":9090"
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Cycle.Count)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.Builder.Quantity.Equal(mustDecimal("1")))
}

func TestLoad_MissingFileReturnsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_RefusesInvalidCycleCount(t *testing.T) {
	bad := strings.Replace(validYAML, "count: 5", "count: 0", 1)
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RefusesNonPositiveQuantity(t *testing.T) {
	bad := `
environment: development
session:
  start_time: "09:30"
  end_time: "16:00"
cycle:
  count: 1
  interval: 1m
builder:
  quantity: "0"
  strike_distance: 1
fill_driver:
  tick_size: "0.01"
risk:
  stop_loss_pct: "1"
  profit_target_pct: "1"
  portfolio_risk_pct: "1"
resilience:
  failure_threshold: 1
  success_threshold: 1
`
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrideAppliesOnTopOfYAML(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	os.Setenv("ENGINE_CYCLE_COUNT", "9")
	defer os.Unsetenv("ENGINE_CYCLE_COUNT")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Cycle.Count)
}

func TestDuration_UnmarshalYAML_ParsesGoDurationStrings(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Cycle.Interval.D())
	assert.Equal(t, time.Second, cfg.FillDriver.PollInterval.D())
	assert.Equal(t, 60*time.Second, cfg.FillDriver.OrderDeadline.D())
	assert.Equal(t, 30*time.Second, cfg.Shutdown.CloseDeadline.D())
	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown.D())
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}
