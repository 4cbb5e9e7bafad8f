package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)

	assert.Equal(t, "sim", cfg.Adapter.Type)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, 1500*time.Millisecond, cfg.Scheduler.Elm().CommandTimeout)
	assert.Equal(t, 10, cfg.Poller.Telemetry().MediumEvery)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
adapter:
  type: serial
  serial:
    port_path: /dev/ttyUSB1
    baud_rate: 115200
poller:
  interval_ms: 25
display:
  units:
    speed: mph
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "serial", cfg.Adapter.Type)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Adapter.Serial.PortPath)
	assert.Equal(t, 115200, cfg.Adapter.Serial.BaudRate)
	assert.Equal(t, 25*time.Millisecond, cfg.Poller.Telemetry().Interval)
	assert.Equal(t, "mph", cfg.Display.Units.Speed)
	// Untouched sections keep defaults
	assert.Equal(t, "C", cfg.Display.Units.Temperature)
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapter: [nope"), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "sim", cfg.Adapter.Type)
	assert.Equal(t, path, cfg.Path())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELM_TRANSPORT", "websocket")
	t.Setenv("ELM_URL", "ws://10.0.0.5:35000/")
	t.Setenv("ELM_BAUD", "9600")
	t.Setenv("REDIS_ENABLED", "yes")
	t.Setenv("CSV_INTERVAL_MS", "250")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	assert.Equal(t, "websocket", cfg.Adapter.Type)
	assert.Equal(t, "ws://10.0.0.5:35000/", cfg.Adapter.WebSocket.URL)
	assert.Equal(t, 9600, cfg.Adapter.Serial.BaudRate)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 250, cfg.Logging.IntervalMs)
}

func TestEnvFileDoesNotOverrideRealEnv(t *testing.T) {
	dir := t.TempDir()
	env := "LISTEN_ADDR=:9999\nLOG_LEVEL=\"debug\"\n# comment\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644))
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("LOG_LEVEL", "")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestUpdateFromJSONDeepMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapter.WebSocket.Password = "secret"

	err := cfg.UpdateFromJSON([]byte(`{"display":{"thresholds":{"rpmWarn":6000}},"adapter":{"type":"serial"}}`))
	require.NoError(t, err)

	assert.Equal(t, 6000.0, cfg.Display.Thresholds.RPMWarn)
	assert.Equal(t, 6500.0, cfg.Display.Thresholds.RPMDanger)
	assert.Equal(t, "serial", cfg.Adapter.Type)
	assert.Equal(t, "/dev/rfcomm0", cfg.Adapter.Serial.PortPath)
	assert.Equal(t, "secret", cfg.Adapter.WebSocket.Password)
}

func TestUpdateFromJSONRejectsGarbage(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.UpdateFromJSON([]byte(`{"display":`)))
}

func TestToJSONHidesPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapter.WebSocket.Password = "secret"
	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Display.Units.Pressure = "psi"
	cfg.Scheduler.StaleAfterMs = 750
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, "psi", loaded.Display.Units.Pressure)
	assert.Equal(t, 750*time.Millisecond, loaded.Scheduler.Elm().StaleAfter)
}
