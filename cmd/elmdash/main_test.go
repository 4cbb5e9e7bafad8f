package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shaunagostinho/elm-dash/internal/server"
	"github.com/shaunagostinho/elm-dash/internal/storage"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/shaunagostinho/elm-dash/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTransport(t *testing.T) {
	cfg := server.DefaultConfig().Adapter

	tr, err := buildTransport(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.Sim{}, tr)

	cfg.Type = "serial"
	tr, err = buildTransport(cfg)
	require.NoError(t, err)
	assert.Equal(t, "serial:/dev/rfcomm0", tr.Name())

	cfg.Type = "websocket"
	tr, err = buildTransport(cfg)
	require.NoError(t, err)
	assert.IsType(t, &transport.WebSocket{}, tr)

	cfg.Type = "can"
	_, err = buildTransport(cfg)
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--sim", "--config", filepath.Join(t.TempDir(), "config.yaml")}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestQueryAgainstSimulator(t *testing.T) {
	out := execute(t, "query", "ATRV", "rpm")
	assert.Contains(t, out, "ATRV")
	assert.Contains(t, out, "14.1V")
	assert.Contains(t, out, "010C")
	assert.Contains(t, out, "rpm")
}

func TestScanThenClear(t *testing.T) {
	out := execute(t, "scan")
	assert.Contains(t, out, "3 trouble code(s)")
	assert.Contains(t, out, "P0133")

	out = execute(t, "clear")
	assert.Contains(t, out, "Trouble codes cleared")
}

func TestOneShotClosesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "elmdash.log")
	cfgPath := filepath.Join(dir, "config.yaml")
	yml := "log:\n  level: info\n  output: file\n  file_path: " + logPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0644))
	t.Cleanup(func() { logrus.SetOutput(os.Stdout) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--sim", "--config", cfgPath, "query", "ATRV"})
	require.NoError(t, rootCmd.Execute())

	f, ok := logrus.StandardLogger().Out.(*os.File)
	require.True(t, ok)
	assert.Equal(t, logPath, f.Name())
	_, err := f.Write([]byte("after exit\n"))
	assert.ErrorIs(t, err, os.ErrClosed)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "adapter ready")
}

func TestOpenRecorderRestoresFaults(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.Addr = mr.Addr()
	ctx := context.Background()

	first, _, err := openRecorder(ctx, cfg)
	require.NoError(t, err)
	stored := telemetry.Faults{Codes: []string{"P0133", "P0171"}, ScannedAt: time.Now().UTC()}
	require.NoError(t, first.RecordFaults(ctx, stored))
	first.Close()

	pub, faults, err := openRecorder(ctx, cfg)
	require.NoError(t, err)
	defer pub.Close()
	assert.Equal(t, stored.Codes, faults.Codes)

	p := telemetry.New(nil, telemetry.Config{}, telemetry.WithFaults(faults))
	assert.Equal(t, stored.Codes, p.Faults().Codes)
}

func TestOpenRecorderWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.Addr = mr.Addr()
	mr.Close()

	_, _, err := openRecorder(context.Background(), cfg)
	assert.Error(t, err)
}
