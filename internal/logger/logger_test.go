package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRows(t *testing.T, dir string) [][][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "elmdash_*.csv"))
	require.NoError(t, err)
	var out [][][]string
	for _, name := range files {
		f, err := os.Open(name)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		out = append(out, rows)
	}
	return out
}

func TestRecordWritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 50})
	defer l.Close()

	snap := telemetry.Snapshot{RPM: 1726, Speed: 72, Lambda: 0.98, Voltage: 12.6, LastUpdate: time.Now()}
	l.Record(snap, elm.Connected, true)
	// Inside the interval, dropped.
	l.Record(snap, elm.Connected, true)

	files := readRows(t, dir)
	require.Len(t, files, 1)
	rows := files[0]
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "Connected", rows[1][1])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "1726", rows[1][3])
	assert.Equal(t, "72", rows[1][4])
	assert.Equal(t, "0.980", rows[1][8])
	assert.Equal(t, "12.60", rows[1][11])
	assert.NotEmpty(t, rows[1][14])
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	assert.False(t, l.IsEnabled())
	l.Record(telemetry.Snapshot{}, elm.Disconnected, false)
	assert.Empty(t, readRows(t, dir))

	l.SetEnabled(true)
	l.Record(telemetry.Snapshot{}, elm.Disconnected, false)
	l.SetEnabled(false)
	files := readRows(t, dir)
	require.Len(t, files, 1)
	assert.Equal(t, "", files[0][1][14])
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 50, MaxRows: 1})
	defer l.Close()

	l.Record(telemetry.Snapshot{RPM: 800}, elm.Connected, true)
	time.Sleep(60 * time.Millisecond)
	l.Record(telemetry.Snapshot{RPM: 900}, elm.Connected, true)

	files := readRows(t, dir)
	require.Len(t, files, 2)
	for _, rows := range files {
		assert.Len(t, rows, 2)
	}
}
