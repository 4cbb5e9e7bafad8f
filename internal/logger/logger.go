package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Logger records timestamped telemetry snapshots to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      *logrus.Entry

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000 // Rotate after 100k rows (~2.7 hrs at 10 Hz)
)

var csvHeader = []string{
	"timestamp", "state", "fresh",
	"rpm", "speed_kph", "map_kpa", "throttle_pct", "timing_deg",
	"lambda", "coolant_c", "intake_c", "battery_v", "fuel_pct",
	"fused_speed_mps", "last_update",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/elmdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond // Default 10 Hz
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		log:      logrus.WithField("component", "logger"),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a snapshot if the minimum interval has elapsed.
func (l *Logger) Record(snap telemetry.Snapshot, state elm.State, fresh bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.WithError(err).Error("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, snap, state, fresh)); err != nil {
		l.log.WithError(err).Error("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("elmdash_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.WithField("path", path).Info("opened log file")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, s telemetry.Snapshot, state elm.State, fresh bool) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = state.String()
	row[2] = boolStr(fresh)
	row[3] = fmt.Sprintf("%.0f", s.RPM)
	row[4] = fmt.Sprintf("%.0f", s.Speed)
	row[5] = fmt.Sprintf("%.0f", s.MAP)
	row[6] = fmt.Sprintf("%.1f", s.Throttle)
	row[7] = fmt.Sprintf("%.1f", s.Timing)
	row[8] = fmt.Sprintf("%.3f", s.Lambda)
	row[9] = fmt.Sprintf("%.0f", s.Coolant)
	row[10] = fmt.Sprintf("%.0f", s.IntakeTemp)
	row[11] = fmt.Sprintf("%.2f", s.Voltage)
	row[12] = fmt.Sprintf("%.1f", s.FuelLevel)
	row[13] = fmt.Sprintf("%.2f", s.FusedSpeed)
	if !s.LastUpdate.IsZero() {
		row[14] = s.LastUpdate.Format(time.RFC3339Nano)
	}

	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
