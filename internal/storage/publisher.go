package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Config holds the Redis connection and key layout.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"-"`
	DB         int    `yaml:"db" json:"db"`
	PoolSize   int    `yaml:"pool_size" json:"poolSize"`
	Channel    string `yaml:"channel" json:"channel"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	HistoryLen int64  `yaml:"history_len" json:"historyLen"`
}

func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		PoolSize:   10,
		Channel:    "elmdash:telemetry",
		Prefix:     "elmdash",
		HistoryLen: 1000,
	}
}

// Record is one published telemetry sample.
type Record struct {
	Snapshot telemetry.Snapshot `json:"snapshot"`
	State    elm.State          `json:"state"`
	Fresh    bool               `json:"fresh"`
	Stamp    time.Time          `json:"stamp"`
}

// Publisher fans telemetry out over Redis Pub/Sub and keeps capped history lists.
type Publisher struct {
	client *redis.Client
	cfg    Config
	log    *logrus.Entry
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	d := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = d.Channel
	}
	if cfg.Prefix == "" {
		cfg.Prefix = d.Prefix
	}
	if cfg.HistoryLen <= 0 {
		cfg.HistoryLen = d.HistoryLen
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: connect redis %s: %w", cfg.Addr, err)
	}

	log := logrus.WithField("component", "storage")
	log.WithField("addr", cfg.Addr).Info("redis connected")
	return &Publisher{client: client, cfg: cfg, log: log}, nil
}

func (p *Publisher) snapshotKey() string { return p.cfg.Prefix + ":snapshots" }
func (p *Publisher) scansKey() string    { return p.cfg.Prefix + ":dtc:scans" }
func (p *Publisher) activeKey() string   { return p.cfg.Prefix + ":dtc:active" }

// Publish sends a record on the telemetry channel and appends it to the
// capped snapshot history.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal record: %w", err)
	}

	if err := p.client.Publish(ctx, p.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("storage: publish: %w", err)
	}

	// History is a best-effort backup of the live feed.
	pipe := p.client.Pipeline()
	pipe.LPush(ctx, p.snapshotKey(), data)
	pipe.LTrim(ctx, p.snapshotKey(), 0, p.cfg.HistoryLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.WithError(err).Warn("saving snapshot history failed")
	}
	return nil
}

// RecordFaults stores a scan result as the active fault list and adds it to
// the scan history (last 100 scans).
func (p *Publisher) RecordFaults(ctx context.Context, f telemetry.Faults) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("storage: marshal faults: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.activeKey(), data, 0)
	pipe.LPush(ctx, p.scansKey(), data)
	pipe.LTrim(ctx, p.scansKey(), 0, 99)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: record faults: %w", err)
	}
	return nil
}

// ActiveFaults returns the last recorded fault list, or an empty one.
func (p *Publisher) ActiveFaults(ctx context.Context) (telemetry.Faults, error) {
	data, err := p.client.Get(ctx, p.activeKey()).Bytes()
	if err == redis.Nil {
		return telemetry.Faults{Codes: []string{}}, nil
	}
	if err != nil {
		return telemetry.Faults{}, fmt.Errorf("storage: read faults: %w", err)
	}
	var f telemetry.Faults
	if err := json.Unmarshal(data, &f); err != nil {
		return telemetry.Faults{}, fmt.Errorf("storage: decode faults: %w", err)
	}
	return f, nil
}

// RecentScans returns up to n scans, newest first.
func (p *Publisher) RecentScans(ctx context.Context, n int64) ([]telemetry.Faults, error) {
	items, err := p.client.LRange(ctx, p.scansKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: read scans: %w", err)
	}
	out := make([]telemetry.Faults, 0, len(items))
	for _, it := range items {
		var f telemetry.Faults
		if err := json.Unmarshal([]byte(it), &f); err != nil {
			p.log.WithError(err).Warn("skipping undecodable scan")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Stats is the Redis connection pool usage reported by /health.
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"totalConns"`
	IdleConns  uint32 `json:"idleConns"`
}

func (p *Publisher) Stats() Stats {
	s := p.client.PoolStats()
	return Stats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
