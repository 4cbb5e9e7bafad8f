package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/monitor"
	"github.com/shaunagostinho/elm-dash/internal/obd"
	"github.com/sirupsen/logrus"
)

// Client is the part of elm.Client the poller drives.
type Client interface {
	State() elm.State
	Submit(cmd string, prio elm.Priority) <-chan elm.Result
	DTCs(ctx context.Context) ([]string, error)
	ClearDTCs(ctx context.Context) (bool, error)
}

// Config controls polling cadence.
type Config struct {
	Interval    time.Duration // Pause between loops
	Backoff     time.Duration // Pause after a rejected command
	Idle        time.Duration // Re-check period while not connected
	MediumEvery int           // Loops between medium-rate reads
	SlowEvery   int           // Loops between slow-rate reads
	FreshFor    time.Duration // Max snapshot age considered live
	ScanPause   time.Duration // Bus settle time before DTC work
}

func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Millisecond,
		Backoff:     100 * time.Millisecond,
		Idle:        250 * time.Millisecond,
		MediumEvery: 10,
		SlowEvery:   50,
		FreshFor:    5 * time.Second,
		ScanPause:   200 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Idle <= 0 {
		c.Idle = d.Idle
	}
	if c.MediumEvery <= 0 {
		c.MediumEvery = d.MediumEvery
	}
	if c.SlowEvery <= 0 {
		c.SlowEvery = d.SlowEvery
	}
	if c.FreshFor <= 0 {
		c.FreshFor = d.FreshFor
	}
	if c.ScanPause < 0 {
		c.ScanPause = 0
	}
}

// Faults is the result of the last trouble-code scan.
type Faults struct {
	Codes     []string  `json:"codes"`
	ScannedAt time.Time `json:"scannedAt"`
}

// Option customizes a Poller.
type Option func(*Poller)

// WithEstimator feeds every speed reading into est.
func WithEstimator(est Estimator) Option {
	return func(p *Poller) { p.est = est }
}

// WithSnapshotHandler is called after every completed loop.
func WithSnapshotHandler(fn func(Snapshot)) Option {
	return func(p *Poller) { p.onSnapshot = fn }
}

// WithFaults seeds the active fault list, e.g. from stored scan history.
func WithFaults(f Faults) Option {
	return func(p *Poller) {
		if f.Codes == nil {
			f.Codes = []string{}
		}
		p.faults = f
	}
}

// WithLogger sets the log entry used by the poller.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Poller) { p.log = l }
}

// Poller reads channels in three rate tranches and keeps the latest Snapshot.
type Poller struct {
	client     Client
	cfg        Config
	log        *logrus.Entry
	est        Estimator
	onSnapshot func(Snapshot)

	// busy is held for each loop and for the whole of a DTC scan or clear,
	// so the two never interleave on the bus.
	busy  sync.Mutex
	loops uint64

	mu     sync.RWMutex
	snap   Snapshot
	faults Faults
}

func New(c Client, cfg Config, opts ...Option) *Poller {
	cfg.applyDefaults()
	p := &Poller{
		client: c,
		cfg:    cfg,
		log:    logrus.WithField("component", "poller"),
		faults: Faults{Codes: []string{}},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Snapshot returns a copy of the latest values.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Fresh reports whether live data arrived within the freshness window.
func (p *Poller) Fresh(now time.Time) bool {
	return p.Snapshot().Fresh(now, p.cfg.FreshFor)
}

// Faults returns the active fault list from the last scan.
func (p *Poller) Faults() Faults {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f := p.faults
	f.Codes = append([]string{}, f.Codes...)
	return f
}

// Run polls until ctx is cancelled. While the client is not connected it
// idles and re-checks.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started")
	defer p.log.Info("poller stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := p.cfg.Interval
		if p.client.State() != elm.Connected {
			delay = p.cfg.Idle
		} else {
			p.busy.Lock()
			err := p.tick(ctx)
			p.busy.Unlock()
			if err != nil {
				p.log.WithError(err).Debug("poll loop rejected, backing off")
				delay = p.cfg.Backoff
			}
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// tick runs one poll loop and returns the first rejection it saw.
func (p *Poller) tick(ctx context.Context) error {
	n := p.loops
	p.loops++
	monitor.PollLoops.Inc()

	got, err := p.read(ctx, FastPIDs, elm.High)
	if n%uint64(p.cfg.MediumEvery) == 0 && err == nil {
		var mgot int
		mgot, err = p.read(ctx, MediumPIDs, elm.Low)
		got += mgot
	}
	if n%uint64(p.cfg.SlowEvery) == 0 && err == nil {
		p.readAsync(SlowPIDs)
	}

	if got > 0 {
		p.mu.Lock()
		p.snap.LastUpdate = time.Now()
		p.mu.Unlock()
	}
	if p.onSnapshot != nil {
		p.onSnapshot(p.Snapshot())
	}
	return err
}

// read submits every PID at prio and awaits them in order. It returns how
// many produced a reply.
func (p *Poller) read(ctx context.Context, pids []obd.PID, prio elm.Priority) (int, error) {
	pending := make([]<-chan elm.Result, len(pids))
	for i, pid := range pids {
		pending[i] = p.client.Submit(pid.Command, prio)
	}

	got := 0
	var firstErr error
	for i, ch := range pending {
		var res elm.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return got, ctx.Err()
		}
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if p.apply(pids[i], res) {
			got++
		}
	}
	return got, firstErr
}

// readAsync submits pids without waiting; values land when they arrive.
func (p *Poller) readAsync(pids []obd.PID) {
	for _, pid := range pids {
		ch := p.client.Submit(pid.Command, elm.Low)
		go func(pid obd.PID) {
			p.apply(pid, <-ch)
		}(pid)
	}
}

// apply stores a reply. Timed-out and stale commands keep the previous value.
func (p *Poller) apply(pid obd.PID, res elm.Result) bool {
	if res.Err != nil || res.TimedOut || res.Stale {
		return false
	}
	v := pid.Decode(res.Response)

	p.mu.Lock()
	p.snap.set(pid, v)
	p.mu.Unlock()

	if pid.Command == obd.Speed.Command && p.est != nil {
		fused := p.est.FuseOBDSpeed(v * 1000 / 3600)
		p.mu.Lock()
		p.snap.FusedSpeed = fused
		p.mu.Unlock()
	}
	return true
}

// pause takes the bus from the poll loop and lets it settle.
func (p *Poller) pause(ctx context.Context) error {
	p.busy.Lock()
	t := time.NewTimer(p.cfg.ScanPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		p.busy.Unlock()
		return ctx.Err()
	}
}

// Scan reads confirmed and pending trouble codes with polling paused, and
// stores them as the active fault list.
func (p *Poller) Scan(ctx context.Context) (Faults, error) {
	if err := p.pause(ctx); err != nil {
		return Faults{}, err
	}
	defer p.busy.Unlock()

	codes, err := p.client.DTCs(ctx)
	if err != nil {
		return Faults{}, err
	}
	f := Faults{Codes: codes, ScannedAt: time.Now()}
	p.mu.Lock()
	p.faults = f
	p.mu.Unlock()
	p.log.WithField("codes", codes).Info("trouble code scan complete")
	return p.Faults(), nil
}

// Clear erases stored codes with polling paused. On success the active
// fault list is emptied.
func (p *Poller) Clear(ctx context.Context) (bool, error) {
	if err := p.pause(ctx); err != nil {
		return false, err
	}
	defer p.busy.Unlock()

	ok, err := p.client.ClearDTCs(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		p.mu.Lock()
		p.faults = Faults{Codes: []string{}, ScannedAt: time.Now()}
		p.mu.Unlock()
	}
	p.log.WithField("ok", ok).Info("trouble codes clear requested")
	return ok, nil
}
