package elm

import (
	"context"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/monitor"
	"github.com/shaunagostinho/elm-dash/internal/obd"
	"github.com/sirupsen/logrus"
)

// Priority is the scheduling class of a queued command.
type Priority int

const (
	// Low is for background and one-shot work (init, DTC scans, slow channels).
	Low Priority = iota
	// High is for latency-sensitive polling; always dispatched before Low.
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// Config holds scheduler and init-sequence timing.
type Config struct {
	CommandTimeout time.Duration // Per-command reply budget
	InitTimeout    time.Duration // Budget for AT configuration steps
	StaleAfter     time.Duration // High commands older than this are dropped undispatched
	ResetSettle    time.Duration // Pause after ATZ before configuring
	StepDelay      time.Duration // Pause between configuration steps
}

// DefaultConfig returns the timings used with real adapters.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 1500 * time.Millisecond,
		InitTimeout:    500 * time.Millisecond,
		StaleAfter:     500 * time.Millisecond,
		ResetSettle:    800 * time.Millisecond,
		StepDelay:      50 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.ResetSettle < 0 {
		c.ResetSettle = 0
	}
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
}

// Result is the single completion of a submitted command.
type Result struct {
	Response string // Trimmed reply text; empty on timeout or stale drop
	TimedOut bool   // No prompt arrived within the command's budget
	Stale    bool   // High command dropped without touching the transport
	Err      error  // Write failure, flush on disconnect, or not connected
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the log entry used by the client.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.log = l }
}

// WithStateHandler registers a callback for every connection state change.
// It runs on whichever goroutine caused the change and must not block.
func WithStateHandler(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// Client turns a half-duplex, single-outstanding-request adapter link into a
// concurrent API. It owns the connection state, the command queue and the
// response framer for one transport.
type Client struct {
	tr      Transport
	cfg     Config
	log     *logrus.Entry
	onState func(State)

	mu       sync.Mutex
	state    State
	high     []*request
	low      []*request
	link     *link
	protocol string

	frameMu sync.Mutex
	framer  Framer

	responses chan string
}

// New creates a disconnected client bound to tr.
func New(tr Transport, cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		tr:        tr,
		cfg:       cfg,
		log:       logrus.WithField("component", "elm"),
		responses: make(chan string, 16),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol returns the adapter's answer to the display-protocol query.
func (c *Client) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Submit queues a command and returns a channel that receives exactly one Result.
// Commands are never retried; a timeout resolves with TimedOut set, not an error.
func (c *Client) Submit(cmd string, prio Priority) <-chan Result {
	return c.submit(cmd, prio, c.cfg.CommandTimeout)
}

// Send submits a command and waits for its reply. Cancelling ctx abandons the
// wait but leaves the command queued.
func (c *Client) Send(ctx context.Context, cmd string, prio Priority) (string, error) {
	res := await(ctx, c.Submit(cmd, prio))
	return res.Response, res.Err
}

// Read requests one PID and decodes it. The value is always finite; decode
// failures and timeouts yield 0 with a nil error.
func (c *Client) Read(ctx context.Context, pid obd.PID, prio Priority) (float64, error) {
	res := await(ctx, c.Submit(pid.Command, prio))
	if res.Err != nil {
		return 0, res.Err
	}
	return pid.Decode(res.Response), nil
}

// DTCs reads confirmed (mode 03) then pending (mode 07) trouble codes.
func (c *Client) DTCs(ctx context.Context) ([]string, error) {
	confirmed := await(ctx, c.Submit(obd.CmdReadDTCs, Low))
	if confirmed.Err != nil {
		return nil, confirmed.Err
	}
	pending := await(ctx, c.Submit(obd.CmdReadPendingDTCs, Low))
	if pending.Err != nil {
		return nil, pending.Err
	}
	return obd.DecodeDTCs(confirmed.Response, pending.Response), nil
}

// ClearDTCs sends mode 04 and reports whether the adapter acknowledged it.
func (c *Client) ClearDTCs(ctx context.Context) (bool, error) {
	res := await(ctx, c.Submit(obd.CmdClearDTCs, Low))
	if res.Err != nil {
		return false, res.Err
	}
	if res.TimedOut {
		return false, nil
	}
	return obd.ClearSucceeded(res.Response), nil
}

func await(ctx context.Context, ch <-chan Result) Result {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// transition moves to a new state if the lifecycle allows it.
func (c *Client) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = to
	c.mu.Unlock()

	c.notify(from, to)
	return nil
}

func (c *Client) notify(from, to State) {
	monitor.ConnectionState.Set(float64(to))
	c.log.WithField("from", from).WithField("to", to).Info("connection state changed")
	if c.onState != nil {
		c.onState(to)
	}
}
