package elm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/monitor"
	"github.com/shaunagostinho/elm-dash/internal/obd"
)

// configBlock runs after the reset, in order. Adapters commonly ignore AT
// commands they do not support, so a missing reply never aborts the sequence.
var configBlock = []string{
	obd.CmdEchoOff,
	obd.CmdLinefeedsOff,
	obd.CmdSpacesOff,
	obd.CmdHeadersOff,
	obd.CmdAdaptiveTiming,
	obd.CmdAutoProtocol,
	obd.CmdDescribeProto,
}

// Connect opens the transport, runs the adapter init sequence and moves the
// client to Connected. A client left in Error may be connected again.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == Error {
		c.transition(Disconnected)
	}
	if err := c.transition(Connecting); err != nil {
		return fmt.Errorf("elm: connect from %s: %w", c.State(), err)
	}

	// Bytes left from an earlier link must not prefix the reset reply
	c.frameMu.Lock()
	c.framer.Reset()
	c.frameMu.Unlock()
	c.discardUnclaimed()

	l := newLink()
	err := c.tr.Open(Callbacks{
		Data:       c.onData,
		Disconnect: func(err error) { c.lost(l, err) },
	})
	if err != nil {
		c.tr.Close()
		c.transition(Error)
		return fmt.Errorf("elm: open %s: %w", c.tr.Name(), err)
	}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	go c.run(l)

	if err := c.transition(Initializing); err != nil {
		return fmt.Errorf("elm: link lost before init: %w", ErrDisconnected)
	}

	if err := c.initialize(ctx, l); err != nil {
		next := Error
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			next = Disconnected
		}
		c.teardown(l, next, err)
		return err
	}

	if err := c.transition(Connected); err != nil {
		return fmt.Errorf("elm: link lost during init: %w", ErrDisconnected)
	}
	c.log.WithField("transport", c.tr.Name()).WithField("protocol", c.Protocol()).Info("adapter ready")
	return nil
}

// Disconnect tears the link down on request. Every queued or in-flight
// command is rejected with ErrDisconnected before it returns.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		c.flush(ErrDisconnected)
		c.transition(Disconnected)
		return nil
	}
	err := c.teardown(l, Disconnected, ErrDisconnected)
	<-l.done
	return err
}

// lost handles an unsolicited transport disconnect.
func (c *Client) lost(l *link, cause error) {
	monitor.Disconnects.Inc()
	c.log.WithError(cause).Warn("transport disconnected unexpectedly")
	reason := ErrDisconnected
	if cause != nil {
		reason = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	}
	c.teardown(l, Disconnected, reason)
}

// teardown ends link l: no new commands are accepted, the worker is stopped,
// every queued command is rejected with reason and the transport is closed.
// It is a no-op if l is no longer the current link.
func (c *Client) teardown(l *link, to State, reason error) error {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return nil
	}
	c.link = nil
	from := c.state
	c.state = to
	c.mu.Unlock()

	l.close()
	n := c.flush(reason)
	if n > 0 {
		c.log.WithField("count", n).Info("flushed pending commands")
	}
	err := c.tr.Close()
	if from != to {
		c.notify(from, to)
	}
	return err
}

// step is one command of the init sequence.
type step struct {
	cmd     string
	timeout time.Duration
	settle  time.Duration
}

func (c *Client) initSteps() []step {
	steps := []step{{cmd: obd.CmdReset, timeout: c.cfg.CommandTimeout, settle: c.cfg.ResetSettle}}
	for _, cmd := range configBlock {
		steps = append(steps, step{cmd: cmd, timeout: c.cfg.InitTimeout, settle: c.cfg.StepDelay})
	}
	return steps
}

// initialize runs reset, configuration and the bus-confirmation probe in
// order, each awaited before the next. Only a transport failure or a probe
// with no reply stops it.
func (c *Client) initialize(ctx context.Context, l *link) error {
	for _, s := range c.initSteps() {
		res := await(ctx, c.submit(s.cmd, Low, s.timeout))
		if res.Err != nil {
			return res.Err
		}
		log := c.log.WithField("cmd", s.cmd)
		if res.TimedOut {
			log.Debug("init step got no reply, continuing")
		} else {
			log.WithField("resp", res.Response).Debug("init step")
		}
		if s.cmd == obd.CmdDescribeProto && !res.TimedOut {
			c.mu.Lock()
			c.protocol = res.Response
			c.mu.Unlock()
		}
		if err := sleep(ctx, l, s.settle); err != nil {
			return err
		}
	}

	res := await(ctx, c.submit(obd.CmdSupportedPIDs, Low, c.cfg.CommandTimeout))
	if res.Err != nil {
		return res.Err
	}
	if res.TimedOut {
		return ErrProbeFailed
	}
	c.log.WithField("resp", res.Response).Debug("protocol probe answered")
	return nil
}

// sleep waits d, returning early if ctx ends or the link goes down.
func sleep(ctx context.Context, l *link, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.down:
		return ErrDisconnected
	}
}
