package elm

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/elm-dash/internal/monitor"
)

// request is one queued command. Its done channel holds exactly one Result.
type request struct {
	cmd       string
	prio      Priority
	submitted time.Time
	timeout   time.Duration

	once sync.Once
	done chan Result
}

func (r *request) complete(res Result) {
	r.once.Do(func() {
		r.done <- res
	})
}

// link is the lifetime of one open transport binding. down closes when the
// binding is torn down; done closes when its worker has exited. wake belongs
// to the link so a worker that is shutting down cannot take a later link's
// signal.
type link struct {
	down     chan struct{}
	done     chan struct{}
	wake     chan struct{}
	downOnce sync.Once
}

func newLink() *link {
	return &link{
		down: make(chan struct{}),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (l *link) close() {
	l.downOnce.Do(func() { close(l.down) })
}

func (c *Client) submit(cmd string, prio Priority, timeout time.Duration) <-chan Result {
	req := &request{
		cmd:       cmd,
		prio:      prio,
		submitted: time.Now(),
		timeout:   timeout,
		done:      make(chan Result, 1),
	}

	c.mu.Lock()
	if c.link == nil || !c.state.dispatchable() {
		c.mu.Unlock()
		req.complete(Result{Err: ErrNotConnected})
		return req.done
	}
	// High entries go behind existing High entries and ahead of every Low one.
	if prio == High {
		c.high = append(c.high, req)
	} else {
		c.low = append(c.low, req)
	}
	monitor.QueueDepth.Set(float64(len(c.high) + len(c.low)))
	l := c.link
	c.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return req.done
}

// next pops the front command, or returns nil when the link is gone, the
// state does not allow dispatch, or the queue is empty.
func (c *Client) next(l *link) *request {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != l || !c.state.dispatchable() {
		return nil
	}
	var req *request
	switch {
	case len(c.high) > 0:
		req = c.high[0]
		c.high[0] = nil
		c.high = c.high[1:]
	case len(c.low) > 0:
		req = c.low[0]
		c.low[0] = nil
		c.low = c.low[1:]
	default:
		return nil
	}
	monitor.QueueDepth.Set(float64(len(c.high) + len(c.low)))
	return req
}

// run is the single worker for a link. It drains the queue until it is empty
// or blocked, then sleeps until the next submit.
func (c *Client) run(l *link) {
	defer close(l.done)
	for {
		select {
		case <-l.down:
			return
		case <-l.wake:
		}
		for req := c.next(l); req != nil; req = c.next(l) {
			c.dispatch(l, req)
		}
	}
}

// dispatch puts one command on the wire and waits for its reply. Only one
// dispatch runs at a time because only the link's worker calls it.
func (c *Client) dispatch(l *link, req *request) {
	log := c.log.WithField("cmd", req.cmd)

	if req.prio == High && time.Since(req.submitted) > c.cfg.StaleAfter {
		log.WithField("age", time.Since(req.submitted)).Debug("dropping stale command")
		monitor.CommandsTotal.WithLabelValues(monitor.ResultStale).Inc()
		req.complete(Result{Stale: true})
		return
	}

	select {
	case <-l.down:
		monitor.CommandsTotal.WithLabelValues(monitor.ResultFlushed).Inc()
		req.complete(Result{Err: ErrDisconnected})
		return
	default:
	}

	c.discardUnclaimed()

	start := time.Now()
	if err := c.tr.Write([]byte(req.cmd + "\r")); err != nil {
		cerr := &CommandError{Command: req.cmd, Err: err}
		log.WithError(err).Error("transport write failed")
		monitor.CommandsTotal.WithLabelValues(monitor.ResultWriteError).Inc()
		// Only this caller sent the command; the rest see a plain link loss
		c.teardown(l, Error, fmt.Errorf("%w: %v", ErrDisconnected, cerr))
		req.complete(Result{Err: cerr})
		return
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	select {
	case resp := <-c.responses:
		monitor.CommandLatency.Observe(time.Since(start).Seconds())
		monitor.CommandsTotal.WithLabelValues(monitor.ResultOK).Inc()
		log.WithField("resp", resp).Debug("response")
		req.complete(Result{Response: resp})
	case <-timer.C:
		monitor.CommandsTotal.WithLabelValues(monitor.ResultTimeout).Inc()
		log.WithField("timeout", req.timeout).Debug("no prompt before timeout")
		req.complete(Result{TimedOut: true})
	case <-l.down:
		monitor.CommandsTotal.WithLabelValues(monitor.ResultFlushed).Inc()
		req.complete(Result{Err: ErrDisconnected})
	}
}

// discardUnclaimed drops responses that arrived while nothing was in flight,
// such as extra prompts from a coalesced chunk or a reply after its timeout.
func (c *Client) discardUnclaimed() {
	for {
		select {
		case resp := <-c.responses:
			c.log.WithField("resp", resp).Debug("discarding unclaimed response")
		default:
			return
		}
	}
}

// onData is the transport's notify callback.
func (c *Client) onData(chunk []byte) {
	monitor.BytesReceived.Add(float64(len(chunk)))

	c.frameMu.Lock()
	complete := c.framer.Feed(chunk)
	c.frameMu.Unlock()

	for _, resp := range complete {
		select {
		case c.responses <- resp:
		default:
			c.log.WithField("resp", resp).Warn("response buffer full, dropping")
		}
	}
}

// flush removes every queued command and rejects it with reason.
func (c *Client) flush(reason error) int {
	c.mu.Lock()
	pending := make([]*request, 0, len(c.high)+len(c.low))
	pending = append(pending, c.high...)
	pending = append(pending, c.low...)
	c.high, c.low = nil, nil
	monitor.QueueDepth.Set(0)
	c.mu.Unlock()

	for _, req := range pending {
		monitor.CommandsTotal.WithLabelValues(monitor.ResultFlushed).Inc()
		req.complete(Result{Err: reason})
	}
	return len(pending)
}
