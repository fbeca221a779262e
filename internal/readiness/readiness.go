// Package readiness polls a TCP endpoint until it accepts connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loykin/localpg/internal/metrics"
)

// ErrTimeout is returned when the deadline passes without a successful connection.
var ErrTimeout = errors.New("readiness deadline exceeded")

// Dialer opens a connection; net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options control the polling loop. Zero fields take the defaults.
type Options struct {
	Interval       time.Duration
	AttemptTimeout time.Duration
	Deadline       time.Duration
	Dialer         Dialer
}

// DefaultOptions polls every 500ms, gives each attempt 200ms and gives up after 30s.
func DefaultOptions() Options {
	return Options{
		Interval:       500 * time.Millisecond,
		AttemptTimeout: 200 * time.Millisecond,
		Deadline:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = d.AttemptTimeout
	}
	if o.Deadline <= 0 {
		o.Deadline = d.Deadline
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	return o
}

// WaitForPort waits until host:port accepts a TCP connection.
func WaitForPort(ctx context.Context, host string, port int, opts Options) error {
	return WaitForAddr(ctx, net.JoinHostPort(host, strconv.Itoa(port)), opts)
}

// WaitForAddr attempts a fresh connection immediately and then once per
// Interval. Each attempt is bounded by AttemptTimeout so a hung dial cannot
// stall the loop.
func WaitForAddr(ctx context.Context, addr string, opts Options) error {
	o := opts.withDefaults()
	start := time.Now()
	end := start.Add(o.Deadline)
	deadline := time.NewTimer(o.Deadline)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	var attempts int
	var lastErr error
	for {
		attempts++
		if lastErr = dialOnce(ctx, o, addr, end); lastErr == nil {
			el := time.Since(start)
			slog.Debug("endpoint ready", "addr", addr, "attempts", attempts, "elapsed", el)
			metrics.ObserveReadiness("ready", el.Seconds())
			return nil
		}
		select {
		case <-ctx.Done():
			metrics.ObserveReadiness("canceled", time.Since(start).Seconds())
			return ctx.Err()
		case <-deadline.C:
			metrics.ObserveReadiness("timeout", time.Since(start).Seconds())
			return fmt.Errorf("%w: %s after %d attempts in %s: %v", ErrTimeout, addr, attempts, o.Deadline, lastErr)
		case <-tick.C:
		}
	}
}

// dialOnce makes a single connection attempt. It never outlives end, so a slow
// dial cannot push the wait past its deadline.
func dialOnce(ctx context.Context, o Options, addr string, end time.Time) error {
	until := time.Now().Add(o.AttemptTimeout)
	if until.After(end) {
		until = end
	}
	actx, cancel := context.WithDeadline(ctx, until)
	defer cancel()
	c, err := o.Dialer.DialContext(actx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
