// Package statsd emits pipeline metrics over UDP in the DogStatsD line format.
package statsd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Sink is the metric surface the pipeline writes to. A nil Sink disables emission.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config describes how to reach a StatsD agent.
type Config struct {
	Enabled     bool
	Address     string
	Prefix      string
	GlobalTags  map[string]string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client writes one datagram per metric. Safe for concurrent use; every method is a
// no-op on a nil or disabled Client.
type Client struct {
	prefix string
	tags   map[string]string
	logger *slog.Logger

	mu      sync.Mutex
	w       io.WriteCloser
	dropped atomic.Int64
}

var _ Sink = (*Client)(nil)

// NewClient dials the agent when cfg is enabled with an address. UDP dialing only
// resolves the address, so an absent agent is not an error here.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		prefix: cleanPrefix(cfg.Prefix),
		tags:   mergeTags(cfg.GlobalTags, nil),
		logger: logger.With("component", "statsd"),
	}

	addr := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || addr == "" {
		return c, nil
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", addr, err)
	}
	c.w = conn
	return c, nil
}

// newWriterClient builds a Client over an arbitrary writer.
func newWriterClient(w io.WriteCloser, prefix string, tags map[string]string) *Client {
	return &Client{
		prefix: cleanPrefix(prefix),
		tags:   mergeTags(tags, nil),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		w:      w,
	}
}

// Enabled reports whether metrics are being sent.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w != nil
}

// Dropped is the number of datagrams whose write failed.
func (c *Client) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Count increments a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, counterValue(value), kindCounter, tags)
}

// Gauge sets a gauge.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, gaugeValue(value), kindGauge, tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	c.emit(name, timingValue(value), kindTiming, tags)
}

// Close releases the connection. Later emits are dropped silently.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

func (c *Client) emit(name, value string, k kind, tags map[string]string) {
	if c == nil {
		return
	}
	line := encodeLine(c.prefix, name, value, k, mergeTags(c.tags, tags))
	if line == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return
	}
	if _, err := io.WriteString(c.w, line); err != nil {
		if c.dropped.Add(1) == 1 {
			c.logger.Warn("statsd write failed; further failures are counted only", "error", err)
		}
	}
}
