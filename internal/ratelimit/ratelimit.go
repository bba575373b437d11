// Package ratelimit provides the single serialization point for upstream
// provider traffic: a bounded-rate, bounded-concurrency request executor
// with adaptive backoff on throttling responses.
//
// All tuning state is owned by one scheduling goroutine. Callers submit a
// RequestFunc and block until a response or a terminal failure. The request
// is rebuilt for every attempt so signed requests carry a fresh nonce.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRetriesExhausted    = fmt.Errorf("%w: throttling retries exhausted", ErrUpstreamUnavailable)
	ErrClosed              = errors.New("ratelimit: client closed")
)

// RequestFunc builds the request for one attempt
type RequestFunc = func(ctx context.Context) (*http.Request, error)

// Doer executes a single HTTP request
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the limiter tuning
type Config struct {
	RequestsPerMinute int           // ceiling for any trailing Window
	MaxConcurrency    int           // initial and maximum in-flight ceiling
	MinBackoff        time.Duration // floor of the inter-dispatch spacing
	MaxBackoff        time.Duration // cap of the inter-dispatch spacing
	BackoffStep       time.Duration // spacing used when doubling from zero
	BackoffDecay      float64       // multiplicative decay on success, in (0,1)
	MaxRetries        int           // requeues allowed after a throttling response
	Window            time.Duration // length of the rate window
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 300,
		MaxConcurrency:    8,
		MinBackoff:        0,
		MaxBackoff:        30 * time.Second,
		BackoffStep:       250 * time.Millisecond,
		BackoffDecay:      0.8,
		MaxRetries:        3,
		Window:            time.Minute,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = def.BackoffStep
	}
	if c.BackoffDecay <= 0 || c.BackoffDecay >= 1 {
		c.BackoffDecay = def.BackoffDecay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinBackoff > c.MaxBackoff {
		c.MinBackoff = c.MaxBackoff
	}
}

// Stats is a point-in-time view of the limiter state
type Stats struct {
	Queued            int           `json:"queued"`
	InFlight          int           `json:"in_flight"`
	Ceiling           int           `json:"ceiling"`
	Backoff           time.Duration `json:"backoff"`
	WindowDispatched  int           `json:"window_dispatched"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
}

type outcome struct {
	resp *http.Response
	err  error
}

type job struct {
	ctx      context.Context
	build    RequestFunc
	attempts int
	result   chan outcome
}

func (j *job) deliver(resp *http.Response, err error) {
	j.result <- outcome{resp: resp, err: err}
}

type completion struct {
	job      *job
	resp     *http.Response
	err      error
	buildErr bool
}

// Client is the rate-limited executor
type Client struct {
	doer    Doer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	submitCh chan *job
	doneCh   chan completion
	statsCh  chan chan Stats
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	// owned by the scheduling goroutine
	queue             []*job
	inFlight          int
	ceiling           int
	backoff           time.Duration
	lastDispatch      time.Time
	dispatches        []time.Time
	windowDispatched  int
	windowErrors      int
	consecutiveErrors int
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegisterer registers the limiter metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = newMetrics(reg) }
}

// New creates a client and starts its scheduling loop. Close stops it.
func New(doer Doer, cfg Config, opts ...Option) *Client {
	cfg.normalize()
	c := &Client{
		doer:     doer,
		cfg:      cfg,
		logger:   slog.Default(),
		submitCh: make(chan *job),
		doneCh:   make(chan completion),
		statsCh:  make(chan chan Stats),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ceiling:  cfg.MaxConcurrency,
		backoff:  cfg.MinBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	c.metrics.ceiling.Set(float64(c.ceiling))

	go c.loop()
	return c
}

// Submit queues a request and waits for its response. A 429 response is
// never returned: it is retried until MaxRetries and then reported as
// ErrRetriesExhausted. Transport failures are reported as ErrUpstreamUnavailable.
func (c *Client) Submit(ctx context.Context, build RequestFunc) (*http.Response, error) {
	j := &job{ctx: ctx, build: build, result: make(chan outcome, 1)}

	select {
	case c.submitCh <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrClosed
	}

	select {
	case out := <-j.result:
		return out.resp, out.err
	case <-ctx.Done():
		// every accepted job receives exactly one outcome
		go func() {
			if out := <-j.result; out.resp != nil {
				out.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Stats returns the current limiter state
func (c *Client) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case c.statsCh <- reply:
		return <-reply
	case <-c.stopped:
		return Stats{}
	}
}

// Close stops the scheduling loop and fails every queued request with ErrClosed
func (c *Client) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.stopped
}

func (c *Client) loop() {
	defer close(c.stopped)

	window := time.NewTicker(c.cfg.Window)
	defer window.Stop()

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		var wakeC <-chan time.Time
		if delay := c.dispatch(time.Now()); delay > 0 {
			wake.Reset(delay)
			wakeC = wake.C
		}
		c.metrics.queueDepth.Set(float64(len(c.queue)))

		select {
		case j := <-c.submitCh:
			c.queue = append(c.queue, j)
		case done := <-c.doneCh:
			c.complete(done)
		case <-window.C:
			c.rollWindow()
		case <-wakeC:
		case reply := <-c.statsCh:
			reply <- c.stats()
		case <-c.quit:
			for _, j := range c.queue {
				j.deliver(nil, ErrClosed)
			}
			c.queue = nil
			return
		}
	}
}

// dispatch starts every queued job the limits allow and returns how long to
// wait before the head of the queue may go. Zero means wait for an event.
func (c *Client) dispatch(now time.Time) time.Duration {
	for len(c.queue) > 0 {
		j := c.queue[0]
		if err := j.ctx.Err(); err != nil {
			c.queue = c.queue[1:]
			j.deliver(nil, err)
			continue
		}
		if c.inFlight >= c.ceiling {
			return 0
		}

		c.pruneDispatches(now)
		if len(c.dispatches) >= c.cfg.RequestsPerMinute {
			return c.dispatches[0].Add(c.cfg.Window).Sub(now)
		}
		if !c.lastDispatch.IsZero() {
			if wait := c.lastDispatch.Add(c.backoff).Sub(now); wait > 0 {
				return wait
			}
		}

		c.queue = c.queue[1:]
		c.inFlight++
		c.lastDispatch = now
		c.dispatches = append(c.dispatches, now)
		c.windowDispatched++
		c.metrics.dispatched.Inc()
		c.metrics.inFlight.Set(float64(c.inFlight))

		go c.execute(j)
	}
	return 0
}

func (c *Client) pruneDispatches(now time.Time) {
	i := 0
	for i < len(c.dispatches) && now.Sub(c.dispatches[i]) >= c.cfg.Window {
		i++
	}
	c.dispatches = c.dispatches[i:]
}

func (c *Client) execute(j *job) {
	done := completion{job: j}

	req, err := j.build(j.ctx)
	if err != nil {
		done.err = err
		done.buildErr = true
	} else {
		done.resp, done.err = c.doer.Do(req)
	}

	select {
	case c.doneCh <- done:
	case <-c.stopped:
		if done.resp != nil && done.resp.StatusCode == http.StatusTooManyRequests {
			discard(done.resp)
			j.deliver(nil, ErrClosed)
			return
		}
		j.deliver(done.resp, done.err)
	}
}

func (c *Client) complete(d completion) {
	c.inFlight--
	c.metrics.inFlight.Set(float64(c.inFlight))
	j := d.job

	switch {
	case d.buildErr:
		j.deliver(nil, d.err)

	case d.err != nil:
		if j.ctx.Err() != nil {
			j.deliver(nil, j.ctx.Err())
			return
		}
		c.recordError()
		c.metrics.failed.Inc()
		j.deliver(nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, d.err))

	case d.resp.StatusCode == http.StatusTooManyRequests:
		discard(d.resp)
		c.throttle()
		j.attempts++
		if j.attempts > c.cfg.MaxRetries {
			c.metrics.failed.Inc()
			c.logger.Warn("upstream request abandoned", "attempts", j.attempts)
			j.deliver(nil, ErrRetriesExhausted)
			return
		}
		c.queue = append([]*job{j}, c.queue...)

	case d.resp.StatusCode >= http.StatusInternalServerError:
		c.recordError()
		j.deliver(d.resp, nil)

	default:
		c.succeed()
		j.deliver(d.resp, nil)
	}
}

func (c *Client) succeed() {
	c.decayBackoff()
	if c.consecutiveErrors == 0 && c.ceiling < c.cfg.MaxConcurrency {
		c.ceiling++
		c.metrics.ceiling.Set(float64(c.ceiling))
	}
	c.consecutiveErrors = 0
}

func (c *Client) recordError() {
	c.consecutiveErrors++
	c.windowErrors++
}

func (c *Client) throttle() {
	c.recordError()
	c.metrics.throttled.Inc()

	c.ceiling /= 2
	if c.ceiling < 1 {
		c.ceiling = 1
	}

	next := c.backoff * 2
	if next < c.cfg.BackoffStep {
		next = c.cfg.BackoffStep
	}
	if next > c.cfg.MaxBackoff {
		next = c.cfg.MaxBackoff
	}
	c.backoff = next

	c.metrics.ceiling.Set(float64(c.ceiling))
	c.metrics.backoff.Set(c.backoff.Seconds())
	c.logger.Debug("upstream throttled", "ceiling", c.ceiling, "backoff", c.backoff)
}

func (c *Client) decayBackoff() {
	next := time.Duration(float64(c.backoff) * c.cfg.BackoffDecay)
	if next < c.cfg.MinBackoff {
		next = c.cfg.MinBackoff
	}
	c.backoff = next
	c.metrics.backoff.Set(c.backoff.Seconds())
}

// rollWindow closes the current window. A quiet window with no errors is
// evidence the spacing can loosen further.
func (c *Client) rollWindow() {
	if c.windowErrors == 0 && float64(c.windowDispatched) < 0.8*float64(c.cfg.RequestsPerMinute) {
		c.decayBackoff()
	}
	c.windowDispatched = 0
	c.windowErrors = 0
}

func (c *Client) stats() Stats {
	return Stats{
		Queued:            len(c.queue),
		InFlight:          c.inFlight,
		Ceiling:           c.ceiling,
		Backoff:           c.backoff,
		WindowDispatched:  c.windowDispatched,
		ConsecutiveErrors: c.consecutiveErrors,
	}
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
