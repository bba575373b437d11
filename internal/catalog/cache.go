// Package catalog serves the provider game catalog from memory.
//
// Data comes from three tiers: the in-process snapshot, a snapshot file on
// disk and a relational copy. The upstream is paged through the provider
// client on a TTL. Refreshes are single-flight and publish a fully indexed
// snapshot with one atomic pointer swap; a failed refresh leaves the previous
// snapshot in place.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/alexbotov/slotgate/internal/domain"
)

var (
	ErrUnavailable  = errors.New("catalog unavailable")
	ErrEmptyCatalog = errors.New("catalog: upstream returned no games")
	ErrTooManyPages = errors.New("catalog: upstream has more pages than allowed")
	ErrGameNotFound = errors.New("game not found")
)

// Persister is a secondary tier that stores published snapshots
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) ([]domain.CatalogEntry, time.Time, error)
}

// Cache is the tiered catalog
type Cache struct {
	source         Source
	disk           Persister
	db             Persister
	ttl            time.Duration
	perPage        int
	maxPages       int
	refreshTimeout time.Duration
	retryInterval  time.Duration
	logger         *slog.Logger
	now            func() time.Time

	current      atomic.Pointer[Snapshot]
	group        singleflight.Group
	backgrounded atomic.Bool

	entriesGauge    prometheus.Gauge
	refreshFailures prometheus.Counter
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL sets how long a snapshot is considered fresh
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithDisk enables the on-disk tier
func WithDisk(store Persister) Option {
	return func(c *Cache) { c.disk = store }
}

// WithDatabase enables the relational tier
func WithDatabase(store Persister) Option {
	return func(c *Cache) { c.db = store }
}

// WithPageSize sets the upstream page size
func WithPageSize(n int) Option {
	return func(c *Cache) { c.perPage = n }
}

// WithMaxPages bounds the number of pages per refresh. An upstream larger
// than the bound fails the refresh instead of publishing a partial catalog.
func WithMaxPages(n int) Option {
	return func(c *Cache) { c.maxPages = n }
}

// WithRefreshTimeout bounds a single refresh
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) { c.refreshTimeout = d }
}

// WithRetryInterval sets the first retry delay after a failed refresh in Run
func WithRetryInterval(d time.Duration) Option {
	return func(c *Cache) { c.retryInterval = d }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithRegisterer registers the catalog metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		reg.MustRegister(c.entriesGauge, c.refreshFailures)
	}
}

// New creates a cache reading from source
func New(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:         source,
		ttl:            time.Hour,
		perPage:        100,
		maxPages:       1000,
		refreshTimeout: 5 * time.Minute,
		retryInterval:  10 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
		entriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slotgate", Subsystem: "catalog", Name: "entries",
			Help: "Entries in the published catalog snapshot.",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slotgate", Subsystem: "catalog", Name: "refresh_failures_total",
			Help: "Catalog refreshes that kept the previous snapshot.",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load brings the cache up on start: a fresh in-process snapshot is kept;
// otherwise a disk snapshot is adopted (and refreshed in the background when
// expired); otherwise the upstream is fetched, falling back to the
// relational tier. ErrUnavailable means no tier produced data.
func (c *Cache) Load(ctx context.Context) error {
	if snap := c.current.Load(); snap != nil && !snap.Expired(c.now()) {
		return nil
	}

	if c.disk != nil {
		entries, fetchedAt, err := c.disk.Load(ctx)
		switch {
		case err == nil && len(entries) > 0:
			snap := NewSnapshot(entries, fetchedAt, c.ttl)
			c.publish(snap)
			c.logger.Info("catalog loaded from disk", "entries", snap.Len(), "fetched_at", fetchedAt)
			if snap.Expired(c.now()) {
				c.refreshInBackground()
			}
			return nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			c.logger.Warn("catalog disk snapshot unreadable", "error", err)
		}
	}

	_, refreshErr := c.Refresh(ctx)
	if refreshErr == nil {
		return nil
	}
	c.logger.Warn("catalog refresh failed on load", "error", refreshErr)

	if c.db != nil {
		entries, fetchedAt, err := c.db.Load(ctx)
		if err != nil {
			c.logger.Warn("catalog database tier unreadable", "error", err)
		} else if len(entries) > 0 {
			snap := NewSnapshot(entries, fetchedAt, c.ttl)
			c.publish(snap)
			c.logger.Info("catalog loaded from database", "entries", snap.Len(), "fetched_at", fetchedAt)
			return nil
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, refreshErr)
}

// Refresh fetches the whole upstream catalog and publishes it. Concurrent
// callers share one in-flight refresh. The refresh itself is detached from
// ctx so an impatient caller does not abort it for the others.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	started := c.now()

	var entries []domain.CatalogEntry
	pageCount := 1
	for page := 1; page <= pageCount; page++ {
		items, count, err := c.source.FetchPage(ctx, page, c.perPage)
		if err != nil {
			c.refreshFailures.Inc()
			return nil, fmt.Errorf("catalog page %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}
		entries = append(entries, items...)

		if count > 0 {
			pageCount = count
		} else {
			pageCount = page + 1
		}
		// without a reported count, the page after the bound tells whether the catalog ended
		if c.maxPages > 0 && pageCount > c.maxPages && (count > 0 || page > c.maxPages) {
			c.refreshFailures.Inc()
			c.logger.Warn("catalog exceeds page bound, keeping previous snapshot",
				"max_pages", c.maxPages, "reported_pages", count, "fetched_pages", page)
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyPages, c.maxPages)
		}
	}

	if len(entries) == 0 {
		c.refreshFailures.Inc()
		return nil, ErrEmptyCatalog
	}

	snap := NewSnapshot(entries, c.now(), c.ttl)
	c.publish(snap)
	c.logger.Info("catalog refreshed", "entries", snap.Len(), "providers", len(snap.providers),
		"duration", c.now().Sub(started))

	if c.disk != nil {
		if err := c.disk.Save(ctx, snap); err != nil {
			c.logger.Warn("catalog disk save failed", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Save(ctx, snap); err != nil {
			c.logger.Warn("catalog database save failed", "error", err)
		}
	}
	return snap, nil
}

func (c *Cache) publish(snap *Snapshot) {
	c.current.Store(snap)
	c.entriesGauge.Set(float64(snap.Len()))
}

// refreshInBackground starts at most one detached refresh at a time
func (c *Cache) refreshInBackground() {
	if !c.backgrounded.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.backgrounded.Store(false)
		if _, err := c.Refresh(context.Background()); err != nil {
			c.logger.Warn("catalog background refresh failed", "error", err)
		}
	}()
}

// Snapshot returns the published snapshot
func (c *Cache) Snapshot() (*Snapshot, error) {
	snap := c.current.Load()
	if snap == nil {
		return nil, ErrUnavailable
	}
	return snap, nil
}

// Query filters the published snapshot. An expired snapshot is still served,
// marked stale, and a background refresh is started.
func (c *Cache) Query(_ context.Context, q Query) (Result, error) {
	snap := c.current.Load()
	if snap == nil {
		return Result{}, ErrUnavailable
	}
	result := snap.Query(q)
	if snap.Expired(c.now()) {
		result.Stale = true
		c.refreshInBackground()
	}
	return result, nil
}

// Providers returns the provider names of the published snapshot
func (c *Cache) Providers(_ context.Context) ([]string, error) {
	snap := c.current.Load()
	if snap == nil {
		return nil, ErrUnavailable
	}
	return snap.Providers(), nil
}

// Game returns a single entry by id
func (c *Cache) Game(_ context.Context, id string) (domain.CatalogEntry, error) {
	snap := c.current.Load()
	if snap == nil {
		return domain.CatalogEntry{}, ErrUnavailable
	}
	e, ok := snap.Get(id)
	if !ok {
		return domain.CatalogEntry{}, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	return e, nil
}

// Run refreshes the catalog whenever the snapshot expires until ctx is done.
// Failed refreshes are retried with exponential backoff and only logged.
func (c *Cache) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = c.ttl

	timer := time.NewTimer(c.untilExpiry())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := c.ttl
		if _, err := c.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next = bo.NextBackOff()
			c.logger.Warn("catalog refresh failed", "error", err, "retry_in", next)
		} else {
			bo.Reset()
		}
		timer.Reset(next)
	}
}

func (c *Cache) untilExpiry() time.Duration {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	d := snap.FetchedAt.Add(c.ttl).Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}
