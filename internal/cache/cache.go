package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sdko-org/linkproxy/internal/metrics"
	"github.com/sdko-org/linkproxy/internal/models"
	"github.com/sirupsen/logrus"
)

// Fetcher loads the current set of links from upstream.
type Fetcher interface {
	FetchLinks(ctx context.Context, maxPages int) ([]models.Link, error)
}

// Publisher receives every successfully refreshed snapshot.
type Publisher interface {
	PublishSnapshot(ctx context.Context, links []models.Link, refreshedAt time.Time) error
}

type Options struct {
	TTL      time.Duration
	MaxPages int
	// UpstreamTimeout bounds a single upstream request.
	UpstreamTimeout time.Duration
	// RefreshTimeout bounds a whole refresh. Defaults to UpstreamTimeout per page.
	RefreshTimeout time.Duration
}

type Meta struct {
	LastRefreshedAt    time.Time
	AgeSeconds         float64
	RefreshInFlight    bool
	NextRefreshSeconds float64
}

// Refreshed reports whether at least one refresh has succeeded.
func (m Meta) Refreshed() bool {
	return !m.LastRefreshedAt.IsZero()
}

// Refresher owns the link snapshot. Readers never wait on upstream; at most one
// refresh runs at a time and a failed refresh leaves the previous snapshot in place.
type Refresher struct {
	fetcher   Fetcher
	publisher Publisher
	opts      Options
	log       *logrus.Entry
	now       func() time.Time

	// mu guards links, refreshedAt and inFlight together. Cancelling ctx and
	// adding to running also happen under mu.
	mu          sync.Mutex
	links       []models.Link
	refreshedAt time.Time
	inFlight    bool

	publishMu     sync.Mutex
	lastPublished time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func NewRefresher(logger *logrus.Logger, fetcher Fetcher, opts Options) *Refresher {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 10 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = opts.UpstreamTimeout * time.Duration(opts.MaxPages)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		fetcher: fetcher,
		opts:    opts,
		log:     logger.WithField("component", "link_cache"),
		now:     time.Now,
		links:   []models.Link{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetPublisher registers p to receive each new snapshot. Call before Start.
func (r *Refresher) SetPublisher(p Publisher) {
	r.publisher = p
}

// SetClock replaces the time source. Used by tests.
func (r *Refresher) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Refresher) TTL() time.Duration {
	return r.opts.TTL
}

func (r *Refresher) MaxPages() int {
	return r.opts.MaxPages
}

// Read returns the current snapshot and its metadata without blocking on
// upstream. A stale snapshot triggers a background refresh. The returned slice
// is shared and must not be modified.
func (r *Refresher) Read() ([]models.Link, Meta) {
	r.mu.Lock()
	links := r.links
	now := r.now()
	stale := r.refreshedAt.IsZero() || now.Sub(r.refreshedAt) >= r.opts.TTL
	started := false
	if stale && !r.inFlight {
		r.inFlight = true
		started = true
	}
	meta := r.metaLocked(now)
	r.mu.Unlock()

	if started {
		r.launch()
	}
	return links, meta
}

// Meta returns the snapshot metadata without triggering anything.
func (r *Refresher) Meta() Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metaLocked(r.now())
}

// Len returns the size of the current snapshot.
func (r *Refresher) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// ForceRefresh starts a refresh unless one is already running or the refresher
// is stopped. It never blocks and reports whether a new refresh was started.
func (r *Refresher) ForceRefresh() bool {
	if !r.tryBegin() {
		metrics.CacheRefreshSkipped.Inc()
		return false
	}
	return r.launch()
}

// Start refreshes once immediately and then every TTL until ctx is done.
// Ticks that land while a refresh is running are skipped.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TTL)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"ttl":       r.opts.TTL,
		"max_pages": r.opts.MaxPages,
	}).Info("Starting link cache refresher")

	r.ForceRefresh()
	for {
		select {
		case <-ticker.C:
			if !r.ForceRefresh() {
				r.log.Debug("Refresh already in flight, skipping tick")
			}
		case <-ctx.Done():
			r.log.Info("Stopping link cache refresher")
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop cancels any running refresh and waits for it to return.
func (r *Refresher) Stop() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.running.Wait()
}

// Wait blocks until no refresh goroutine is running.
func (r *Refresher) Wait() {
	r.running.Wait()
}

func (r *Refresher) tryBegin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight {
		return false
	}
	r.inFlight = true
	return true
}

// launch runs a refresh on its own goroutine. The caller must have set inFlight.
// It returns false once the refresher has been stopped.
func (r *Refresher) launch() bool {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.inFlight = false
		r.mu.Unlock()
		return false
	}
	r.running.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.running.Done()
		r.performRefresh()
	}()
	return true
}

func (r *Refresher) performRefresh() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.RefreshTimeout)
	defer cancel()

	links, err := r.fetcher.FetchLinks(ctx, r.opts.MaxPages)
	metrics.CacheRefreshDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	if err != nil {
		r.inFlight = false
		r.mu.Unlock()
		metrics.CacheRefreshes.WithLabelValues("failure").Inc()
		r.log.WithError(err).WithField("duration", time.Since(start)).Error("Link cache refresh failed")
		return
	}
	if links == nil {
		links = []models.Link{}
	}
	refreshedAt := r.now()
	r.links = links
	r.refreshedAt = refreshedAt
	r.inFlight = false
	r.mu.Unlock()

	metrics.CacheRefreshes.WithLabelValues("success").Inc()
	metrics.CacheLinks.Set(float64(len(links)))
	metrics.CacheLastSuccess.Set(float64(refreshedAt.Unix()))
	r.log.WithFields(logrus.Fields{
		"links":    len(links),
		"duration": time.Since(start),
	}).Info("Link cache refreshed")

	r.publish(links, refreshedAt)
}

// publish hands a snapshot to the publisher. Publishes run one at a time and a
// snapshot older than the last one published is skipped.
func (r *Refresher) publish(links []models.Link, refreshedAt time.Time) {
	if r.publisher == nil {
		return
	}
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if !refreshedAt.After(r.lastPublished) {
		r.log.WithField("refreshed_at", refreshedAt).Debug("Skipping publish of superseded snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()
	if err := r.publisher.PublishSnapshot(ctx, links, refreshedAt); err != nil {
		r.log.WithError(err).Warn("Failed to publish link snapshot")
		return
	}
	r.lastPublished = refreshedAt
}

func (r *Refresher) metaLocked(now time.Time) Meta {
	meta := Meta{
		LastRefreshedAt: r.refreshedAt,
		RefreshInFlight: r.inFlight,
	}
	if r.refreshedAt.IsZero() {
		return meta
	}
	age := now.Sub(r.refreshedAt)
	if age < 0 {
		age = 0
	}
	meta.AgeSeconds = age.Seconds()
	if next := r.opts.TTL - age; next > 0 {
		meta.NextRefreshSeconds = next.Seconds()
	}
	return meta
}
