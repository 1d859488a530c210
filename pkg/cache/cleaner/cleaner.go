// Package cleaner sweeps expired assets out of the cache store and
// recommends a content refresh to clients that lost coverage.
package cleaner

import (
	"context"
	"sort"
	"time"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache/engine"
)

// Store is the slice of the cache store the cleaner needs.
type Store interface {
	ExpiredAssets(ctx context.Context, now time.Time) ([]string, error)
	DeleteAsset(ctx context.Context, url string) ([]string, error)
}

// Config controls sweep cadence.
type Config struct {
	SweepInterval time.Duration
}

// Report summarizes one sweep.
type Report struct {
	// Expired is how many assets were evicted.
	Expired int
	// Affected lists presentations that lost credit, deduplicated and sorted.
	Affected []string
}

// Cleaner periodically evicts expired assets.
type Cleaner struct {
	cfg     Config
	store   Store
	pub     engine.Publisher
	log     *log.LogHandle
	trigger chan struct{}
}

// Option mutates Cleaner construction.
type Option func(*Cleaner)

// WithPublisher sets the event sink for refresh recommendations.
func WithPublisher(p engine.Publisher) Option {
	return func(c *Cleaner) { c.pub = p }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.LogHandle) Option {
	return func(c *Cleaner) { c.log = l }
}

// New constructs a cleaner.
func New(cfg Config, st Store, opts ...Option) *Cleaner {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Minute
	}

	c := &Cleaner{
		cfg:     cfg,
		store:   st,
		pub:     engine.NopPublisher{},
		log:     log.GetLogger("cleaner"),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger requests an immediate sweep from the background loop. Multiple
// pending triggers coalesce.
func (c *Cleaner) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// RunOnce evicts every asset expired at now. Per-asset delete failures are
// logged and skipped so one bad row cannot wedge the sweep. When anything
// was evicted it broadcasts CONTENT_REFRESH_RECOMMENDED listing the
// presentations that lost credit.
func (c *Cleaner) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	expired, err := c.store.ExpiredAssets(ctx, now)
	if err != nil {
		return Report{}, err
	}
	if len(expired) == 0 {
		return Report{}, nil
	}

	affectedSet := make(map[string]struct{})
	evicted := 0
	for _, url := range expired {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		ids, err := c.store.DeleteAsset(ctx, url)
		if err != nil {
			c.log.Warnf("evict %s failed: %v", url, err)
			continue
		}
		evicted++
		for _, id := range ids {
			affectedSet[id] = struct{}{}
		}
	}

	affected := make([]string, 0, len(affectedSet))
	for id := range affectedSet {
		affected = append(affected, id)
	}
	sort.Strings(affected)

	report := Report{Expired: evicted, Affected: affected}
	if evicted > 0 {
		c.log.Infof("evicted %d expired assets, %d presentations affected", evicted, len(affected))
		c.pub.Publish(engine.Event{
			Type:    engine.EventContentRefreshRecommended,
			Payload: engine.ContentRefreshPayload{PresentationIDs: affected},
		})
	}
	return report, nil
}

// RunBackground sweeps on the configured interval until ctx is cancelled.
func (c *Cleaner) RunBackground(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.log.Infof("background sweep every %s", c.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		if _, err := c.RunOnce(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Errorf("sweep failed: %v", err)
		}
	}
}
