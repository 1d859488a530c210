// Package engine implements the deduplicated asset prefetch pipeline: it
// turns the slide catalog into an asset map, downloads each URL once, stores
// it encrypted, and credits every presentation that references it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache/crypto"
	"github.com/deckcache/deckcache/pkg/cache/manifest"
	"github.com/deckcache/deckcache/pkg/cache/store"
)

// ErrEngineDisabled is returned when a caching pass is requested while the
// persisted engine switch is off.
var ErrEngineDisabled = errors.New("cache engine: engine disabled")

// Catalog supplies the current presentation list.
type Catalog interface {
	Fetch(ctx context.Context) ([]manifest.Presentation, error)
}

// Config tunes the pipeline.
type Config struct {
	// ProgressBatch is how many presentation credits accumulate before a
	// progress broadcast is flushed.
	ProgressBatch int
	// FetchRatePerSec caps asset downloads per second. Zero means unlimited.
	FetchRatePerSec int
}

// Engine drives caching passes against a store, fetching through a Fetcher
// and broadcasting progress through a Publisher.
type Engine struct {
	cfg     Config
	store   store.Store
	vault   *crypto.Vault
	catalog Catalog
	fetcher Fetcher
	pub     Publisher
	log     *log.LogHandle
	limiter *rate.Limiter

	halted atomic.Bool

	mu       sync.Mutex
	state    State
	inFlight map[string]struct{}
	expected map[string]int
	credited map[string]int
	batch    map[string]struct{}
}

// Option mutates Engine construction.
type Option func(*Engine)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.LogHandle) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs an engine. The vault must have passed its self test.
func New(cfg Config, st store.Store, vault *crypto.Vault, catalog Catalog, fetcher Fetcher, opts ...Option) *Engine {
	if cfg.ProgressBatch <= 0 {
		cfg.ProgressBatch = 8
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		vault:    vault,
		catalog:  catalog,
		fetcher:  fetcher,
		pub:      NopPublisher{},
		log:      log.GetLogger("engine"),
		state:    StateOff,
		inFlight: make(map[string]struct{}),
		expected: make(map[string]int),
		credited: make(map[string]int),
		batch:    make(map[string]struct{}),
	}
	if cfg.FetchRatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), cfg.FetchRatePerSec)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init resumes caching after a restart: when the persisted switch is on it
// runs a full pass, re-crediting everything still fresh and re-fetching the
// rest. With the switch off it does nothing.
func (e *Engine) Init(ctx context.Context) error {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if !settings.EngineEnabled {
		e.log.Infof("engine disabled, not resuming")
		e.emitStatus(ctx)
		return nil
	}

	e.log.Infof("engine enabled, resuming caching pass")
	return e.run(ctx, "")
}

// Activate turns the persisted engine switch on and runs a full pass.
func (e *Engine) Activate(ctx context.Context) error {
	if _, err := e.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
		cur.EngineEnabled = true
		return cur
	}); err != nil {
		return fmt.Errorf("enable engine: %w", err)
	}
	return e.run(ctx, "")
}

// Deactivate turns the switch off and halts any running pass. Cached assets
// are kept; only the pipeline stops.
func (e *Engine) Deactivate(ctx context.Context) error {
	e.halted.Store(true)

	if _, err := e.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
		cur.EngineEnabled = false
		return cur
	}); err != nil {
		return fmt.Errorf("disable engine: %w", err)
	}

	e.mu.Lock()
	e.state = StateOff
	e.mu.Unlock()
	e.log.Infof("engine deactivated")
	e.emitStatus(ctx)
	return nil
}

// CacheAll runs a full caching pass. It fails with ErrEngineDisabled when the
// persisted switch is off.
func (e *Engine) CacheAll(ctx context.Context) error {
	return e.run(ctx, "")
}

// CachePresentation runs a pass restricted to the assets of one presentation.
func (e *Engine) CachePresentation(ctx context.Context, presentationID string) error {
	if presentationID == "" {
		return errors.New("cache engine: presentation id must not be empty")
	}
	return e.run(ctx, presentationID)
}

// Status assembles a snapshot from persisted state. It never mutates
// anything and is safe during a running pass.
func (e *Engine) Status(ctx context.Context) (*StatusSnapshot, error) {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	records, err := e.store.ListProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}

	progress := StatusProgress{Presentations: make([]PresentationProgressPayload, 0, len(records))}
	for _, p := range records {
		progress.Overall.Credited += p.Credited
		progress.Overall.Expected += p.Expected
		progress.Presentations = append(progress.Presentations, PresentationProgressPayload{
			PresentationID: p.PresentationID,
			Credited:       p.Credited,
			Expected:       p.Expected,
		})
	}

	return &StatusSnapshot{
		App: AppStatus{State: "ready"},
		Data: DataStatus{
			State:    deriveState(records),
			Enabled:  settings.EngineEnabled,
			Progress: progress,
		},
	}, nil
}

// RetrieveAsset returns the decrypted bytes of one cached asset. Expired
// records count as missing. A record that no longer decrypts (the keys do
// not survive a restart, or the row is corrupt) is deleted together with
// its credits so the next pass refetches it, and is reported as missing.
func (e *Engine) RetrieveAsset(ctx context.Context, assetURL string) (Asset, error) {
	rec, err := e.store.GetAsset(ctx, assetURL)
	if err != nil {
		return Asset{}, err
	}
	if !rec.Fresh(time.Now()) {
		return Asset{}, fmt.Errorf("retrieve %s: %w", assetURL, store.ErrNotFound)
	}

	plain := e.vault.Open(rec.Data, rec.KeyVersion)
	if plain == nil {
		e.log.Warnf("%s no longer decrypts, dropping", assetURL)
		if _, err := e.store.DeleteAsset(ctx, assetURL); err != nil {
			return Asset{}, err
		}
		return Asset{}, fmt.Errorf("retrieve %s: %w", assetURL, store.ErrNotFound)
	}

	return Asset{Data: plain, MimeType: rec.MimeType, ExpiresAt: rec.ExpiresAt}, nil
}

// Nuke halts the pipeline, wipes the store, and discards every encryption
// key, orphaning any ciphertext a backup might hold.
func (e *Engine) Nuke(ctx context.Context) error {
	e.halted.Store(true)

	if err := e.store.Nuke(ctx); err != nil {
		return fmt.Errorf("nuke store: %w", err)
	}
	e.vault.Forget()

	e.mu.Lock()
	e.state = StateOff
	e.inFlight = make(map[string]struct{})
	e.expected = make(map[string]int)
	e.credited = make(map[string]int)
	e.batch = make(map[string]struct{})
	e.mu.Unlock()

	e.log.Infof("cache nuked")
	e.emitStatus(ctx)
	return nil
}

// run executes one caching pass. Overlapping passes are not serialized; the
// in-flight set is the only guard, so a concurrent trigger degrades to
// skipping URLs another pass is already fetching. The store transactions
// keep the counters consistent either way.
func (e *Engine) run(ctx context.Context, only string) error {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if !settings.EngineEnabled {
		return ErrEngineDisabled
	}
	e.halted.Store(false)

	presentations, err := e.catalog.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}

	fingerprint := manifest.Fingerprint(presentations)
	if settings.TargetContentVersion != "" && settings.TargetContentVersion != fingerprint {
		e.log.Infof("content version rollover %s -> %s, resetting progress",
			settings.TargetContentVersion, fingerprint)
		if err := e.store.ResetProgress(ctx); err != nil {
			return fmt.Errorf("reset progress: %w", err)
		}
	}
	if settings.TargetContentVersion != fingerprint {
		if _, err := e.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
			cur.TargetContentVersion = fingerprint
			return cur
		}); err != nil {
			return fmt.Errorf("record content version: %w", err)
		}
	}

	owners, expected := manifest.BuildAssetMap(presentations)

	e.mu.Lock()
	e.expected = make(map[string]int, len(expected))
	e.credited = make(map[string]int, len(expected))
	e.mu.Unlock()
	for id, exp := range expected {
		p, err := e.store.EnsureProgress(ctx, id, exp)
		if err != nil {
			return fmt.Errorf("ensure progress %s: %w", id, err)
		}
		e.mu.Lock()
		e.expected[id] = exp
		e.credited[id] = p.Credited
		e.mu.Unlock()
	}
	e.refreshState()
	e.emitStatus(ctx)

	urls := make([]string, 0, len(owners))
	for u, ids := range owners {
		if only != "" && !containsID(ids, only) {
			continue
		}
		urls = append(urls, u)
	}
	sort.Strings(urls)

	concurrency := settings.EngineConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	e.log.Infof("caching pass started: %d urls, concurrency %d", len(urls), concurrency)
	for start := 0; start < len(urls); start += concurrency {
		if e.halted.Load() {
			e.log.Infof("caching pass halted")
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + concurrency
		if end > len(urls) {
			end = len(urls)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, u := range urls[start:end] {
			u := u
			g.Go(func() error {
				return e.processURL(gctx, u, owners[u])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		e.flushProgress()
	}

	e.flushProgress()
	e.refreshState()
	e.emitStatus(ctx)

	e.mu.Lock()
	finished := e.state == StateFull
	e.mu.Unlock()
	if finished {
		e.log.Infof("caching pass complete, all presentations cached")
		e.pub.Publish(Event{Type: EventDataCachingComplete})
		if _, err := e.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
			cur.LastCompleteContentVersion = fingerprint
			return cur
		}); err != nil {
			return fmt.Errorf("record complete content version: %w", err)
		}
	}
	return nil
}

// processURL caches one asset and credits its owners. Download failures are
// soft: they are logged and the pass moves on, leaving the credit for a
// later pass. Store and cipher failures abort the pass.
func (e *Engine) processURL(ctx context.Context, assetURL string, ownerIDs []string) error {
	if e.halted.Load() {
		return nil
	}
	if !e.beginFetch(assetURL) {
		e.log.Debugf("%s already in flight, skipping", assetURL)
		return nil
	}
	defer e.endFetch(assetURL)

	rec, err := e.store.GetAsset(ctx, assetURL)
	switch {
	case err == nil && rec.Fresh(time.Now()):
		if e.vault.Open(rec.Data, rec.KeyVersion) != nil {
			// Already cached; owners added since the last pass still need
			// credit.
			return e.creditOwners(ctx, assetURL, ownerIDs)
		}
		// Sealed under a key this process does not hold (the keys do not
		// survive a restart) or corrupt. Drop the record and its credits;
		// the refetch below reconverges.
		e.log.Warnf("%s no longer decrypts, refetching", assetURL)
		if _, err := e.store.DeleteAsset(ctx, assetURL); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	asset, err := e.fetcher.Fetch(ctx, assetURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warnf("fetch %s failed: %v", assetURL, err)
		return nil
	}

	sealed, err := e.vault.Encrypt(asset.Data, crypto.CurrentKeyVersion)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", assetURL, err)
	}

	if err := e.store.PutAsset(ctx, store.AssetRecord{
		URL:        assetURL,
		Data:       sealed,
		MimeType:   asset.MimeType,
		Timestamp:  time.Now().UTC(),
		ExpiresAt:  asset.ExpiresAt,
		KeyVersion: crypto.CurrentKeyVersion,
	}); err != nil {
		return fmt.Errorf("store %s: %w", assetURL, err)
	}

	return e.creditOwners(ctx, assetURL, ownerIDs)
}

func (e *Engine) beginFetch(assetURL string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[assetURL]; ok {
		return false
	}
	e.inFlight[assetURL] = struct{}{}
	return true
}

func (e *Engine) endFetch(assetURL string) {
	e.mu.Lock()
	delete(e.inFlight, assetURL)
	e.mu.Unlock()
}

func (e *Engine) creditOwners(ctx context.Context, assetURL string, ownerIDs []string) error {
	for _, id := range ownerIDs {
		p, credited, err := e.store.CreditURL(ctx, id, assetURL)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("credit %s for %s: %w", assetURL, id, err)
		}
		if !credited {
			continue
		}

		e.mu.Lock()
		e.credited[id] = p.Credited
		e.batch[id] = struct{}{}
		flush := len(e.batch) >= e.cfg.ProgressBatch
		e.mu.Unlock()

		if p.Complete {
			e.pub.Publish(Event{
				Type:    EventPresentationComplete,
				Payload: PresentationCompletePayload{PresentationID: id},
			})
		}
		if flush {
			e.flushProgress()
		}
	}
	return nil
}

// flushProgress drains the pending credit batch into one progress broadcast
// per presentation plus a single overall event.
func (e *Engine) flushProgress() {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	events := make([]Event, 0, len(e.batch)+1)
	for id := range e.batch {
		events = append(events, Event{
			Type: EventPresentationProgress,
			Payload: PresentationProgressPayload{
				PresentationID: id,
				Credited:       e.credited[id],
				Expected:       e.expected[id],
			},
		})
	}
	e.batch = make(map[string]struct{})

	var overall OverallProgress
	for id, exp := range e.expected {
		overall.Expected += exp
		overall.Credited += e.credited[id]
	}
	events = append(events, Event{Type: EventDataCachingProgress, Payload: overall})
	e.mu.Unlock()

	for _, ev := range events {
		e.pub.Publish(ev)
	}
}

// refreshState recomputes the coarse state from the in-memory pass view and
// logs transitions.
func (e *Engine) refreshState() {
	e.mu.Lock()
	records := make([]store.Progress, 0, len(e.expected))
	for id, exp := range e.expected {
		cr := e.credited[id]
		records = append(records, store.Progress{
			PresentationID: id,
			Expected:       exp,
			Credited:       cr,
			Complete:       exp > 0 && cr >= exp,
		})
	}
	next := deriveState(records)
	prev := e.state
	e.state = next
	e.mu.Unlock()

	if next != prev {
		e.log.Infof("caching state %s -> %s", prev, next)
	}
}

func (e *Engine) emitStatus(ctx context.Context) {
	snapshot, err := e.Status(ctx)
	if err != nil {
		e.log.Warnf("assemble status snapshot: %v", err)
		return
	}
	e.pub.Publish(Event{Type: EventStatus, Payload: snapshot})
}

// deriveState folds progress records into off, partial, or full: off while
// no presentation is complete, full when every one is. Only presentations
// that expect at least one asset count; empty presentations have nothing to
// cache.
func deriveState(records []store.Progress) State {
	eligible := 0
	complete := 0
	for _, p := range records {
		if p.Expected == 0 {
			continue
		}
		eligible++
		if p.Complete {
			complete++
		}
	}

	switch {
	case eligible == 0 || complete == 0:
		return StateOff
	case complete == eligible:
		return StateFull
	default:
		return StatePartial
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
