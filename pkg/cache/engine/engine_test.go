package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deckcache/deckcache/pkg/cache/crypto"
	"github.com/deckcache/deckcache/pkg/cache/manifest"
	"github.com/deckcache/deckcache/pkg/cache/store"
	storebbolt "github.com/deckcache/deckcache/pkg/cache/store/bbolt"
)

type stubCatalog struct {
	mu            sync.Mutex
	presentations []manifest.Presentation
	err           error
}

func (c *stubCatalog) Fetch(ctx context.Context) ([]manifest.Presentation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.presentations, nil
}

func (c *stubCatalog) set(presentations []manifest.Presentation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentations = presentations
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) countOf(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (p *capturePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// assetServer counts GETs per path so tests can assert dedup.
type assetServer struct {
	*httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	broken map[string]bool
}

func newAssetServer(t *testing.T) *assetServer {
	t.Helper()

	as := &assetServer{hits: make(map[string]int), broken: make(map[string]bool)}
	as.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		as.hits[r.URL.Path]++
		failing := as.broken[r.URL.Path]
		as.mu.Unlock()

		if failing {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("png bytes for " + r.URL.Path))
	}))
	t.Cleanup(as.Close)
	return as
}

func (as *assetServer) totalHits() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	total := 0
	for _, n := range as.hits {
		total += n
	}
	return total
}

func (as *assetServer) hitsFor(path string) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.hits[path]
}

func (as *assetServer) setBroken(path string, broken bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.broken[path] = broken
}

type engineFixture struct {
	engine  *Engine
	store   store.Store
	vault   *crypto.Vault
	catalog *stubCatalog
	server  *assetServer
	pub     *capturePublisher
}

func newFixture(t *testing.T, presentations []manifest.Presentation) *engineFixture {
	t.Helper()

	st, err := storebbolt.Open(filepath.Join(t.TempDir(), "cache.db"), storebbolt.Options{
		Defaults: store.DefaultSettings(4),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	server := newAssetServer(t)
	fetcher, err := NewHTTPFetcher(server.URL, 5*time.Second, time.Hour, 1<<20)
	if err != nil {
		t.Fatalf("build fetcher: %v", err)
	}

	vault := crypto.NewVault()
	if err := vault.SelfTest(); err != nil {
		t.Fatalf("vault self test: %v", err)
	}

	catalog := &stubCatalog{presentations: presentations}
	pub := &capturePublisher{}
	eng := New(Config{ProgressBatch: 1}, st, vault, catalog, fetcher, WithPublisher(pub))

	return &engineFixture{engine: eng, store: st, vault: vault, catalog: catalog, server: server, pub: pub}
}

func twoDeckCatalog() []manifest.Presentation {
	return []manifest.Presentation{
		{ID: "p1", Version: "v1", Slides: []manifest.Slide{
			{Template: manifest.TemplateImage, Src: "/a.png"},
			{Template: manifest.TemplateImage, Src: "/b.png"},
		}},
		{ID: "p2", Version: "v1", Slides: []manifest.Slide{
			{Template: manifest.TemplateImage, Src: "/a.png"},
			{Template: manifest.TemplateImage, Src: "/c.png"},
		}},
	}
}

func TestActivateCachesSharedAssetsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}

	// Three distinct URLs, each fetched exactly once despite /a.png having
	// two owners.
	if got := fx.server.totalHits(); got != 3 {
		t.Fatalf("expected 3 fetches, got %d (%v)", got, fx.server.hits)
	}
	if got := fx.server.hitsFor("/a.png"); got != 1 {
		t.Fatalf("expected shared asset fetched once, got %d", got)
	}

	for _, id := range []string{"p1", "p2"} {
		p, err := fx.store.GetProgress(ctx, id)
		if err != nil {
			t.Fatalf("GetProgress %s returned error: %v", id, err)
		}
		if !p.Complete || p.Credited != 2 {
			t.Fatalf("expected %s complete at 2/2, got %+v", id, p)
		}
	}

	snapshot, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if snapshot.Data.State != StateFull || !snapshot.Data.Enabled {
		t.Fatalf("expected full enabled state, got %+v", snapshot.Data)
	}
	if snapshot.Data.Progress.Overall != (OverallProgress{Credited: 4, Expected: 4}) {
		t.Fatalf("unexpected overall progress: %+v", snapshot.Data.Progress.Overall)
	}

	if n := fx.pub.countOf(EventPresentationComplete); n != 2 {
		t.Fatalf("expected 2 completion events, got %d", n)
	}
	if n := fx.pub.countOf(EventDataCachingComplete); n != 1 {
		t.Fatalf("expected 1 overall completion event, got %d", n)
	}

	// Stored assets decrypt back to what the server sent.
	rec, err := fx.store.GetAsset(ctx, "/a.png")
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}
	plain := fx.vault.Open(rec.Data, rec.KeyVersion)
	if string(plain) != "png bytes for /a.png" {
		t.Fatalf("unexpected decrypted payload: %q", plain)
	}
}

func TestRepeatPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	fetches := fx.server.totalHits()
	fx.pub.reset()

	if err := fx.engine.CacheAll(ctx); err != nil {
		t.Fatalf("CacheAll returned error: %v", err)
	}

	if got := fx.server.totalHits(); got != fetches {
		t.Fatalf("expected no new fetches, got %d extra", got-fetches)
	}
	if n := fx.pub.countOf(EventPresentationProgress); n != 0 {
		t.Fatalf("expected no progress events on idempotent pass, got %d", n)
	}
	p, err := fx.store.GetProgress(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if p.Credited != 2 {
		t.Fatalf("expected credits unchanged, got %+v", p)
	}
}

func TestFetchFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())
	fx.server.setBroken("/c.png", true)

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("expected soft failure, got error: %v", err)
	}

	p1, err := fx.store.GetProgress(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if !p1.Complete {
		t.Fatalf("expected p1 unaffected by p2 failure, got %+v", p1)
	}
	p2, err := fx.store.GetProgress(ctx, "p2")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if p2.Complete || p2.Credited != 1 {
		t.Fatalf("expected p2 at 1/2, got %+v", p2)
	}

	snapshot, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if snapshot.Data.State != StatePartial {
		t.Fatalf("expected partial state, got %s", snapshot.Data.State)
	}
	if n := fx.pub.countOf(EventDataCachingComplete); n != 0 {
		t.Fatalf("unexpected overall completion on partial pass")
	}

	// The missing asset is picked up once the endpoint recovers.
	fx.server.setBroken("/c.png", false)
	if err := fx.engine.CacheAll(ctx); err != nil {
		t.Fatalf("CacheAll returned error: %v", err)
	}
	p2, err = fx.store.GetProgress(ctx, "p2")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if !p2.Complete {
		t.Fatalf("expected p2 complete after retry, got %+v", p2)
	}
}

func TestCatalogFailureAbortsPass(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	fx.catalog.err = errors.New("manifest endpoint down")

	err := fx.engine.Activate(ctx)
	if err == nil || fx.server.totalHits() != 0 {
		t.Fatalf("expected pass abort before any fetch, err=%v hits=%d", err, fx.server.totalHits())
	}
}

func TestCacheAllRequiresActivation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.CacheAll(ctx); !errors.Is(err, ErrEngineDisabled) {
		t.Fatalf("expected ErrEngineDisabled, got %v", err)
	}
	if fx.server.totalHits() != 0 {
		t.Fatalf("disabled engine must not fetch")
	}
}

func TestDeactivateKeepsAssets(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if err := fx.engine.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate returned error: %v", err)
	}

	settings, err := fx.store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings returned error: %v", err)
	}
	if settings.EngineEnabled {
		t.Fatalf("expected engine switch persisted off")
	}
	if _, err := fx.store.GetAsset(ctx, "/a.png"); err != nil {
		t.Fatalf("expected assets kept after deactivation, got %v", err)
	}

	if err := fx.engine.CacheAll(ctx); !errors.Is(err, ErrEngineDisabled) {
		t.Fatalf("expected ErrEngineDisabled after deactivation, got %v", err)
	}
}

func TestCachePresentationScopesFetches(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	// Undo everything, then cache just p1.
	if err := fx.engine.Nuke(ctx); err != nil {
		t.Fatalf("Nuke returned error: %v", err)
	}
	if _, err := fx.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
		cur.EngineEnabled = true
		return cur
	}); err != nil {
		t.Fatalf("UpdateSettings returned error: %v", err)
	}
	before := fx.server.totalHits()

	if err := fx.engine.CachePresentation(ctx, "p1"); err != nil {
		t.Fatalf("CachePresentation returned error: %v", err)
	}

	if got := fx.server.totalHits() - before; got != 2 {
		t.Fatalf("expected only p1 urls fetched, got %d fetches", got)
	}
	if fx.server.hitsFor("/c.png") != 1 {
		t.Fatalf("expected /c.png untouched by scoped pass")
	}

	p1, err := fx.store.GetProgress(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if !p1.Complete {
		t.Fatalf("expected p1 complete, got %+v", p1)
	}
	// The shared asset credits p2 too, even in a scoped pass.
	p2, err := fx.store.GetProgress(ctx, "p2")
	if err != nil {
		t.Fatalf("GetProgress returned error: %v", err)
	}
	if p2.Credited != 1 {
		t.Fatalf("expected shared credit on p2, got %+v", p2)
	}
}

func TestContentVersionRolloverResetsProgress(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	fetches := fx.server.totalHits()

	// A version bump on p1 changes the fingerprint; progress resets but the
	// still-fresh assets are re-credited without hitting the network.
	bumped := twoDeckCatalog()
	bumped[0].Version = "v2"
	fx.catalog.set(bumped)

	if err := fx.engine.CacheAll(ctx); err != nil {
		t.Fatalf("CacheAll returned error: %v", err)
	}

	if got := fx.server.totalHits(); got != fetches {
		t.Fatalf("expected fresh assets re-credited without fetches, got %d extra", got-fetches)
	}
	for _, id := range []string{"p1", "p2"} {
		p, err := fx.store.GetProgress(ctx, id)
		if err != nil {
			t.Fatalf("GetProgress %s returned error: %v", id, err)
		}
		if !p.Complete {
			t.Fatalf("expected %s complete after rollover, got %+v", id, p)
		}
	}

	settings, err := fx.store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings returned error: %v", err)
	}
	if settings.TargetContentVersion != manifest.Fingerprint(bumped) {
		t.Fatalf("expected target version advanced, got %q", settings.TargetContentVersion)
	}
	if settings.LastCompleteContentVersion != manifest.Fingerprint(bumped) {
		t.Fatalf("expected last complete version advanced, got %q", settings.LastCompleteContentVersion)
	}
}

func TestNukeWipesEverything(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	rec, err := fx.store.GetAsset(ctx, "/a.png")
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}

	if err := fx.engine.Nuke(ctx); err != nil {
		t.Fatalf("Nuke returned error: %v", err)
	}

	if _, err := fx.store.GetAsset(ctx, "/a.png"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected assets wiped, got %v", err)
	}
	if got := fx.vault.Open(rec.Data, rec.KeyVersion); got != nil {
		t.Fatalf("expected keys forgotten, ciphertext still opens")
	}

	snapshot, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if snapshot.Data.State != StateOff || snapshot.Data.Enabled {
		t.Fatalf("expected off disabled state after nuke, got %+v", snapshot.Data)
	}
}

func TestRestartRefetchesUndecodableAssets(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	before := fx.server.totalHits()

	// A new vault over the same store is what a process restart looks like:
	// the records are still fresh but nothing can decrypt them.
	fetcher, err := NewHTTPFetcher(fx.server.URL, 5*time.Second, time.Hour, 1<<20)
	if err != nil {
		t.Fatalf("build fetcher: %v", err)
	}
	restartedVault := crypto.NewVault()
	restarted := New(Config{ProgressBatch: 1}, fx.store, restartedVault, fx.catalog, fetcher,
		WithPublisher(&capturePublisher{}))

	if err := restarted.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if got := fx.server.totalHits() - before; got != 3 {
		t.Fatalf("expected every asset refetched after restart, got %d fetches", got)
	}

	// The restored cache is usable again: records decrypt under the new keys
	// and the credits are real.
	rec, err := fx.store.GetAsset(ctx, "/a.png")
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}
	if restartedVault.Open(rec.Data, rec.KeyVersion) == nil {
		t.Fatalf("expected restored asset to decrypt under the new keys")
	}
	snapshot, err := restarted.Status(ctx)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if snapshot.Data.State != StateFull {
		t.Fatalf("expected full state after restart pass, got %s", snapshot.Data.State)
	}
}

func TestRetrieveAsset(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}

	asset, err := fx.engine.RetrieveAsset(ctx, "/a.png")
	if err != nil {
		t.Fatalf("RetrieveAsset returned error: %v", err)
	}
	if string(asset.Data) != "png bytes for /a.png" || asset.MimeType != "image/png" {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	if _, err := fx.engine.RetrieveAsset(ctx, "/missing.png"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for uncached url, got %v", err)
	}
}

func TestRetrieveAssetDropsUndecodableRecord(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	if err := fx.engine.Activate(ctx); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}

	fx.vault.Forget()

	if _, err := fx.engine.RetrieveAsset(ctx, "/a.png"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected undecodable record reported missing, got %v", err)
	}

	// The corrupt record is gone and its owners un-credited, so the next
	// pass refetches it.
	if _, err := fx.store.GetAsset(ctx, "/a.png"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record evicted, got %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		p, err := fx.store.GetProgress(ctx, id)
		if err != nil {
			t.Fatalf("GetProgress %s returned error: %v", id, err)
		}
		if p.Complete || p.Credited != 1 {
			t.Fatalf("expected %s un-credited to 1/2, got %+v", id, p)
		}
	}
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name    string
		records []store.Progress
		want    State
	}{
		{
			name: "no records",
			want: StateOff,
		},
		{
			name:    "only zero-asset presentations",
			records: []store.Progress{{PresentationID: "p1", Expected: 0}},
			want:    StateOff,
		},
		{
			name: "partial credit but none complete",
			records: []store.Progress{
				{PresentationID: "p1", Expected: 2, Credited: 1},
				{PresentationID: "p2", Expected: 3, Credited: 0},
			},
			want: StateOff,
		},
		{
			name: "one of two complete",
			records: []store.Progress{
				{PresentationID: "p1", Expected: 1, Credited: 1, Complete: true},
				{PresentationID: "p2", Expected: 2, Credited: 0},
			},
			want: StatePartial,
		},
		{
			name: "all complete",
			records: []store.Progress{
				{PresentationID: "p1", Expected: 1, Credited: 1, Complete: true},
				{PresentationID: "p2", Expected: 2, Credited: 2, Complete: true},
			},
			want: StateFull,
		},
		{
			name: "zero-asset presentation does not block full",
			records: []store.Progress{
				{PresentationID: "p1", Expected: 0},
				{PresentationID: "p2", Expected: 1, Credited: 1, Complete: true},
			},
			want: StateFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveState(tt.records); got != tt.want {
				t.Fatalf("deriveState = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInitResumesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, twoDeckCatalog())

	// Disabled: init must not touch the network.
	if err := fx.engine.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if fx.server.totalHits() != 0 {
		t.Fatalf("disabled init must not fetch")
	}

	if _, err := fx.store.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
		cur.EngineEnabled = true
		return cur
	}); err != nil {
		t.Fatalf("UpdateSettings returned error: %v", err)
	}

	if err := fx.engine.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if fx.server.totalHits() != 3 {
		t.Fatalf("expected resume to cache everything, got %d fetches", fx.server.totalHits())
	}
}
