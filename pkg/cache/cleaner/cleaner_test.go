package cleaner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deckcache/deckcache/pkg/cache/engine"
)

type stubStore struct {
	mu       sync.Mutex
	expired  []string
	owners   map[string][]string
	failures map[string]error
	deleted  []string
	listErr  error
}

func (s *stubStore) ExpiredAssets(ctx context.Context, now time.Time) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.expired, nil
}

func (s *stubStore) DeleteAsset(ctx context.Context, url string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[url]; err != nil {
		return nil, err
	}
	s.deleted = append(s.deleted, url)
	return s.owners[url], nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []engine.Event
}

func (p *capturePublisher) Publish(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) all() []engine.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Event(nil), p.events...)
}

func TestRunOnceEvictsAndRecommendsRefresh(t *testing.T) {
	st := &stubStore{
		expired: []string{"/old-a.png", "/old-b.png"},
		owners: map[string][]string{
			"/old-a.png": {"p2", "p1"},
			"/old-b.png": {"p1"},
		},
	}
	pub := &capturePublisher{}
	c := New(Config{}, st, WithPublisher(pub))

	report, err := c.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.Expired != 2 {
		t.Fatalf("expected 2 evictions, got %d", report.Expired)
	}
	if len(report.Affected) != 2 || report.Affected[0] != "p1" || report.Affected[1] != "p2" {
		t.Fatalf("expected sorted deduplicated affected ids, got %v", report.Affected)
	}

	events := pub.all()
	if len(events) != 1 || events[0].Type != engine.EventContentRefreshRecommended {
		t.Fatalf("expected one refresh recommendation, got %v", events)
	}
	payload, ok := events[0].Payload.(engine.ContentRefreshPayload)
	if !ok || len(payload.PresentationIDs) != 2 {
		t.Fatalf("unexpected payload %+v", events[0].Payload)
	}
}

func TestRunOnceNothingExpired(t *testing.T) {
	pub := &capturePublisher{}
	c := New(Config{}, &stubStore{}, WithPublisher(pub))

	report, err := c.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.Expired != 0 || len(pub.all()) != 0 {
		t.Fatalf("expected silent no-op, got %+v events %v", report, pub.all())
	}
}

func TestRunOnceSkipsFailedDeletes(t *testing.T) {
	st := &stubStore{
		expired:  []string{"/bad.png", "/good.png"},
		owners:   map[string][]string{"/good.png": {"p1"}},
		failures: map[string]error{"/bad.png": errors.New("row corrupt")},
	}
	c := New(Config{}, st)

	report, err := c.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.Expired != 1 {
		t.Fatalf("expected failed delete skipped, got %+v", report)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "/good.png" {
		t.Fatalf("unexpected deletions: %v", st.deleted)
	}
}

func TestRunOncePropagatesListError(t *testing.T) {
	st := &stubStore{listErr: errors.New("db closed")}
	if _, err := New(Config{}, st).RunOnce(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected list error propagated")
	}
}

func TestTriggerForcesImmediateSweep(t *testing.T) {
	st := &stubStore{
		expired: []string{"/old.png"},
		owners:  map[string][]string{"/old.png": {"p1"}},
	}
	pub := &capturePublisher{}
	// Hour-long interval: only the trigger can cause the sweep below.
	c := New(Config{SweepInterval: time.Hour}, st, WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunBackground(ctx)
	}()

	c.Trigger()

	deadline := time.After(2 * time.Second)
	for len(pub.all()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for triggered sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
