package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/deckcache/deckcache/pkg/cache/crypto"
	"github.com/deckcache/deckcache/pkg/cache/store"
)

// StoreFactory builds a fresh Store for one contract case. Implementations
// should register cleanup on tb.
type StoreFactory func(tb testing.TB) store.Store

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, s store.Store)
}

// RunStoreContract exercises the Store interface against a supplied factory.
func RunStoreContract(t *testing.T, factory StoreFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "settings defaults installed on open",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				settings, err := s.GetSettings(ctx)
				if err != nil {
					t.Fatalf("GetSettings returned error: %v", err)
				}
				if settings.EngineEnabled {
					t.Fatalf("expected engine disabled by default")
				}
				if settings.EngineConcurrency <= 0 {
					t.Fatalf("expected positive default concurrency, got %d", settings.EngineConcurrency)
				}
			},
		},
		{
			name: "update settings applies partial merge",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				updated, err := s.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
					cur.EngineEnabled = true
					cur.TargetContentVersion = "v1"
					return cur
				})
				if err != nil {
					t.Fatalf("UpdateSettings returned error: %v", err)
				}
				if !updated.EngineEnabled || updated.TargetContentVersion != "v1" {
					t.Fatalf("unexpected settings after update: %+v", updated)
				}
				if updated.EngineConcurrency <= 0 {
					t.Fatalf("expected concurrency to stay defined, got %d", updated.EngineConcurrency)
				}

				fetched, err := s.GetSettings(ctx)
				if err != nil {
					t.Fatalf("GetSettings returned error: %v", err)
				}
				if fetched != updated {
					t.Fatalf("settings not persisted: got %+v want %+v", fetched, updated)
				}
			},
		},
		{
			name: "ensure progress creates and preserves credits",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				p, err := s.EnsureProgress(ctx, "pres-1", 3)
				if err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}
				if p.Expected != 3 || p.Credited != 0 || p.Complete {
					t.Fatalf("unexpected fresh progress: %+v", p)
				}

				if _, _, err := s.CreditURL(ctx, "pres-1", "/a.png"); err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}

				p, err = s.EnsureProgress(ctx, "pres-1", 5)
				if err != nil {
					t.Fatalf("EnsureProgress update returned error: %v", err)
				}
				if p.Expected != 5 || p.Credited != 1 {
					t.Fatalf("expected credited preserved across ensure, got %+v", p)
				}
			},
		},
		{
			name: "list progress returns every record ordered",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				for _, id := range []string{"pres-b", "pres-a", "pres-c"} {
					if _, err := s.EnsureProgress(ctx, id, 1); err != nil {
						t.Fatalf("EnsureProgress %s returned error: %v", id, err)
					}
				}

				records, err := s.ListProgress(ctx)
				if err != nil {
					t.Fatalf("ListProgress returned error: %v", err)
				}
				ids := make([]string, 0, len(records))
				for _, p := range records {
					ids = append(ids, p.PresentationID)
				}
				want := []string{"pres-a", "pres-b", "pres-c"}
				if len(ids) != len(want) {
					t.Fatalf("unexpected progress ids: %v", ids)
				}
				for i := range want {
					if ids[i] != want[i] {
						t.Fatalf("unexpected progress order: got %v want %v", ids, want)
					}
				}
			},
		},
		{
			name: "credit url is idempotent per pair",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := s.EnsureProgress(ctx, "pres-1", 2); err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}

				p, credited, err := s.CreditURL(ctx, "pres-1", "/a.png")
				if err != nil {
					t.Fatalf("first CreditURL returned error: %v", err)
				}
				if !credited || p.Credited != 1 {
					t.Fatalf("expected first credit to count, got credited=%v %+v", credited, p)
				}

				p, credited, err = s.CreditURL(ctx, "pres-1", "/a.png")
				if err != nil {
					t.Fatalf("second CreditURL returned error: %v", err)
				}
				if credited || p.Credited != 1 {
					t.Fatalf("expected duplicate credit to be ignored, got credited=%v %+v", credited, p)
				}
			},
		},
		{
			name: "credit flips complete at threshold",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := s.EnsureProgress(ctx, "pres-1", 2); err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}

				p, _, err := s.CreditURL(ctx, "pres-1", "/a.png")
				if err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}
				if p.Complete {
					t.Fatalf("expected incomplete at 1/2, got %+v", p)
				}
				p, _, err = s.CreditURL(ctx, "pres-1", "/b.png")
				if err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}
				if !p.Complete || p.Credited != 2 {
					t.Fatalf("expected complete at 2/2, got %+v", p)
				}
			},
		},
		{
			name: "credit unknown presentation returns ErrNotFound",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				_, _, err := s.CreditURL(ctx, "ghost", "/a.png")
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "asset put get delete round trip",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				rec := sampleAsset("/a.png", time.Now().Add(time.Hour))
				if err := s.PutAsset(ctx, rec); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}

				fetched, err := s.GetAsset(ctx, rec.URL)
				if err != nil {
					t.Fatalf("GetAsset returned error: %v", err)
				}
				if fetched.MimeType != rec.MimeType || fetched.KeyVersion != rec.KeyVersion {
					t.Fatalf("asset mismatch: got %+v want %+v", fetched, rec)
				}
				if string(fetched.Data.Ciphertext) != string(rec.Data.Ciphertext) {
					t.Fatalf("ciphertext mismatch after round trip")
				}

				if _, err := s.DeleteAsset(ctx, rec.URL); err != nil {
					t.Fatalf("DeleteAsset returned error: %v", err)
				}
				if _, err := s.GetAsset(ctx, rec.URL); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
		{
			name: "get missing asset returns ErrNotFound",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := s.GetAsset(ctx, "/missing.png"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "delete asset un-credits referencing presentations",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				for _, id := range []string{"pres-1", "pres-2"} {
					if _, err := s.EnsureProgress(ctx, id, 1); err != nil {
						t.Fatalf("EnsureProgress %s returned error: %v", id, err)
					}
					p, _, err := s.CreditURL(ctx, id, "/shared.png")
					if err != nil {
						t.Fatalf("CreditURL %s returned error: %v", id, err)
					}
					if !p.Complete {
						t.Fatalf("expected %s complete at 1/1, got %+v", id, p)
					}
				}
				if err := s.PutAsset(ctx, sampleAsset("/shared.png", time.Now().Add(time.Hour))); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}

				affected, err := s.DeleteAsset(ctx, "/shared.png")
				if err != nil {
					t.Fatalf("DeleteAsset returned error: %v", err)
				}
				sort.Strings(affected)
				if len(affected) != 2 || affected[0] != "pres-1" || affected[1] != "pres-2" {
					t.Fatalf("unexpected affected ids: %v", affected)
				}

				for _, id := range []string{"pres-1", "pres-2"} {
					p, err := s.GetProgress(ctx, id)
					if err != nil {
						t.Fatalf("GetProgress %s returned error: %v", id, err)
					}
					if p.Credited != 0 || p.Complete {
						t.Fatalf("expected %s un-credited, got %+v", id, p)
					}
				}

				// The pair can be credited again after the cleanup.
				p, credited, err := s.CreditURL(ctx, "pres-1", "/shared.png")
				if err != nil {
					t.Fatalf("re-credit returned error: %v", err)
				}
				if !credited || p.Credited != 1 {
					t.Fatalf("expected re-credit to count, got credited=%v %+v", credited, p)
				}
			},
		},
		{
			name: "expired assets range query",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				now := time.Now()
				if err := s.PutAsset(ctx, sampleAsset("/old.png", now.Add(-time.Hour))); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}
				if err := s.PutAsset(ctx, sampleAsset("/fresh.png", now.Add(time.Hour))); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}
				if err := s.PutAsset(ctx, sampleAsset("/eternal.png", time.Time{})); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}

				expired, err := s.ExpiredAssets(ctx, now)
				if err != nil {
					t.Fatalf("ExpiredAssets returned error: %v", err)
				}
				if len(expired) != 1 || expired[0] != "/old.png" {
					t.Fatalf("unexpected expired set: %v", expired)
				}
			},
		},
		{
			name: "reset progress keeps assets and settings",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := s.EnsureProgress(ctx, "pres-1", 1); err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}
				if _, _, err := s.CreditURL(ctx, "pres-1", "/a.png"); err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}
				if err := s.PutAsset(ctx, sampleAsset("/a.png", time.Now().Add(time.Hour))); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}
				if _, err := s.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
					cur.EngineEnabled = true
					return cur
				}); err != nil {
					t.Fatalf("UpdateSettings returned error: %v", err)
				}

				if err := s.ResetProgress(ctx); err != nil {
					t.Fatalf("ResetProgress returned error: %v", err)
				}

				if _, err := s.GetProgress(ctx, "pres-1"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected progress cleared, got %v", err)
				}
				if _, err := s.GetAsset(ctx, "/a.png"); err != nil {
					t.Fatalf("expected asset kept, got %v", err)
				}
				settings, err := s.GetSettings(ctx)
				if err != nil {
					t.Fatalf("GetSettings returned error: %v", err)
				}
				if !settings.EngineEnabled {
					t.Fatalf("expected settings kept across reset")
				}

				// Index rows are gone: the pair credits again.
				if _, err := s.EnsureProgress(ctx, "pres-1", 1); err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}
				_, credited, err := s.CreditURL(ctx, "pres-1", "/a.png")
				if err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}
				if !credited {
					t.Fatalf("expected credit after reset to count")
				}
			},
		},
		{
			name: "nuke wipes tables and reinstalls defaults",
			testFn: func(t *testing.T, s store.Store) {
				t.Helper()

				ctx := context.Background()
				if _, err := s.UpdateSettings(ctx, func(cur store.Settings) store.Settings {
					cur.EngineEnabled = true
					cur.TargetContentVersion = "v9"
					return cur
				}); err != nil {
					t.Fatalf("UpdateSettings returned error: %v", err)
				}
				if _, err := s.EnsureProgress(ctx, "pres-1", 1); err != nil {
					t.Fatalf("EnsureProgress returned error: %v", err)
				}
				if _, _, err := s.CreditURL(ctx, "pres-1", "/a.png"); err != nil {
					t.Fatalf("CreditURL returned error: %v", err)
				}
				if err := s.PutAsset(ctx, sampleAsset("/a.png", time.Now().Add(time.Hour))); err != nil {
					t.Fatalf("PutAsset returned error: %v", err)
				}

				if err := s.Nuke(ctx); err != nil {
					t.Fatalf("Nuke returned error: %v", err)
				}

				settings, err := s.GetSettings(ctx)
				if err != nil {
					t.Fatalf("GetSettings returned error: %v", err)
				}
				if settings.EngineEnabled || settings.TargetContentVersion != "" {
					t.Fatalf("expected default settings after nuke, got %+v", settings)
				}
				if _, err := s.GetProgress(ctx, "pres-1"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected progress wiped, got %v", err)
				}
				if _, err := s.GetAsset(ctx, "/a.png"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected assets wiped, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.testFn(t, factory(t))
		})
	}
}

func sampleAsset(url string, expiresAt time.Time) store.AssetRecord {
	return store.AssetRecord{
		URL:        url,
		Data:       crypto.Sealed{IV: []byte("0123456789ab"), Ciphertext: []byte("ciphertext-" + url)},
		MimeType:   "image/png",
		Timestamp:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
		KeyVersion: crypto.CurrentKeyVersion,
	}
}
