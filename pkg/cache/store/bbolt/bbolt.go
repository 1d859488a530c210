package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deckcache/deckcache/pkg/cache/store"
)

const (
	currentSchemaVersion = 1

	bucketStats    = "stats"
	bucketSettings = "settings"
	bucketProgress = "progress"
	bucketAssets   = "assets"
	bucketIndex    = "assetIndex"

	keySchemaVersion = "schema_version"
	keySettings      = "settings"

	indexKeySep = "\x00"
)

var errUnknownSchema = errors.New("cache store: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
	// Defaults are the settings installed when the singleton is missing.
	Defaults store.Settings
}

// Store implements store.Store backed by bbolt.
type Store struct {
	db       *bolt.DB
	defaults store.Settings
}

// Open creates (or reopens) a bbolt-backed cache store at path. The bbolt
// file lock enforces a single logical owner at a time.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	defaults := opts.Defaults
	if defaults.EngineConcurrency <= 0 {
		defaults = store.DefaultSettings(0)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	s := &Store{db: db, defaults: defaults}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetSettings(ctx context.Context) (store.Settings, error) {
	if err := ctx.Err(); err != nil {
		return store.Settings{}, err
	}

	result := s.defaults
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSettings))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketSettings)
		}
		raw := bucket.Get([]byte(keySettings))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &result)
	})
	return result, err
}

func (s *Store) UpdateSettings(ctx context.Context, fn func(store.Settings) store.Settings) (store.Settings, error) {
	if err := ctx.Err(); err != nil {
		return store.Settings{}, err
	}

	var result store.Settings
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSettings))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketSettings)
		}
		current := s.defaults
		if raw := bucket.Get([]byte(keySettings)); raw != nil {
			if err := json.Unmarshal(raw, &current); err != nil {
				return err
			}
		}
		updated := fn(current)
		if updated.EngineConcurrency <= 0 {
			updated.EngineConcurrency = s.defaults.EngineConcurrency
		}
		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(keySettings), data); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func (s *Store) GetProgress(ctx context.Context, presentationID string) (store.Progress, error) {
	if err := ctx.Err(); err != nil {
		return store.Progress{}, err
	}
	if presentationID == "" {
		return store.Progress{}, errors.New("cache store: presentation id must not be empty")
	}

	var result store.Progress
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProgress))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketProgress)
		}
		raw := bucket.Get([]byte(presentationID))
		if raw == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(raw, &result)
	})
	return result, err
}

func (s *Store) PutProgress(ctx context.Context, p store.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.PresentationID == "" {
		return errors.New("cache store: presentation id must not be empty")
	}

	normalized := normalizeProgress(p)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProgress))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketProgress)
		}
		data, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(normalized.PresentationID), data)
	})
}

func (s *Store) EnsureProgress(ctx context.Context, presentationID string, expected int) (store.Progress, error) {
	if err := ctx.Err(); err != nil {
		return store.Progress{}, err
	}
	if presentationID == "" {
		return store.Progress{}, errors.New("cache store: presentation id must not be empty")
	}
	if expected < 0 {
		expected = 0
	}

	var result store.Progress
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProgress))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketProgress)
		}
		p := store.Progress{PresentationID: presentationID}
		if raw := bucket.Get([]byte(presentationID)); raw != nil {
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
		}
		p.Expected = expected
		p = normalizeProgress(p)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(presentationID), data); err != nil {
			return err
		}
		result = p
		return nil
	})
	return result, err
}

func (s *Store) ListProgress(ctx context.Context) ([]store.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]store.Progress, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketProgress))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketProgress)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var p store.Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			records = append(records, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreditURL(ctx context.Context, presentationID, url string) (store.Progress, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Progress{}, false, err
	}
	if presentationID == "" || url == "" {
		return store.Progress{}, false, errors.New("cache store: presentation id and url must not be empty")
	}

	var result store.Progress
	credited := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idxBucket := tx.Bucket([]byte(bucketIndex))
		progBucket := tx.Bucket([]byte(bucketProgress))
		if idxBucket == nil || progBucket == nil {
			return errors.New("missing credit buckets")
		}

		raw := progBucket.Get([]byte(presentationID))
		if raw == nil {
			return store.ErrNotFound
		}
		var p store.Progress
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}

		key := indexKey(url, presentationID)
		if idxBucket.Get(key) != nil {
			// Pair already credited; the index row is the idempotency guard.
			result = p
			return nil
		}
		if err := idxBucket.Put(key, []byte{1}); err != nil {
			return err
		}

		p.Credited++
		p = normalizeProgress(p)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := progBucket.Put([]byte(presentationID), data); err != nil {
			return err
		}
		result = p
		credited = true
		return nil
	})
	return result, credited, err
}

func (s *Store) PutAsset(ctx context.Context, rec store.AssetRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.URL == "" {
		return errors.New("cache store: asset url must not be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAssets))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketAssets)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(rec.URL), data)
	})
}

func (s *Store) GetAsset(ctx context.Context, url string) (store.AssetRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.AssetRecord{}, err
	}
	if url == "" {
		return store.AssetRecord{}, errors.New("cache store: asset url must not be empty")
	}

	var result store.AssetRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAssets))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketAssets)
		}
		raw := bucket.Get([]byte(url))
		if raw == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(raw, &result)
	})
	return result, err
}

func (s *Store) DeleteAsset(ctx context.Context, url string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, errors.New("cache store: asset url must not be empty")
	}

	affected := make([]string, 0)
	err := s.db.Update(func(tx *bolt.Tx) error {
		assets := tx.Bucket([]byte(bucketAssets))
		idxBucket := tx.Bucket([]byte(bucketIndex))
		progBucket := tx.Bucket([]byte(bucketProgress))
		if assets == nil || idxBucket == nil || progBucket == nil {
			return errors.New("missing asset buckets")
		}

		if err := assets.Delete([]byte(url)); err != nil {
			return err
		}

		prefix := []byte(url + indexKeySep)
		keys := make([][]byte, 0)
		c := idxBucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := idxBucket.Delete(k); err != nil {
				return err
			}
			presentationID := string(k[len(prefix):])

			// Un-credit: without this a later re-fetch would credit the pair
			// again and push Credited past Expected.
			raw := progBucket.Get([]byte(presentationID))
			if raw == nil {
				continue
			}
			var p store.Progress
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			p.Credited--
			p = normalizeProgress(p)
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := progBucket.Put([]byte(presentationID), data); err != nil {
				return err
			}
			affected = append(affected, presentationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func (s *Store) ExpiredAssets(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	expired := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketAssets))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketAssets)
		}
		return bucket.ForEach(func(k, v []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec store.AssetRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) ResetProgress(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketProgress, bucketIndex} {
			if err := recreateBucket(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Nuke(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSettings, bucketProgress, bucketAssets, bucketIndex} {
			if err := recreateBucket(tx, name); err != nil {
				return err
			}
		}
		settings := tx.Bucket([]byte(bucketSettings))
		data, err := json.Marshal(s.defaults)
		if err != nil {
			return err
		}
		return settings.Put([]byte(keySettings), data)
	})
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSettings, bucketProgress, bucketAssets, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("ensure %s bucket: %w", name, err)
			}
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}

		settings := tx.Bucket([]byte(bucketSettings))
		if settings.Get([]byte(keySettings)) == nil {
			data, err := json.Marshal(s.defaults)
			if err != nil {
				return err
			}
			if err := settings.Put([]byte(keySettings), data); err != nil {
				return err
			}
		}

		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version != currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

func recreateBucket(tx *bolt.Tx, name string) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	if _, err := tx.CreateBucket([]byte(name)); err != nil {
		return err
	}
	return nil
}

func indexKey(url, presentationID string) []byte {
	return []byte(url + indexKeySep + presentationID)
}

func normalizeProgress(p store.Progress) store.Progress {
	if p.Credited < 0 {
		p.Credited = 0
	}
	if p.Credited > p.Expected {
		p.Credited = p.Expected
	}
	p.Complete = p.Expected > 0 && p.Credited >= p.Expected
	return p
}
