package store

import (
	"context"
	"errors"
	"time"

	"github.com/deckcache/deckcache/pkg/cache/crypto"
)

// ErrNotFound is returned when a requested entry is not present in the store.
var ErrNotFound = errors.New("cache store: entry not found")

// Settings is the persisted engine singleton. Every field is always defined;
// defaults are installed when the store is first opened.
type Settings struct {
	EngineEnabled              bool   `json:"engineEnabled"`
	TargetContentVersion       string `json:"targetContentVersion"`
	LastCompleteContentVersion string `json:"lastCompleteContentVersion"`
	EngineConcurrency          int    `json:"engineConcurrency"`
}

// DefaultSettings returns the settings installed on first open.
func DefaultSettings(concurrency int) Settings {
	if concurrency <= 0 {
		concurrency = 4
	}
	return Settings{EngineConcurrency: concurrency}
}

// Progress tracks caching completion for one presentation.
// Invariant: 0 <= Credited <= Expected and
// Complete == (Expected > 0 && Credited >= Expected).
type Progress struct {
	PresentationID string `json:"presentationId"`
	Expected       int    `json:"expected"`
	Credited       int    `json:"credited"`
	Complete       bool   `json:"complete"`
}

// AssetRecord is one encrypted cached asset keyed by URL.
type AssetRecord struct {
	URL        string        `json:"url"`
	Data       crypto.Sealed `json:"data"`
	MimeType   string        `json:"mimeType"`
	Timestamp  time.Time     `json:"timestamp"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	KeyVersion int           `json:"keyVersion"`
}

// Fresh reports whether the record has not expired at now. A zero ExpiresAt
// means the record never expires.
func (r AssetRecord) Fresh(now time.Time) bool {
	return r.ExpiresAt.IsZero() || r.ExpiresAt.After(now)
}

// Store expresses the persistence requirements of the cache engine: the
// settings singleton, per-presentation progress, encrypted assets, and the
// presentation-asset index. Mutations touching more than one table are
// atomic with respect to concurrent readers.
type Store interface {
	// GetSettings returns the settings singleton.
	GetSettings(ctx context.Context) (Settings, error)
	// UpdateSettings atomically applies fn to the current settings.
	UpdateSettings(ctx context.Context, fn func(Settings) Settings) (Settings, error)

	// GetProgress retrieves progress for one presentation.
	GetProgress(ctx context.Context, presentationID string) (Progress, error)
	// PutProgress fully replaces a progress record.
	PutProgress(ctx context.Context, p Progress) error
	// EnsureProgress creates the record if missing, or updates Expected
	// preserving Credited, and recomputes Complete.
	EnsureProgress(ctx context.Context, presentationID string, expected int) (Progress, error)
	// ListProgress returns every progress record, ordered by presentation ID.
	ListProgress(ctx context.Context) ([]Progress, error)
	// CreditURL marks url cached on behalf of one presentation: insert the
	// index row, bump Credited, and flip Complete at threshold, all in one
	// transaction. The bool is false when the pair was already credited.
	CreditURL(ctx context.Context, presentationID, url string) (Progress, bool, error)

	// PutAsset stores an encrypted asset record.
	PutAsset(ctx context.Context, rec AssetRecord) error
	// GetAsset retrieves an asset record.
	GetAsset(ctx context.Context, url string) (AssetRecord, error)
	// DeleteAsset removes an asset, its index rows, and the credit those rows
	// represent, returning the affected presentation IDs.
	DeleteAsset(ctx context.Context, url string) ([]string, error)
	// ExpiredAssets returns URLs of assets with ExpiresAt before now.
	ExpiredAssets(ctx context.Context, now time.Time) ([]string, error)

	// ResetProgress clears the progress and index tables. Assets are kept;
	// used on content version rollover.
	ResetProgress(ctx context.Context) error
	// Nuke wipes all four tables and reinstalls default settings.
	Nuke(ctx context.Context) error

	// Close releases the underlying handle.
	Close() error
}
