package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"barkeeper/internal/dataset"
	"barkeeper/internal/models"
)

// DefaultManifestKey is where the fetch manifest lives inside the blob store.
const DefaultManifestKey = "manifest/fetch_status.json"

// ManifestEntry records the last persisted state of one dataset.
type ManifestEntry struct {
	LastFetchUTC  time.Time        `json:"last_fetch_utc"`
	Rows          int              `json:"rows"`
	FirstTS       *time.Time       `json:"first_ts"`
	LastTS        *time.Time       `json:"last_ts"`
	ModeUsed      models.FetchMode `json:"mode_used"`
	Status        string           `json:"status"`
	FileSizeBytes int64            `json:"file_size_bytes"`
}

// ManifestKey names a manifest entry, "{SYMBOL}:{granularity}".
func ManifestKey(symbol models.Symbol, g models.Granularity) string {
	return fmt.Sprintf("%s:%s", symbol, g)
}

// Manifest is a JSON document of ManifestEntry values kept in a BlobStore.
// Updates are serialized; the whole document is rewritten each time.
type Manifest struct {
	blobs BlobStore
	key   string
	mu    sync.Mutex
}

// NewManifest creates a manifest stored under key.
func NewManifest(blobs BlobStore, key string) *Manifest {
	if key == "" {
		key = DefaultManifestKey
	}
	return &Manifest{blobs: blobs, key: key}
}

// Load returns all entries. A missing manifest is empty.
func (m *Manifest) Load(ctx context.Context) (map[string]ManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manifest) load(ctx context.Context) (map[string]ManifestEntry, error) {
	entries := make(map[string]ManifestEntry)
	data, err := m.blobs.Get(ctx, m.key)
	if IsNotFound(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return entries, nil
}

// Record stores the entry for one dataset.
func (m *Manifest) Record(ctx context.Context, symbol models.Symbol, g models.Granularity, entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load(ctx)
	if err != nil {
		return err
	}
	entries[ManifestKey(symbol, g)] = entry

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := m.blobs.Put(ctx, m.key, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Keys returns the recorded entry keys, sorted.
func (m *Manifest) Keys(ctx context.Context) ([]string, error) {
	entries, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// NewManifestEntry describes bars persisted at now with the given mode.
func NewManifestEntry(bars []models.Bar, mode models.FetchMode, status string, size int64, now time.Time) ManifestEntry {
	e := ManifestEntry{
		LastFetchUTC:  now.UTC(),
		Rows:          len(bars),
		ModeUsed:      mode,
		Status:        status,
		FileSizeBytes: size,
	}
	if first, last, ok := dataset.Span(bars); ok {
		e.FirstTS, e.LastTS = &first, &last
	}
	return e
}
