// Package store persists per-symbol, per-granularity datasets as CSV blobs.
package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

// DatasetStore is the engine's view of persisted history. Writes replace the
// whole dataset.
type DatasetStore interface {
	// Read returns the stored bars, or an error wrapping ErrDatasetNotFound.
	Read(ctx context.Context, symbol models.Symbol, g models.Granularity) ([]models.Bar, error)
	Write(ctx context.Context, symbol models.Symbol, g models.Granularity, bars []models.Bar) error
	// Size returns the stored byte size, or an error wrapping ErrDatasetNotFound.
	Size(ctx context.Context, symbol models.Symbol, g models.Granularity) (int64, error)
	List(ctx context.Context, g models.Granularity) ([]models.Symbol, error)
}

// BlobStore is a flat key/value byte store.
type BlobStore interface {
	// Get returns the blob, or an error wrapping ErrDatasetNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the blob atomically.
	Put(ctx context.Context, key string, data []byte) error
	// Stat returns the blob size, or an error wrapping ErrDatasetNotFound.
	Stat(ctx context.Context, key string) (int64, error)
	// List returns keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const datasetExt = ".csv"

// Key names the blob holding one dataset: "{granularity}/{SYMBOL}.csv".
func Key(symbol models.Symbol, g models.Granularity) string {
	return path.Join(g.String(), symbol.String()+datasetExt)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (models.Symbol, models.Granularity, error) {
	dir, file := path.Split(key)
	if !strings.HasSuffix(file, datasetExt) {
		return "", "", fmt.Errorf("%w: key %q is not a dataset", apperrors.ErrUnsupportedInput, key)
	}
	g, err := models.ParseGranularity(strings.TrimSuffix(dir, "/"))
	if err != nil {
		return "", "", err
	}
	return models.NewSymbol(strings.TrimSuffix(file, datasetExt)), g, nil
}

// CSVStore implements DatasetStore on top of a BlobStore.
type CSVStore struct {
	blobs BlobStore
}

// NewCSVStore creates a dataset store over blobs.
func NewCSVStore(blobs BlobStore) *CSVStore {
	return &CSVStore{blobs: blobs}
}

// Blobs exposes the underlying blob store.
func (s *CSVStore) Blobs() BlobStore {
	return s.blobs
}

// Read implements DatasetStore.
func (s *CSVStore) Read(ctx context.Context, symbol models.Symbol, g models.Granularity) ([]models.Bar, error) {
	key := Key(symbol, g)
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, apperrors.NewStoreReadError(key, err)
	}
	bars, err := DecodeBars(data)
	if err != nil {
		return nil, apperrors.NewStoreReadError(key, err)
	}
	return bars, nil
}

// Write implements DatasetStore.
func (s *CSVStore) Write(ctx context.Context, symbol models.Symbol, g models.Granularity, bars []models.Bar) error {
	key := Key(symbol, g)
	data, err := EncodeBars(bars)
	if err != nil {
		return apperrors.NewStoreWriteError(key, err)
	}
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return apperrors.NewStoreWriteError(key, err)
	}
	return nil
}

// Size implements DatasetStore.
func (s *CSVStore) Size(ctx context.Context, symbol models.Symbol, g models.Granularity) (int64, error) {
	key := Key(symbol, g)
	n, err := s.blobs.Stat(ctx, key)
	if err != nil {
		return 0, &apperrors.StoreError{Op: "size", Key: key, Err: err}
	}
	return n, nil
}

// List implements DatasetStore.
func (s *CSVStore) List(ctx context.Context, g models.Granularity) ([]models.Symbol, error) {
	keys, err := s.blobs.List(ctx, g.String()+"/")
	if err != nil {
		return nil, &apperrors.StoreError{Op: "list", Key: g.String(), Err: err}
	}
	symbols := make([]models.Symbol, 0, len(keys))
	for _, k := range keys {
		sym, kg, err := ParseKey(k)
		if err != nil || kg != g {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	return symbols, nil
}

// VerifyingStore reads every write back and spot-checks it.
type VerifyingStore struct {
	DatasetStore
}

// NewVerifyingStore wraps inner with read-after-write verification.
func NewVerifyingStore(inner DatasetStore) *VerifyingStore {
	return &VerifyingStore{DatasetStore: inner}
}

// Write replaces the dataset, then confirms row count and first/last timestamps.
func (s *VerifyingStore) Write(ctx context.Context, symbol models.Symbol, g models.Granularity, bars []models.Bar) error {
	if err := s.DatasetStore.Write(ctx, symbol, g, bars); err != nil {
		return err
	}

	key := Key(symbol, g)
	got, err := s.DatasetStore.Read(ctx, symbol, g)
	if err != nil {
		return apperrors.NewStoreWriteError(key, fmt.Errorf("%w: %v", apperrors.ErrVerifyMismatch, err))
	}
	if err := spotCheck(bars, got); err != nil {
		return apperrors.NewStoreWriteError(key, err)
	}
	return nil
}

func spotCheck(want, got []models.Bar) error {
	if len(want) != len(got) {
		return fmt.Errorf("%w: wrote %d rows, read back %d", apperrors.ErrVerifyMismatch, len(want), len(got))
	}
	if len(want) == 0 {
		return nil
	}
	for _, i := range []int{0, len(want) / 2, len(want) - 1} {
		if !want[i].Equal(got[i]) {
			return fmt.Errorf("%w: row %d differs (%s vs %s)", apperrors.ErrVerifyMismatch, i,
				want[i].Timestamp, got[i].Timestamp)
		}
	}
	return nil
}

// IsNotFound reports whether err means the dataset does not exist.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrDatasetNotFound)
}
