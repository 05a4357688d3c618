package store

import (
	"fmt"

	apperrors "barkeeper/internal/errors"
)

// Backend names accepted by OpenBlobStore.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// OpenBlobStore opens the named backend. dataDir is used by "fs" and
// sqlitePath by "sqlite".
func OpenBlobStore(backend, dataDir, sqlitePath string) (BlobStore, error) {
	switch backend {
	case BackendFS, "":
		return NewFSBlobStore(dataDir)
	case BackendSQLite:
		return NewSQLiteBlobStore(sqlitePath)
	case BackendMemory:
		return NewMemoryBlobStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", apperrors.ErrConfigInvalid, backend)
	}
}

// NewDatasetStore builds the dataset store the engine uses, with optional
// read-after-write verification.
func NewDatasetStore(blobs BlobStore, verify bool) DatasetStore {
	var s DatasetStore = NewCSVStore(blobs)
	if verify {
		s = NewVerifyingStore(s)
	}
	return s
}
