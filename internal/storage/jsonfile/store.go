// Package jsonfile keeps transfer records in a single JSON document that is
// replaced atomically on every save.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/storage"
)

const filePerm = 0o644

// Store is a storage.Store backed by one JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store for the file at path. The file is created on the first
// save.
func New(path string) *Store {
	return &Store{path: path}
}

type document struct {
	Downloads map[string]record `json:"downloads"`
}

// Load reads all records. A missing, unreadable or corrupt file yields an
// empty map.
func (s *Store) Load(ctx context.Context) (map[string]*storage.TransferRecord, error) {
	logger := logctx.LoggerFromContext(ctx).With("path", s.path)

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]*storage.TransferRecord)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no progress file yet")

		return records, nil
	}

	if err != nil {
		logger.Warn("failed to read progress file, starting with empty state", "err", err)

		return records, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("progress file is corrupt, starting with empty state", "err", err)

		return records, nil
	}

	for id, rec := range doc.Downloads {
		records[id] = rec.toTransferRecord(id)
	}

	return records, nil
}

// Save writes all records to a temporary file next to the target, syncs it
// and renames it over the target.
func (s *Store) Save(_ context.Context, records map[string]*storage.TransferRecord) error {
	doc := document{Downloads: make(map[string]record, len(records))}
	for id, r := range records {
		doc.Downloads[id] = fromTransferRecord(r)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("could not write progress: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("could not sync progress: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("could not close progress: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("could not set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("could not replace progress file: %w", err)
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
