package storage

import (
	"context"

	"github.com/italolelis/emby_downloader/internal/telemetry"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

// Load retrieves all records with telemetry.
func (s *InstrumentedStore) Load(ctx context.Context) (map[string]*TransferRecord, error) {
	var result map[string]*TransferRecord

	err := s.telemetry.InstrumentStoreOperation(ctx, "load", func(ctx context.Context) error {
		var err error
		result, err = s.store.Load(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Save persists all records with telemetry.
func (s *InstrumentedStore) Save(ctx context.Context, records map[string]*TransferRecord) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "save", func(ctx context.Context) error {
		return s.store.Save(ctx, records)
	})
}
