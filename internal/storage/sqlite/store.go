// Package sqlite keeps transfer records in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/storage"
)

// Store implements storage.Store on top of the transfers table.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load reads every record. A failing query is logged and treated as empty
// state, like a corrupt progress file.
func (s *Store) Load(ctx context.Context) (map[string]*storage.TransferRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	records := make(map[string]*storage.TransferRecord)

	rows, err := s.db.QueryContext(ctx, `SELECT id, item_id, name, dest, filename, temp_path, final_path,
		total_bytes, downloaded_bytes, status, error, created_at, completed_at FROM transfers`)
	if err != nil {
		logger.Warn("failed to query transfers, starting with empty state", "err", err)

		return records, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r           storage.TransferRecord
			status      string
			createdAt   string
			completedAt sql.NullString
		)

		if err := rows.Scan(&r.ID, &r.ItemID, &r.Name, &r.Dest, &r.Filename, &r.TempPath, &r.FinalPath,
			&r.TotalBytes, &r.DownloadedBytes, &status, &r.Error, &createdAt, &completedAt); err != nil {
			logger.Warn("failed to scan transfer row, starting with empty state", "err", err)

			return make(map[string]*storage.TransferRecord), nil
		}

		r.Status, err = storage.ParseStatus(status)
		if err != nil {
			r.Status = storage.StatusError
			r.Error = err.Error()
		}

		// A record with an unreadable timestamp cannot be ordered or aged, so
		// it loads as an error for inspection.
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			logger.Warn("invalid created_at on transfer row", "download_id", r.ID, "err", err)

			r.Status = storage.StatusError
			r.Error = fmt.Sprintf("invalid created_at %q", createdAt)
		}

		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				logger.Warn("invalid completed_at on transfer row", "download_id", r.ID, "err", err)

				r.Status = storage.StatusError
				r.Error = fmt.Sprintf("invalid completed_at %q", completedAt.String)
			} else {
				r.CompletedAt = &t
			}
		}

		records[r.ID] = &r
	}

	if err := rows.Err(); err != nil {
		logger.Warn("failed to read transfers, starting with empty state", "err", err)

		return make(map[string]*storage.TransferRecord), nil
	}

	return records, nil
}

// Save replaces the stored image inside one transaction.
func (s *Store) Save(ctx context.Context, records map[string]*storage.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers`); err != nil {
		return fmt.Errorf("failed to clear transfers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transfers (id, item_id, name, dest, filename, temp_path, final_path,
		total_bytes, downloaded_bytes, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, r := range records {
		var completedAt sql.NullString
		if r.CompletedAt != nil {
			completedAt = sql.NullString{String: r.CompletedAt.Format(time.RFC3339Nano), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, id, r.ItemID, r.Name, r.Dest, r.Filename, r.TempPath, r.FinalPath,
			r.TotalBytes, r.DownloadedBytes, string(r.Status), r.Error,
			r.CreatedAt.Format(time.RFC3339Nano), completedAt); err != nil {
			return fmt.Errorf("failed to insert transfer %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfers: %w", err)
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
