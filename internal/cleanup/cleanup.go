package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/transfer"
)

// Expired returns the completed records that finished more than keep before now.
func Expired(records []*storage.TransferRecord, keep time.Duration, now time.Time) []*storage.TransferRecord {
	var out []*storage.TransferRecord

	for _, rec := range records {
		if rec.Status != storage.StatusCompleted || rec.CompletedAt == nil {
			continue
		}

		if now.Sub(*rec.CompletedAt) > keep {
			out = append(out, rec)
		}
	}

	return out
}

// DeleteFiles removes the downloaded files of recs, stopping at the first
// failure. It returns the records whose files are gone, including files that
// were already missing.
func DeleteFiles(ctx context.Context, recs []*storage.TransferRecord) ([]*storage.TransferRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	deleted := make([]*storage.TransferRecord, 0, len(recs))

	for _, rec := range recs {
		if err := os.Remove(rec.FinalPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				deleted = append(deleted, rec)

				continue
			}

			logger.Error("failed to delete expired file", "file", rec.FinalPath, "err", err)

			return deleted, &transfer.FilesystemError{Op: "remove", Path: rec.FinalPath, Err: err}
		}

		logger.Info("deleted expired file", "file", rec.FinalPath, "download_id", rec.ID)

		deleted = append(deleted, rec)
	}

	return deleted, nil
}
