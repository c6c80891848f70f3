package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/emby_downloader/internal/cleanup"
	"github.com/italolelis/emby_downloader/internal/downloader/progress"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/sanitize"
	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/telemetry"
	"github.com/italolelis/emby_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultContainer          = "mkv"
	tempSuffix                = ".download"
	defaultCheckpointInterval = 32 << 20
)

var (
	// ErrDownloadNotFound is returned for ids the store does not know.
	ErrDownloadNotFound = errors.New("download not found")
	// ErrNotStarted is returned when resuming a download that never ran.
	ErrNotStarted = errors.New("download has not been started yet")
)

// Options configures a Downloader.
type Options struct {
	// CheckpointInterval is the number of bytes between two progress saves.
	CheckpointInterval int64
	// Sanitize maps a display name to a filename. Defaults to sanitize.Filename.
	Sanitize func(name string) string
}

// Event is emitted when a transfer starts, checkpoints, completes or fails.
type Event struct {
	ID              string
	Name            string
	Status          storage.Status
	DownloadedBytes int64
	TotalBytes      int64
	Err             error
}

// Downloader owns the lifecycle of registered downloads. Transfers run one at
// a time on the caller's goroutine.
type Downloader struct {
	store     storage.Store
	metadata  transfer.MetadataProvider
	transport transfer.Transport
	telemetry *telemetry.Telemetry
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	records     map[string]*storage.TransferRecord
	subscribers []func(Event)

	// saveMu orders snapshots with their writes.
	saveMu sync.Mutex
}

// New loads the persisted records and returns a ready Downloader.
func New(
	ctx context.Context,
	store storage.Store,
	metadata transfer.MetadataProvider,
	transport transfer.Transport,
	tel *telemetry.Telemetry,
	opts Options,
) (*Downloader, error) {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaultCheckpointInterval
	}

	if opts.Sanitize == nil {
		opts.Sanitize = sanitize.Filename
	}

	records, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load downloads: %w", err)
	}

	if records == nil {
		records = make(map[string]*storage.TransferRecord)
	}

	return &Downloader{
		store:     store,
		metadata:  metadata,
		transport: transport,
		telemetry: tel,
		opts:      opts,
		now:       time.Now,
		records:   records,
	}, nil
}

// Subscribe registers fn for progress events. fn runs on the transfer's
// goroutine and must not block.
func (d *Downloader) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscribers = append(d.subscribers, fn)
}

// Register resolves itemID and records a pending download into destDir.
func (d *Downloader) Register(ctx context.Context, itemID, destDir string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", itemID)

	item, err := d.metadata.GetItem(ctx, itemID)
	if err != nil {
		return "", fmt.Errorf("failed to register item %s: %w", itemID, err)
	}

	container := item.Container
	if container == "" {
		container = defaultContainer
	}

	filename := d.opts.Sanitize(item.Name) + "." + container
	finalPath := filepath.Join(destDir, filename)

	d.mu.Lock()

	now := d.now()
	id := d.newID(itemID, now)
	d.records[id] = &storage.TransferRecord{
		ID:         id,
		ItemID:     itemID,
		Name:       item.Name,
		Dest:       destDir,
		Filename:   filename,
		TempPath:   finalPath + tempSuffix,
		FinalPath:  finalPath,
		TotalBytes: item.Size,
		Status:     storage.StatusPending,
		CreatedAt:  now,
	}

	d.mu.Unlock()

	if err := d.persist(ctx); err != nil {
		d.mu.Lock()
		delete(d.records, id)
		d.mu.Unlock()

		return "", fmt.Errorf("failed to save registration: %w", err)
	}

	logger.Info("download registered", "download_id", id, "filename", filename, "size", humanize.IBytes(uint64(item.Size)))

	return id, nil
}

// newID combines the item id with the creation time. A numeric suffix keeps
// ids unique when the same item is registered twice in one second. Callers
// hold d.mu.
func (d *Downloader) newID(itemID string, now time.Time) string {
	base := itemID + "_" + strconv.FormatInt(now.Unix(), 10)

	id := base
	for n := 2; ; n++ {
		if _, exists := d.records[id]; !exists {
			return id
		}

		id = base + "_" + strconv.Itoa(n)
	}
}

// Start runs the transfer for id from wherever the temp file left off.
// Starting a completed download is a no-op.
func (d *Downloader) Start(ctx context.Context, id string) error {
	return d.transfer(ctx, id, false)
}

// Resume continues an interrupted transfer. It refuses downloads that were
// never started.
func (d *Downloader) Resume(ctx context.Context, id string) error {
	return d.transfer(ctx, id, true)
}

// Status returns a copy of one record.
func (d *Downloader) Status(_ context.Context, id string) (*storage.TransferRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
	}

	return rec.Clone(), nil
}

// List returns copies of all records, oldest first.
func (d *Downloader) List(_ context.Context) []*storage.TransferRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := storage.Sorted(d.records)
	for i, r := range out {
		out[i] = r.Clone()
	}

	return out
}

// Prune forgets completed downloads that finished more than keep ago and,
// when deleteFiles is set, removes their files. It returns the pruned ids.
func (d *Downloader) Prune(ctx context.Context, keep time.Duration, deleteFiles bool) ([]string, error) {
	d.mu.Lock()
	expired := cleanup.Expired(storage.Sorted(d.records), keep, d.now())
	for i, r := range expired {
		expired[i] = r.Clone()
	}
	d.mu.Unlock()

	if len(expired) == 0 {
		return nil, nil
	}

	// Records whose files are gone are forgotten even when a later delete
	// fails, so no completed record is left pointing at a missing file.
	forget := expired

	var deleteErr error

	if deleteFiles {
		forget, deleteErr = cleanup.DeleteFiles(ctx, expired)
		if len(forget) == 0 {
			return nil, fmt.Errorf("failed to prune downloads: %w", deleteErr)
		}
	}

	ids := make([]string, 0, len(forget))

	d.mu.Lock()
	for _, r := range forget {
		delete(d.records, r.ID)
		ids = append(ids, r.ID)
	}
	d.mu.Unlock()

	if err := d.persist(ctx); err != nil {
		d.mu.Lock()
		for _, r := range forget {
			d.records[r.ID] = r
		}
		d.mu.Unlock()

		return nil, errors.Join(deleteErr, fmt.Errorf("failed to save pruned downloads: %w", err))
	}

	if deleteErr != nil {
		return ids, fmt.Errorf("failed to prune downloads: %w", deleteErr)
	}

	logctx.LoggerFromContext(ctx).Info("pruned completed downloads", "count", len(ids), "files_deleted", deleteFiles)

	return ids, nil
}

func (d *Downloader) transfer(ctx context.Context, id string, resume bool) error {
	ctx = logctx.WithDownloadID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()

	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
	}

	status, name := rec.Status, rec.Name

	d.mu.Unlock()

	switch status {
	case storage.StatusCompleted:
		logger.Info("download already completed", "name", name)

		return nil
	case storage.StatusPending:
		if resume {
			return fmt.Errorf("%w: %s", ErrNotStarted, id)
		}
	}

	return d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return d.run(ctx, rec)
	})
}

// run is the transfer routine shared by Start and Resume.
func (d *Downloader) run(ctx context.Context, rec *storage.TransferRecord) error {
	logger := logctx.LoggerFromContext(ctx).With("name", rec.Name)
	url := d.metadata.StreamURL(rec.ItemID)

	if err := os.MkdirAll(filepath.Dir(rec.TempPath), dirPerm); err != nil {
		return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{Op: "mkdir", Path: filepath.Dir(rec.TempPath), Err: err})
	}

	// The temp file is the ground truth; the stored offset may be stale.
	resumeFrom, err := fileSize(rec.TempPath)
	if err != nil {
		return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{Op: "stat", Path: rec.TempPath, Err: err})
	}

	total := d.snapshot(rec).TotalBytes
	if total == 0 {
		size, err := d.transport.Probe(ctx, url)

		switch {
		case err != nil:
			logger.Warn("failed to discover download size, continuing without it", "err", err)
		case size > 0:
			total = size
			logger.Info("discovered download size", "size", humanize.IBytes(uint64(size)))
		}
	}

	if total > 0 && resumeFrom > total {
		return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{
			Op:   "stat",
			Path: rec.TempPath,
			Err:  fmt.Errorf("partial file has %d bytes but the item only has %d", resumeFrom, total),
		})
	}

	d.mu.Lock()
	rec.Status = storage.StatusDownloading
	rec.TotalBytes = total
	rec.DownloadedBytes = resumeFrom
	rec.Error = ""
	d.mu.Unlock()

	if err := d.persist(ctx); err != nil {
		return d.fail(ctx, rec, nil, 0, fmt.Errorf("failed to save transfer start: %w", err))
	}

	d.emit(rec, nil)

	if total > 0 && resumeFrom == total {
		logger.Info("file already downloaded", "size", humanize.IBytes(uint64(total)))

		return d.finalize(ctx, rec, nil, resumeFrom)
	}

	if resumeFrom > 0 {
		logger.Info("resuming download", "offset", humanize.IBytes(uint64(resumeFrom)), "total", humanize.IBytes(uint64(total)))
	} else {
		logger.Info("starting download", "total", humanize.IBytes(uint64(total)))
	}

	stream, err := d.transport.Open(ctx, url, resumeFrom)
	if err != nil {
		return d.fail(ctx, rec, nil, 0, fmt.Errorf("failed to open stream: %w", err))
	}
	defer stream.Close()

	if total == 0 && stream.TotalBytes() > 0 {
		total = stream.TotalBytes()

		d.mu.Lock()
		rec.TotalBytes = total
		d.mu.Unlock()

		if err := d.persist(ctx); err != nil {
			return d.fail(ctx, rec, nil, 0, fmt.Errorf("failed to save discovered size: %w", err))
		}

		logger.Info("discovered download size from response", "size", humanize.IBytes(uint64(total)))
	}

	f, err := openTemp(rec.TempPath, resumeFrom)
	if err != nil {
		return d.fail(ctx, rec, nil, 0, err)
	}
	defer f.Close()

	downloaded := resumeFrom
	cp := progress.NewCheckpointer(resumeFrom, d.opts.CheckpointInterval)

	for chunk, err := range stream.Chunks() {
		if err != nil {
			return d.fail(ctx, rec, f, downloaded, err)
		}

		if err := ctx.Err(); err != nil {
			return d.fail(ctx, rec, f, downloaded, &transfer.TransportError{Operation: "read", Message: "transfer cancelled", Err: err})
		}

		if total > 0 && downloaded+int64(len(chunk)) > total {
			return d.fail(ctx, rec, f, downloaded, &transfer.TransportError{
				Operation: "read",
				Message:   fmt.Sprintf("stream exceeds expected size of %d bytes", total),
			})
		}

		for len(chunk) > 0 {
			n := cp.Split(downloaded, len(chunk))

			written, err := f.Write(chunk[:n])
			downloaded += int64(written)

			if err != nil {
				return d.fail(ctx, rec, f, downloaded, &transfer.FilesystemError{Op: "write", Path: rec.TempPath, Err: err})
			}

			d.telemetry.RecordDownloadBytes(ctx, int64(written))
			chunk = chunk[n:]

			if cp.Reached(downloaded) {
				if err := d.checkpoint(ctx, rec, f, downloaded); err != nil {
					return d.fail(ctx, rec, f, downloaded, err)
				}
			}
		}
	}

	if total > 0 && downloaded < total {
		return d.fail(ctx, rec, f, downloaded, &transfer.TransportError{
			Operation: "read",
			Message:   fmt.Sprintf("stream ended at %d of %d bytes", downloaded, total),
		})
	}

	return d.finalize(ctx, rec, f, downloaded)
}

// checkpoint makes the written bytes durable before recording them, so the
// stored offset never overstates the temp file.
func (d *Downloader) checkpoint(ctx context.Context, rec *storage.TransferRecord, f *os.File, downloaded int64) error {
	if err := f.Sync(); err != nil {
		return &transfer.FilesystemError{Op: "sync", Path: rec.TempPath, Err: err}
	}

	d.mu.Lock()
	rec.DownloadedBytes = downloaded
	d.mu.Unlock()

	if err := d.persist(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	d.telemetry.RecordCheckpoint(ctx)

	snap := d.snapshot(rec)
	logctx.LoggerFromContext(ctx).Debug("checkpoint saved",
		"downloaded", humanize.IBytes(uint64(downloaded)),
		"total", humanize.IBytes(uint64(snap.TotalBytes)),
		"percent", fmt.Sprintf("%.1f", snap.Percent()),
	)

	d.emit(rec, nil)

	return nil
}

// finalize moves the temp file into place and marks the record completed.
// f may be nil when nothing was streamed.
func (d *Downloader) finalize(ctx context.Context, rec *storage.TransferRecord, f *os.File, downloaded int64) error {
	if f != nil {
		if err := f.Sync(); err != nil {
			return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{Op: "sync", Path: rec.TempPath, Err: err})
		}

		if err := f.Close(); err != nil {
			return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{Op: "close", Path: rec.TempPath, Err: err})
		}
	}

	if err := os.Rename(rec.TempPath, rec.FinalPath); err != nil {
		return d.fail(ctx, rec, nil, 0, &transfer.FilesystemError{Op: "rename", Path: rec.TempPath, Err: err})
	}

	completedAt := d.now()

	d.mu.Lock()
	rec.Status = storage.StatusCompleted
	rec.DownloadedBytes = downloaded
	rec.CompletedAt = &completedAt
	if rec.TotalBytes == 0 {
		rec.TotalBytes = downloaded
	}
	d.mu.Unlock()

	if err := d.persist(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("download completed but failed to save state: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("download completed",
		"name", rec.Name,
		"path", rec.FinalPath,
		"size", humanize.IBytes(uint64(downloaded)),
	)

	d.emit(rec, nil)

	return nil
}

// fail records cause on the record and returns it. When f is set the bytes
// written so far are synced first so they can be recorded; otherwise the last
// checkpoint stands. The partial file is always kept.
func (d *Downloader) fail(ctx context.Context, rec *storage.TransferRecord, f *os.File, downloaded int64, cause error) error {
	logger := logctx.LoggerFromContext(ctx)

	synced := false

	if f != nil {
		if err := f.Sync(); err != nil {
			logger.Warn("failed to sync partial file", "path", rec.TempPath, "err", err)
		} else {
			synced = true
		}
	}

	d.mu.Lock()
	rec.Status = storage.StatusError
	rec.Error = cause.Error()

	if synced && downloaded > rec.DownloadedBytes {
		rec.DownloadedBytes = downloaded
	}
	d.mu.Unlock()

	logger.Error("download failed",
		"name", rec.Name,
		"downloaded", humanize.IBytes(uint64(downloaded)),
		"retryable", transfer.IsRetryable(cause),
		"err", cause,
	)

	if err := d.persist(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to save error state: %w", err))
	}

	d.emit(rec, cause)

	return cause
}

// persist writes a consistent snapshot of every record.
func (d *Downloader) persist(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	snapshot := make(map[string]*storage.TransferRecord, len(d.records))
	for id, r := range d.records {
		snapshot[id] = r.Clone()
	}
	d.mu.Unlock()

	return d.store.Save(ctx, snapshot)
}

func (d *Downloader) snapshot(rec *storage.TransferRecord) *storage.TransferRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return rec.Clone()
}

func (d *Downloader) emit(rec *storage.TransferRecord, err error) {
	d.mu.Lock()
	ev := Event{
		ID:              rec.ID,
		Name:            rec.Name,
		Status:          rec.Status,
		DownloadedBytes: rec.DownloadedBytes,
		TotalBytes:      rec.TotalBytes,
		Err:             err,
	}
	subscribers := append([]func(Event){}, d.subscribers...)
	d.mu.Unlock()

	for _, fn := range subscribers {
		fn(ev)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// openTemp appends when resuming and truncates otherwise.
func openTemp(path string, resumeFrom int64) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, filePerm)
	if err != nil {
		return nil, &transfer.FilesystemError{Op: "open", Path: path, Err: err}
	}

	return f, nil
}
