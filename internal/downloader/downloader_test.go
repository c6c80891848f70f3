package downloader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/storage/jsonfile"
	"github.com/italolelis/emby_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	d         *Downloader
	store     *memStore
	transport *fakeTransport
	metadata  *fakeMetadata
	dest      string
}

func newHarness(t *testing.T, item *transfer.Item, transport *fakeTransport, interval int64) *harness {
	t.Helper()

	h := &harness{
		store:     newMemStore(),
		transport: transport,
		metadata:  &fakeMetadata{items: map[string]*transfer.Item{item.ID: item}},
		dest:      t.TempDir(),
	}

	h.d = h.newDownloader(t, interval)

	return h
}

// newDownloader builds a fresh Downloader over the harness store, as a new
// process would after a restart.
func (h *harness) newDownloader(t *testing.T, interval int64) *Downloader {
	t.Helper()

	d, err := New(context.Background(), h.store, h.metadata, h.transport, nil, Options{CheckpointInterval: interval})
	require.NoError(t, err)

	d.now = func() time.Time { return fixedNow }

	return d
}

func (h *harness) register(t *testing.T, itemID string) *storage.TransferRecord {
	t.Helper()

	id, err := h.d.Register(context.Background(), itemID, h.dest)
	require.NoError(t, err)

	rec, err := h.d.Status(context.Background(), id)
	require.NoError(t, err)

	return rec
}

func assertPatternFile(t *testing.T, path string, size int64) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, int(size))

	for i, b := range data {
		if b != patternByte(int64(i)) {
			t.Fatalf("byte %d = %d, want %d", i, b, patternByte(int64(i)))
		}
	}
}

func TestRegister(t *testing.T) {
	item := &transfer.Item{ID: "abc123", Name: "Show: Special/Edition?", Container: "mp4", Size: 1000}
	h := newHarness(t, item, &fakeTransport{}, 100)

	rec := h.register(t, "abc123")

	assert.Equal(t, "abc123_1714564800", rec.ID)
	assert.Equal(t, "Show: Special/Edition?", rec.Name)
	assert.Equal(t, "Show_ Special_Edition_.mp4", rec.Filename)
	assert.Equal(t, filepath.Join(h.dest, "Show_ Special_Edition_.mp4"), rec.FinalPath)
	assert.Equal(t, rec.FinalPath+".download", rec.TempPath)
	assert.Equal(t, int64(1000), rec.TotalBytes)
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.Nil(t, rec.CompletedAt)
	assert.False(t, strings.ContainsAny(rec.Filename[:len(rec.Filename)-len(".mp4")], `<>:"/\|?*`))

	saved := h.store.history(rec.ID)
	require.Len(t, saved, 1, "registration is persisted once")
	assert.Equal(t, storage.StatusPending, saved[0].Status)

	_, err := os.Stat(rec.TempPath)
	assert.True(t, os.IsNotExist(err), "registering must not touch the filesystem")
}

func TestRegister_SameSecondGetsUniqueID(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "abc123", Name: "Movie"}, &fakeTransport{}, 100)

	first := h.register(t, "abc123")
	second := h.register(t, "abc123")
	third := h.register(t, "abc123")

	assert.Equal(t, "abc123_1714564800", first.ID)
	assert.Equal(t, "abc123_1714564800_2", second.ID)
	assert.Equal(t, "abc123_1714564800_3", third.ID)
	assert.Len(t, h.d.List(context.Background()), 3)
}

func TestRegister_DefaultContainer(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, &fakeTransport{}, 100)

	rec := h.register(t, "x")

	assert.Equal(t, "Movie.mkv", rec.Filename)
}

func TestRegister_NotFound(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, &fakeTransport{}, 100)

	_, err := h.d.Register(context.Background(), "missing", h.dest)
	require.Error(t, err)

	var nf *transfer.NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.False(t, transfer.IsRetryable(err))
	assert.Empty(t, h.store.saves)
	assert.Empty(t, h.d.List(context.Background()))
}

func TestRegister_SaveFailure(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, &fakeTransport{}, 100)
	h.store.saveErr = errors.New("read-only filesystem")

	_, err := h.d.Register(context.Background(), "x", h.dest)
	require.Error(t, err)
	assert.Empty(t, h.d.List(context.Background()), "an unsaved registration is dropped")
}

func TestStart_Completes(t *testing.T) {
	const size = 10_000

	tr := &fakeTransport{size: size, chunkSize: 700, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 4096)
	rec := h.register(t, "x")

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	got, err := h.d.Status(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, int64(size), got.DownloadedBytes)
	assert.Equal(t, int64(size), got.TotalBytes)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	assertPatternFile(t, got.FinalPath, size)

	_, err = os.Stat(got.TempPath)
	assert.True(t, os.IsNotExist(err), "temp file must be gone after completion")

	assert.Equal(t, []int64{0}, tr.openOffsets())
	assert.Equal(t, []string{"open"}, tr.calls, "known size must not be probed")
}

func TestStart_CheckpointsAreBounded(t *testing.T) {
	const (
		size     = 50_000
		interval = 4096
	)

	tr := &fakeTransport{size: size, chunkSize: 3000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, interval)
	rec := h.register(t, "x")

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	var checkpoints []int64

	for _, r := range h.store.history(rec.ID) {
		if r.Status == storage.StatusDownloading {
			checkpoints = append(checkpoints, r.DownloadedBytes)
		}
	}

	// The first downloading save records the start offset.
	require.Equal(t, int64(0), checkpoints[0])
	require.Len(t, checkpoints, 1+size/interval)

	for i := 1; i < len(checkpoints); i++ {
		assert.Equal(t, int64(interval), checkpoints[i]-checkpoints[i-1])
	}

	final := h.store.history(rec.ID)
	assert.Equal(t, storage.StatusCompleted, final[len(final)-1].Status)
	assert.Equal(t, int64(size), final[len(final)-1].DownloadedBytes)
}

func TestStart_CheckpointNeverOverstatesDisk(t *testing.T) {
	const size = 20_000

	tr := &fakeTransport{size: size, chunkSize: 1500, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 2048)
	rec := h.register(t, "x")

	var violations []string

	tr.onChunk = func(int64) {
		info, err := os.Stat(rec.TempPath)
		if err != nil {
			return
		}

		saved := h.store.history(rec.ID)
		if last := saved[len(saved)-1]; last.DownloadedBytes > info.Size() {
			violations = append(violations, "stored offset ahead of temp file")
		}
	}

	require.NoError(t, h.d.Start(context.Background(), rec.ID))
	assert.Empty(t, violations)
}

func TestStart_FailureThenResume(t *testing.T) {
	const size = 10_000

	tr := &fakeTransport{size: size, chunkSize: 1024, reportTotal: true, failAt: 6000}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 2048)
	rec := h.register(t, "x")

	err := h.d.Start(context.Background(), rec.ID)
	require.Error(t, err)

	var te *transfer.TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, transfer.IsRetryable(err))

	failed, err := h.d.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, failed.Status)
	assert.Contains(t, failed.Error, "connection reset")
	assert.LessOrEqual(t, failed.DownloadedBytes, int64(6000))

	saved := h.store.history(rec.ID)
	assert.Equal(t, storage.StatusError, saved[len(saved)-1].Status, "error state is persisted")

	info, err := os.Stat(rec.TempPath)
	require.NoError(t, err, "partial file is kept")
	assert.Equal(t, int64(6000), info.Size())

	tr.failAt = 0

	require.NoError(t, h.d.Resume(context.Background(), rec.ID))

	assert.Equal(t, []int64{0, 6000}, tr.openOffsets(), "resume must request bytes=6000-")

	done, err := h.d.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, done.Status)
	assert.Empty(t, done.Error, "a new attempt clears the error")
	assertPatternFile(t, done.FinalPath, size)
}

func TestResume_AfterCrashUsesDiskSize(t *testing.T) {
	const size = 10_000

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 4096)
	rec := h.register(t, "x")

	// The process died after writing 5000 bytes but before any checkpoint
	// past 4096 was saved.
	partial := make([]byte, 5000)
	for i := range partial {
		partial[i] = patternByte(int64(i))
	}

	require.NoError(t, os.WriteFile(rec.TempPath, partial, 0o644))

	stale := rec.Clone()
	stale.Status = storage.StatusDownloading
	stale.DownloadedBytes = 4096
	require.NoError(t, h.store.Save(context.Background(), map[string]*storage.TransferRecord{stale.ID: stale}))

	d := h.newDownloader(t, 4096)

	require.NoError(t, d.Resume(context.Background(), rec.ID))

	assert.Equal(t, []int64{5000}, tr.openOffsets())
	assertPatternFile(t, rec.FinalPath, size)
}

func TestResume_Pending(t *testing.T) {
	tr := &fakeTransport{size: 10, chunkSize: 10}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 10}, tr, 100)
	rec := h.register(t, "x")

	err := h.d.Resume(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Empty(t, tr.calls)

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.Equal(t, storage.StatusPending, got.Status)
}

func TestStart_CompletedIsNoop(t *testing.T) {
	tr := &fakeTransport{size: 100, chunkSize: 10, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 100}, tr, 1000)
	rec := h.register(t, "x")

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	saves := len(h.store.saves)

	require.NoError(t, h.d.Start(context.Background(), rec.ID))
	require.NoError(t, h.d.Resume(context.Background(), rec.ID))

	assert.Len(t, tr.openOffsets(), 1)
	assert.Len(t, h.store.saves, saves, "a completed download is never written again")
}

func TestUnknownDownload(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, &fakeTransport{}, 100)
	ctx := context.Background()

	assert.ErrorIs(t, h.d.Start(ctx, "nope"), ErrDownloadNotFound)
	assert.ErrorIs(t, h.d.Resume(ctx, "nope"), ErrDownloadNotFound)

	_, err := h.d.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrDownloadNotFound)
}

func TestStart_ProbesUnknownSize(t *testing.T) {
	const probed = 5368709120

	tr := &fakeTransport{probeSize: probed, openErr: &transfer.TransportError{Operation: "open", Message: "stop here"}}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, tr, 1<<20)
	rec := h.register(t, "x")
	require.Zero(t, rec.TotalBytes)

	require.Error(t, h.d.Start(context.Background(), rec.ID))

	assert.Equal(t, []string{"probe", "open"}, tr.calls)

	var started *storage.TransferRecord

	for _, r := range h.store.history(rec.ID) {
		if r.Status == storage.StatusDownloading {
			started = &r

			break
		}
	}

	require.NotNil(t, started, "the transfer start is persisted before streaming")
	assert.Equal(t, int64(probed), started.TotalBytes)
}

func TestStart_ProbeFailureIsTolerated(t *testing.T) {
	const size = 3000

	tr := &fakeTransport{
		size:        size,
		chunkSize:   512,
		reportTotal: true,
		probeErr:    &transfer.TransportError{Operation: "probe", StatusCode: 405, Message: "method not allowed"},
	}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, tr, 1024)
	rec := h.register(t, "x")

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.Equal(t, int64(size), got.TotalBytes, "size is adopted from the response")
	assertPatternFile(t, got.FinalPath, size)
}

func TestStart_ResponseSizeSavedBeforeStreaming(t *testing.T) {
	const size = 4096

	var savedTotal int64 = -1

	tr := &fakeTransport{
		size:        size,
		chunkSize:   1024,
		reportTotal: true,
		probeErr:    &transfer.TransportError{Operation: "probe", StatusCode: 405, Message: "method not allowed"},
	}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, tr, 1<<20)
	rec := h.register(t, "x")

	tr.onChunk = func(offset int64) {
		if offset != 0 {
			return
		}

		saved, err := h.store.Load(context.Background())
		require.NoError(t, err)

		savedTotal = saved[rec.ID].TotalBytes
	}

	require.NoError(t, h.d.Start(context.Background(), rec.ID))
	assert.Equal(t, int64(size), savedTotal, "size from the response is saved before the first chunk")
}

func TestStart_ResponseSizeSaveFailure(t *testing.T) {
	tr := &fakeTransport{
		size:        4096,
		chunkSize:   1024,
		reportTotal: true,
		probeErr:    &transfer.TransportError{Operation: "probe", Message: "connection refused"},
	}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, tr, 1<<20)
	rec := h.register(t, "x")

	store := &failingSaveStore{memStore: h.store, failOn: 2}
	d, err := New(context.Background(), store, h.metadata, tr, nil, Options{CheckpointInterval: 1 << 20})
	require.NoError(t, err)

	err = d.Start(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save discovered size")

	got, _ := d.Status(context.Background(), rec.ID)
	assert.Equal(t, storage.StatusError, got.Status)
}

func TestStart_SizeNeverKnown(t *testing.T) {
	const size = 2500

	tr := &fakeTransport{size: size, chunkSize: 512}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, tr, 1024)
	rec := h.register(t, "x")

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, int64(size), got.DownloadedBytes)
	assertPatternFile(t, got.FinalPath, size)
}

func TestStart_ShortBody(t *testing.T) {
	tr := &fakeTransport{size: 10_000, chunkSize: 1000, reportTotal: true, endAt: 4000}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 10_000}, tr, 1<<20)
	rec := h.register(t, "x")

	err := h.d.Start(context.Background(), rec.ID)

	var te *transfer.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.Equal(t, storage.StatusError, got.Status)

	_, err = os.Stat(got.FinalPath)
	assert.True(t, os.IsNotExist(err), "a short transfer is never promoted")

	info, err := os.Stat(got.TempPath)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), info.Size())
}

func TestStart_OversizedStream(t *testing.T) {
	tr := &fakeTransport{size: 2000, chunkSize: 500}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 1200}, tr, 1<<20)
	rec := h.register(t, "x")

	err := h.d.Start(context.Background(), rec.ID)

	var te *transfer.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.LessOrEqual(t, got.DownloadedBytes, got.TotalBytes)
}

func TestStart_AlreadyDownloaded(t *testing.T) {
	const size = 1000

	tr := &fakeTransport{size: size, chunkSize: 100}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 1<<20)
	rec := h.register(t, "x")

	require.NoError(t, os.WriteFile(rec.TempPath, bytes.Repeat([]byte{1}, size), 0o644))

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	assert.Empty(t, tr.openOffsets(), "nothing left to request")

	got, _ := h.d.Status(context.Background(), rec.ID)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.FileExists(t, got.FinalPath)
	assert.NoFileExists(t, got.TempPath)
}

func TestStart_PartialLargerThanItem(t *testing.T) {
	tr := &fakeTransport{size: 100, chunkSize: 100}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 100}, tr, 1<<20)
	rec := h.register(t, "x")

	require.NoError(t, os.WriteFile(rec.TempPath, make([]byte, 150), 0o644))

	err := h.d.Start(context.Background(), rec.ID)

	var fe *transfer.FilesystemError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.FileExists(t, rec.TempPath, "the partial file is never deleted")
}

func TestStart_FilesystemError(t *testing.T) {
	tr := &fakeTransport{size: 100, chunkSize: 100}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 100}, tr, 1<<20)

	blocker := filepath.Join(h.dest, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	id, err := h.d.Register(context.Background(), "x", filepath.Join(blocker, "sub"))
	require.NoError(t, err)

	err = h.d.Start(context.Background(), id)

	var fe *transfer.FilesystemError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.False(t, transfer.IsRetryable(err))

	got, _ := h.d.Status(context.Background(), id)
	assert.Equal(t, storage.StatusError, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestStart_CancelledPersistsError(t *testing.T) {
	const size = 10_000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	tr.onChunk = func(offset int64) {
		if offset >= 3000 {
			cancel()
		}
	}

	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 1<<20)
	rec := h.register(t, "x")

	err := h.d.Start(ctx, rec.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	saved := h.store.history(rec.ID)
	last := saved[len(saved)-1]
	assert.Equal(t, storage.StatusError, last.Status, "the terminal state is saved despite the cancelled context")

	info, err := os.Stat(rec.TempPath)
	require.NoError(t, err)
	assert.Equal(t, last.DownloadedBytes, info.Size())
}

func TestSubscribe(t *testing.T) {
	const size = 5000

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 2000)
	rec := h.register(t, "x")

	var (
		mu     sync.Mutex
		events []Event
	)

	h.d.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()

		events = append(events, ev)
	})

	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	var got []int64
	for _, ev := range events {
		assert.Equal(t, rec.ID, ev.ID)
		assert.Equal(t, "Movie", ev.Name)
		assert.Equal(t, int64(size), ev.TotalBytes)
		got = append(got, ev.DownloadedBytes)
	}

	assert.Equal(t, []int64{0, 2000, 4000, 5000}, got)
	assert.Equal(t, storage.StatusCompleted, events[len(events)-1].Status)
}

func TestSubscribe_Failure(t *testing.T) {
	tr := &fakeTransport{size: 5000, chunkSize: 1000, reportTotal: true, failAt: 1500}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: 5000}, tr, 1<<20)
	rec := h.register(t, "x")

	var last Event

	h.d.Subscribe(func(ev Event) { last = ev })

	require.Error(t, h.d.Start(context.Background(), rec.ID))

	assert.Equal(t, storage.StatusError, last.Status)
	require.Error(t, last.Err)
	assert.True(t, transfer.IsRetryable(last.Err))
}

func TestList(t *testing.T) {
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie"}, &fakeTransport{}, 100)

	h.register(t, "x")
	h.d.now = func() time.Time { return fixedNow.Add(-time.Hour) }
	older := h.register(t, "x")

	list := h.d.List(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)

	list[0].Name = "mutated"

	again, _ := h.d.Status(context.Background(), older.ID)
	assert.Equal(t, "Movie", again.Name, "callers get copies")
}

func TestPrune(t *testing.T) {
	const size = 3000

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 1000)

	done := h.register(t, "x")
	require.NoError(t, h.d.Start(context.Background(), done.ID))

	pending := h.register(t, "x")

	h.d.now = func() time.Time { return fixedNow.Add(40 * 24 * time.Hour) }

	ids, err := h.d.Prune(context.Background(), 30*24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, ids)

	assert.NoFileExists(t, done.FinalPath)

	_, err = h.d.Status(context.Background(), done.ID)
	require.ErrorIs(t, err, ErrDownloadNotFound)

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, saved, done.ID)
	assert.Contains(t, saved, pending.ID)
}

func TestPrune_ForgetsDeletedFilesWhenALaterDeleteFails(t *testing.T) {
	const size = 1000

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 1000)
	h.metadata.items["y"] = &transfer.Item{ID: "y", Name: "Show", Size: size}

	first := h.register(t, "x")
	require.NoError(t, h.d.Start(context.Background(), first.ID))

	second := h.register(t, "y")

	// A non-empty directory in place of the file makes its removal fail.
	require.NoError(t, os.MkdirAll(filepath.Join(second.FinalPath, "inner"), 0o755))

	completedAt := fixedNow
	h.d.mu.Lock()
	h.d.records[second.ID].Status = storage.StatusCompleted
	h.d.records[second.ID].CompletedAt = &completedAt
	h.d.mu.Unlock()

	h.d.now = func() time.Time { return fixedNow.Add(48 * time.Hour) }

	ids, err := h.d.Prune(context.Background(), time.Hour, true)
	require.Error(t, err)
	assert.Equal(t, []string{first.ID}, ids)
	assert.NoFileExists(t, first.FinalPath)

	_, err = h.d.Status(context.Background(), first.ID)
	require.ErrorIs(t, err, ErrDownloadNotFound)

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, saved, first.ID, "forgotten record is persisted")
	assert.Contains(t, saved, second.ID)
}

func TestPrune_KeepsFilesAndRestoresOnSaveFailure(t *testing.T) {
	const size = 1000

	tr := &fakeTransport{size: size, chunkSize: 1000, reportTotal: true}
	h := newHarness(t, &transfer.Item{ID: "x", Name: "Movie", Size: size}, tr, 1000)

	rec := h.register(t, "x")
	require.NoError(t, h.d.Start(context.Background(), rec.ID))

	h.d.now = func() time.Time { return fixedNow.Add(48 * time.Hour) }

	ids, err := h.d.Prune(context.Background(), 72*time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, ids, "nothing is old enough yet")

	h.store.saveErr = errors.New("disk full")

	_, err = h.d.Prune(context.Background(), time.Hour, false)
	require.Error(t, err)

	_, err = h.d.Status(context.Background(), rec.ID)
	require.NoError(t, err, "record is kept when the save fails")
	assert.FileExists(t, rec.FinalPath)
}

func TestWithJSONStore_SurvivesRestart(t *testing.T) {
	const size = 8000

	dir := t.TempDir()
	store := jsonfile.New(filepath.Join(dir, "download_progress.json"))
	tr := &fakeTransport{size: size, chunkSize: 700, reportTotal: true, failAt: 5000}
	metadata := &fakeMetadata{items: map[string]*transfer.Item{"x": {ID: "x", Name: "Movie", Size: size}}}

	d, err := New(context.Background(), store, metadata, tr, nil, Options{CheckpointInterval: 1024})
	require.NoError(t, err)

	id, err := d.Register(context.Background(), "x", dir)
	require.NoError(t, err)
	require.Error(t, d.Start(context.Background(), id))

	tr.failAt = 0

	restarted, err := New(context.Background(), store, metadata, tr, nil, Options{CheckpointInterval: 1024})
	require.NoError(t, err)

	rec, err := restarted.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, rec.Status)

	require.NoError(t, restarted.Resume(context.Background(), id))

	assert.Equal(t, []int64{0, 5000}, tr.openOffsets())
	assertPatternFile(t, filepath.Join(dir, "Movie.mkv"), size)
}

// TestScenario_OneGiBResume streams 1 GiB of zeros through a real temp dir,
// fails at 600 MiB and resumes.
func TestScenario_OneGiBResume(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 1 GiB to disk")
	}

	const (
		total  = 1073741824
		failAt = 600 << 20
	)

	tr := &fakeTransport{size: total, chunkSize: 1 << 20, reportTotal: true, zeros: true, failAt: failAt}
	h := newHarness(t, &transfer.Item{ID: "abc123", Name: "Big Movie", Container: "mkv", Size: total}, tr, 32<<20)
	rec := h.register(t, "abc123")

	require.Error(t, h.d.Start(context.Background(), rec.ID))

	tr.failAt = 0

	require.NoError(t, h.d.Resume(context.Background(), rec.ID))

	assert.Equal(t, []int64{0, 629145600}, tr.openOffsets())

	got, err := h.d.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, int64(total), got.DownloadedBytes)

	info, err := os.Stat(got.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(total), info.Size())
	assert.NoFileExists(t, got.TempPath)
}
