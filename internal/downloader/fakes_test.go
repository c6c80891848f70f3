package downloader

import (
	"context"
	"errors"
	"iter"
	"maps"
	"sync"

	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/transfer"
)

type fakeMetadata struct {
	items map[string]*transfer.Item
}

func (m *fakeMetadata) GetItem(_ context.Context, itemID string) (*transfer.Item, error) {
	it, ok := m.items[itemID]
	if !ok {
		return nil, &transfer.NotFoundError{ItemID: itemID}
	}

	return it, nil
}

func (m *fakeMetadata) StreamURL(itemID string) string {
	return "mem://" + itemID
}

// patternByte is the content of the fake resource at offset.
func patternByte(offset int64) byte {
	return byte(offset % 251)
}

// fakeTransport serves a resource of size bytes from one reusable buffer.
type fakeTransport struct {
	mu sync.Mutex

	size        int64
	chunkSize   int
	reportTotal bool
	// zeros skips writing the pattern, for very large resources.
	zeros bool

	probeSize int64
	probeErr  error
	openErr   error

	// failAt makes the stream fail once this absolute offset is reached.
	failAt int64
	// endAt makes the stream end cleanly, short of size.
	endAt int64
	// onChunk runs before each chunk is yielded.
	onChunk func(offset int64)

	calls []string
	opens []int64
}

func (f *fakeTransport) Probe(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "probe")

	return f.probeSize, f.probeErr
}

func (f *fakeTransport) Open(_ context.Context, _ string, resumeFrom int64) (transfer.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "open")
	f.opens = append(f.opens, resumeFrom)

	if f.openErr != nil {
		return nil, f.openErr
	}

	end := f.size
	if f.endAt > 0 {
		end = f.endAt
	}

	var total int64
	if f.reportTotal {
		total = f.size
	}

	return &fakeStream{
		offset:  resumeFrom,
		end:     end,
		failAt:  f.failAt,
		total:   total,
		buf:     make([]byte, f.chunkSize),
		zeros:   f.zeros,
		onChunk: f.onChunk,
	}, nil
}

func (f *fakeTransport) openOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.opens...)
}

type fakeStream struct {
	offset  int64
	end     int64
	failAt  int64
	total   int64
	buf     []byte
	zeros   bool
	onChunk func(offset int64)
	closed  bool
}

func (s *fakeStream) TotalBytes() int64 { return s.total }

func (s *fakeStream) Close() error {
	s.closed = true

	return nil
}

func (s *fakeStream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for s.offset < s.end {
			if s.failAt > 0 && s.offset >= s.failAt {
				yield(nil, &transfer.TransportError{Operation: "read", Message: "connection reset by peer"})

				return
			}

			n := int64(len(s.buf))
			if remaining := s.end - s.offset; remaining < n {
				n = remaining
			}

			if s.failAt > 0 && s.offset+n > s.failAt {
				n = s.failAt - s.offset
			}

			if !s.zeros {
				for i := range n {
					s.buf[i] = patternByte(s.offset + i)
				}
			}

			if s.onChunk != nil {
				s.onChunk(s.offset)
			}

			s.offset += n

			if !yield(s.buf[:n], nil) {
				return
			}
		}
	}
}

// memStore keeps the saved image in memory and remembers every save.
type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.TransferRecord
	saves   []map[string]storage.TransferRecord
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*storage.TransferRecord)}
}

func (s *memStore) Load(context.Context) (map[string]*storage.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*storage.TransferRecord, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}

	return out, nil
}

func (s *memStore) Save(ctx context.Context, records map[string]*storage.TransferRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	s.records = maps.Clone(records)

	image := make(map[string]storage.TransferRecord, len(records))
	for id, r := range records {
		image[id] = *r.Clone()
	}

	s.saves = append(s.saves, image)

	return nil
}

// history returns the saved versions of one record, in save order.
func (s *memStore) history(id string) []storage.TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.TransferRecord

	for _, image := range s.saves {
		if r, ok := image[id]; ok {
			out = append(out, r)
		}
	}

	return out
}

// failingSaveStore fails the failOn-th save (1-based) and delegates the rest.
type failingSaveStore struct {
	*memStore

	saves  int
	failOn int
}

func (s *failingSaveStore) Save(ctx context.Context, records map[string]*storage.TransferRecord) error {
	s.saves++
	if s.saves == s.failOn {
		return errors.New("disk full")
	}

	return s.memStore.Save(ctx, records)
}
