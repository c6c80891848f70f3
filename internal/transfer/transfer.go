package transfer

import (
	"context"
	"iter"
)

// Item is the catalog metadata of a downloadable media item.
type Item struct {
	ID        string
	Name      string
	Type      string
	Year      int
	Container string
	Size      int64
}

// MetadataProvider resolves catalog items and the URL their payload streams from.
type MetadataProvider interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	StreamURL(itemID string) string
}

// Stream is an open response body consumed chunk by chunk.
type Stream interface {
	// Chunks yields the body in order. The yielded slice is reused and is only
	// valid until the next iteration.
	Chunks() iter.Seq2[[]byte, error]
	// TotalBytes is the full resource size advertised by the server, or 0.
	TotalBytes() int64
	Close() error
}

// Transport issues (optionally ranged) requests against a streaming endpoint.
type Transport interface {
	Probe(ctx context.Context, url string) (int64, error)
	Open(ctx context.Context, url string, resumeFrom int64) (Stream, error)
}
