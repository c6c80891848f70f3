package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// ParseStatus converts the persisted form back into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusDownloading, StatusCompleted, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown transfer status %q", s)
	}
}

// Icon is the single glyph shown next to a transfer in listings.
func (s Status) Icon() string {
	switch s {
	case StatusPending:
		return "⏳"
	case StatusDownloading:
		return "⬇️"
	case StatusCompleted:
		return "✓"
	case StatusError:
		return "✗"
	default:
		return "?"
	}
}

// Label is the human readable name of the status.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusDownloading:
		return "Downloading"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TransferRecord is the persisted state of one download.
type TransferRecord struct {
	ID     string
	ItemID string
	Name   string

	Dest      string
	Filename  string
	TempPath  string
	FinalPath string

	// TotalBytes is 0 while the size is unknown.
	TotalBytes int64
	// DownloadedBytes is the value at the last checkpoint. The temp file on
	// disk is never smaller.
	DownloadedBytes int64

	Status Status
	Error  string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Percent is the completion percentage, 0 when the size is unknown.
func (r *TransferRecord) Percent() float64 {
	if r.TotalBytes <= 0 {
		return 0
	}

	return float64(r.DownloadedBytes) / float64(r.TotalBytes) * 100
}

// Clone returns a deep copy, so callers can read a record without racing
// the transfer that owns it.
func (r *TransferRecord) Clone() *TransferRecord {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}

	return &c
}

// Sorted returns the records ordered by creation time, oldest first.
func Sorted(records map[string]*TransferRecord) []*TransferRecord {
	out := make([]*TransferRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}

	slices.SortFunc(out, func(a, b *TransferRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return out
}

// Store persists the full set of transfer records. Save replaces the stored
// image atomically: after a crash either the old or the new image is found.
type Store interface {
	// Load never fails on missing or corrupt state; it returns an empty map.
	Load(ctx context.Context) (map[string]*TransferRecord, error)
	Save(ctx context.Context, records map[string]*TransferRecord) error
}
