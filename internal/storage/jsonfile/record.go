package jsonfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/emby_downloader/internal/storage"
)

// record is the on-disk layout of one transfer.
type record struct {
	ItemID          string     `json:"item_id"`
	Name            string     `json:"name"`
	Dest            string     `json:"dest"`
	Filename        string     `json:"filename"`
	TempPath        string     `json:"temp_path"`
	FinalPath       string     `json:"final_path"`
	TotalBytes      int64      `json:"total_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	Progress        float64    `json:"progress"`
	Status          string     `json:"status"`
	CreatedAt       timestamp  `json:"created_at"`
	CompletedAt     *timestamp `json:"completed_at"`
	Error           string     `json:"error,omitempty"`
}

func fromTransferRecord(r *storage.TransferRecord) record {
	rec := record{
		ItemID:          r.ItemID,
		Name:            r.Name,
		Dest:            r.Dest,
		Filename:        r.Filename,
		TempPath:        r.TempPath,
		FinalPath:       r.FinalPath,
		TotalBytes:      r.TotalBytes,
		DownloadedBytes: r.DownloadedBytes,
		Progress:        r.Percent(),
		Status:          string(r.Status),
		CreatedAt:       timestamp(r.CreatedAt),
		Error:           r.Error,
	}

	if r.CompletedAt != nil {
		t := timestamp(*r.CompletedAt)
		rec.CompletedAt = &t
	}

	return rec
}

// toTransferRecord maps the stored form back. An unknown status is loaded as
// an error so the transfer can be inspected and resumed.
func (rec record) toTransferRecord(id string) *storage.TransferRecord {
	r := &storage.TransferRecord{
		ID:              id,
		ItemID:          rec.ItemID,
		Name:            rec.Name,
		Dest:            rec.Dest,
		Filename:        rec.Filename,
		TempPath:        rec.TempPath,
		FinalPath:       rec.FinalPath,
		TotalBytes:      rec.TotalBytes,
		DownloadedBytes: rec.DownloadedBytes,
		Error:           rec.Error,
		CreatedAt:       time.Time(rec.CreatedAt),
	}

	status, err := storage.ParseStatus(rec.Status)
	if err != nil {
		status = storage.StatusError
		r.Error = err.Error()
	}

	r.Status = status

	if rec.CompletedAt != nil {
		t := time.Time(*rec.CompletedAt)
		r.CompletedAt = &t
	}

	return r
}

// timestamp writes RFC 3339 and also reads the zone-less ISO 8601 form
// ("2024-05-01T12:34:56.123456") found in older progress files.
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).Format(time.RFC3339Nano) + `"`), nil
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = timestamp{}

		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*t = timestamp(parsed)

			return nil
		}
	}

	return fmt.Errorf("invalid timestamp %q", s)
}
