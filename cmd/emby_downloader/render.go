package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/emby_downloader/internal/downloader"
	"github.com/italolelis/emby_downloader/internal/storage"
	"github.com/italolelis/emby_downloader/internal/transfer"
)

func formatEvent(ev downloader.Event) string {
	switch ev.Status {
	case storage.StatusCompleted:
		return fmt.Sprintf("%s %s: %s downloaded", ev.Status.Icon(), ev.Name, humanize.IBytes(uint64(ev.DownloadedBytes)))
	case storage.StatusError:
		return fmt.Sprintf("%s %s: %v", ev.Status.Icon(), ev.Name, ev.Err)
	}

	if ev.TotalBytes <= 0 {
		return fmt.Sprintf("%s %s: %s", ev.Status.Icon(), ev.Name, humanize.IBytes(uint64(ev.DownloadedBytes)))
	}

	pct := float64(ev.DownloadedBytes) / float64(ev.TotalBytes) * 100

	return fmt.Sprintf("%s %s: %.1f%% (%s / %s)",
		ev.Status.Icon(), ev.Name, pct,
		humanize.IBytes(uint64(ev.DownloadedBytes)), humanize.IBytes(uint64(ev.TotalBytes)))
}

func formatRecord(r *storage.TransferRecord) string {
	line := fmt.Sprintf("%s %s [%s] %s", r.Status.Icon(), r.Name, r.ID, r.Status.Label())

	switch {
	case r.TotalBytes > 0:
		line += fmt.Sprintf(" %.1f%% (%s / %s)", r.Percent(),
			humanize.IBytes(uint64(r.DownloadedBytes)), humanize.IBytes(uint64(r.TotalBytes)))
	case r.DownloadedBytes > 0:
		line += " " + humanize.IBytes(uint64(r.DownloadedBytes))
	}

	if r.Status == storage.StatusCompleted {
		line += "\n    " + r.FinalPath
	}

	if r.Error != "" {
		line += "\n    error: " + r.Error
	}

	return line
}

func formatListLine(r *storage.TransferRecord) string {
	return r.ID + "\t" + string(r.Status) + "\t" + r.Name
}

func formatItem(it transfer.Item) string {
	line := it.ID + "  " + it.Name
	if it.Year > 0 {
		line += " (" + strconv.Itoa(it.Year) + ")"
	}

	if it.Type != "" {
		line += " [" + it.Type + "]"
	}

	return line
}

type searchResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Year      int    `json:"year,omitempty"`
	Container string `json:"container"`
	Size      int64  `json:"size,omitempty"`
}

func newSearchResults(items []transfer.Item) []searchResult {
	out := make([]searchResult, 0, len(items))
	for _, it := range items {
		out = append(out, searchResult{
			ID:        it.ID,
			Name:      it.Name,
			Type:      it.Type,
			Year:      it.Year,
			Container: it.Container,
			Size:      it.Size,
		})
	}

	return out
}
