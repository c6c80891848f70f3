package rest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/storage"
)

// DownloadResponse is the JSON view of a transfer record.
type DownloadResponse struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"item_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	StatusLabel     string     `json:"status_label"`
	Filename        string     `json:"filename"`
	FinalPath       string     `json:"final_path"`
	TotalBytes      int64      `json:"total_bytes"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	Progress        float64    `json:"progress"`
	Size            string     `json:"size"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

func newDownloadResponse(r *storage.TransferRecord) DownloadResponse {
	return DownloadResponse{
		ID:              r.ID,
		ItemID:          r.ItemID,
		Name:            r.Name,
		Status:          string(r.Status),
		StatusLabel:     r.Status.Label(),
		Filename:        r.Filename,
		FinalPath:       r.FinalPath,
		TotalBytes:      r.TotalBytes,
		DownloadedBytes: r.DownloadedBytes,
		Progress:        r.Percent(),
		Size:            humanize.IBytes(uint64(r.TotalBytes)),
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// StatusHandler serves the persisted download state. It reads the store on
// every request, so it reflects transfers run by other processes.
type StatusHandler struct {
	store    storage.Store
	username string
	password string
}

// NewStatusHandler creates a new status handler. Basic auth is enforced when
// username is set.
func NewStatusHandler(store storage.Store, username, password string) *StatusHandler {
	return &StatusHandler{
		store:    store,
		username: username,
		password: password,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{id}", h.HandleGet)

	return r
}

// HandleList returns every download, oldest first.
func (h *StatusHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.store.Load(r.Context())
	if err != nil {
		logger.Error("failed to load downloads", "err", err)
		http.Error(w, "failed to load downloads", http.StatusInternalServerError)

		return
	}

	sorted := storage.Sorted(records)

	resp := make([]DownloadResponse, 0, len(sorted))
	for _, rec := range sorted {
		resp = append(resp, newDownloadResponse(rec))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGet returns one download.
func (h *StatusHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	records, err := h.store.Load(r.Context())
	if err != nil {
		logger.Error("failed to load downloads", "err", err)
		http.Error(w, "failed to load downloads", http.StatusInternalServerError)

		return
	}

	rec, ok := records[id]
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(rec))
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="emby_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
