// Package emby talks to the Emby/Jellyfin HTTP API for item metadata, search
// and stream URLs.
package emby

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultContainer = "mkv"
	clientName       = "emby_downloader"
	deviceID         = "emby-downloader"
)

// Options tune the API client.
type Options struct {
	// Timeout bounds each metadata request. Stream downloads do not go
	// through this client.
	Timeout  time.Duration
	MaxTries uint
}

// Client is an Emby API client scoped to one user.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// http://media.local:8096/emby.
func NewClient(baseURL, token, userID string, opts Options) *Client {
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxTries: opts.MaxTries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// item mirrors the subset of BaseItemDto the downloader needs.
type item struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	Type           string `json:"Type"`
	ProductionYear int    `json:"ProductionYear"`
	Container      string `json:"Container"`
	Path           string `json:"Path"`
	Size           int64  `json:"Size"`
}

func (i item) toTransferItem() *transfer.Item {
	return &transfer.Item{
		ID:        i.ID,
		Name:      i.Name,
		Type:      i.Type,
		Year:      i.ProductionYear,
		Container: containerOf(i),
		Size:      i.Size,
	}
}

// containerOf prefers the reported container and falls back to the media
// file extension. Emby may report a comma separated list ("mov,mp4,m4a");
// the first entry wins.
func containerOf(i item) string {
	c := i.Container
	if c == "" && i.Path != "" {
		c = strings.TrimPrefix(path.Ext(strings.ReplaceAll(i.Path, `\`, "/")), ".")
	}

	c, _, _ = strings.Cut(c, ",")
	c = strings.ToLower(strings.TrimSpace(c))

	if c == "" {
		return defaultContainer
	}

	return c
}

// GetItem resolves itemID. Every failure is reported as *transfer.NotFoundError.
func (c *Client) GetItem(ctx context.Context, itemID string) (*transfer.Item, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", itemID)

	endpoint := fmt.Sprintf("%s/Users/%s/Items/%s", c.baseURL, url.PathEscape(c.userID), url.PathEscape(itemID))

	var it item
	if err := c.getJSON(ctx, endpoint, url.Values{}, &it); err != nil {
		logger.Error("failed to fetch item metadata", "err", err)

		return nil, &transfer.NotFoundError{ItemID: itemID, Err: err}
	}

	if it.ID == "" {
		it.ID = itemID
	}

	logger.Debug("fetched item metadata", "name", it.Name, "size", it.Size)

	return it.toTransferItem(), nil
}

// StreamURL returns the static stream endpoint for itemID. The server sends
// the original file, so byte ranges map directly onto the file on disk.
func (c *Client) StreamURL(itemID string) string {
	q := url.Values{}
	q.Set("static", "true")
	q.Set("api_key", c.token)

	return fmt.Sprintf("%s/Videos/%s/stream?%s", c.baseURL, url.PathEscape(itemID), q.Encode())
}

// Search looks up movies and series by name, optionally restricted to a
// production year (0 means any year).
func (c *Client) Search(ctx context.Context, query string, year int) ([]transfer.Item, error) {
	endpoint := fmt.Sprintf("%s/Users/%s/Items", c.baseURL, url.PathEscape(c.userID))

	q := url.Values{}
	q.Set("searchTerm", query)
	q.Set("includeItemTypes", "Movie,Series")
	q.Set("recursive", "true")

	if year > 0 {
		q.Set("years", strconv.Itoa(year))
	}

	var resp struct {
		Items []item `json:"Items"`
	}

	if err := c.getJSON(ctx, endpoint, q, &resp); err != nil {
		return nil, fmt.Errorf("failed to search items: %w", err)
	}

	results := make([]transfer.Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		results = append(results, *it.toTransferItem())
	}

	return results, nil
}

// getJSON performs a GET and decodes the body into out. Connection failures
// and 5xx responses are retried; other statuses fail immediately.
func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out any) error {
	logger := logctx.LoggerFromContext(ctx)

	q.Set("api_key", c.token)
	target := endpoint + "?" + q.Encode()

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Emby-Client", clientName)
		req.Header.Set("X-Emby-Device-Id", deviceID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.Debug("emby request failed, retrying", "err", err)

			return nil, &transfer.TransportError{Operation: "metadata", Message: err.Error(), Err: err}
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &transfer.TransportError{Operation: "metadata", Message: "failed to read response body", Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &transfer.TransportError{
				Operation:  "metadata",
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(b)),
			}

			if resp.StatusCode >= http.StatusInternalServerError {
				return nil, statusErr
			}

			return nil, backoff.Permanent(statusErr)
		}

		return b, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// Ensure Client implements transfer.MetadataProvider.
var _ transfer.MetadataProvider = (*Client)(nil)
