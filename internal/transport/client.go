// Package transport streams a remote resource over HTTP, resuming from a byte
// offset with Range requests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/emby_downloader/internal/logctx"
	"github.com/italolelis/emby_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the transport.
type Options struct {
	// ChunkSize is the size of the single reusable read buffer.
	// Default: 1MiB
	ChunkSize int

	// ReadTimeout bounds how long the server may go without sending data,
	// including the wait for response headers. There is no overall deadline.
	// Default: 5m
	ReadTimeout time.Duration

	// ProbeRetries is the maximum number of HEAD attempts.
	// Default: 3
	ProbeRetries uint
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    1 << 20,
		ReadTimeout:  5 * time.Minute,
		ProbeRetries: 3,
	}
}

// Client opens resumable streams.
type Client struct {
	client     *http.Client
	opts       Options
	newBackOff func() backoff.BackOff
}

// NewClient creates a new transport client. Zero option values take the
// defaults.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}

	if opts.ProbeRetries == 0 {
		opts.ProbeRetries = def.ProbeRetries
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = opts.ReadTimeout
	base.DisableCompression = true // byte offsets must refer to the raw file

	return &Client{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
		},
		opts: opts,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Probe returns the resource size from a HEAD request, or 0 when the server
// does not report one. Connection failures and 5xx responses are retried.
func (c *Client) Probe(ctx context.Context, url string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	return backoff.Retry(ctx, func() (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			logger.Debug("probe request failed", "err", err)

			return 0, &transfer.TransportError{Operation: "probe", Message: err.Error(), Err: err}
		}
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return 0, &transfer.TransportError{Operation: "probe", StatusCode: resp.StatusCode, Message: resp.Status}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return 0, backoff.Permanent(&transfer.TransportError{Operation: "probe", StatusCode: resp.StatusCode, Message: resp.Status})
		}

		if resp.ContentLength < 0 {
			return 0, nil
		}

		return resp.ContentLength, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.opts.ProbeRetries))
}

// Open issues the GET. With resumeFrom > 0 it asks for bytes=resumeFrom- and
// only accepts a 206 whose Content-Range starts exactly at resumeFrom.
func (c *Client) Open(ctx context.Context, url string, resumeFrom int64) (transfer.Stream, error) {
	if resumeFrom < 0 {
		return nil, fmt.Errorf("invalid resume offset %d", resumeFrom)
	}

	ctx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool

	timer := time.AfterFunc(c.opts.ReadTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(err error) (transfer.Stream, error) {
		timer.Stop()
		cancel()

		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}

	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if timedOut.Load() || isTimeout(err) {
			return fail(&transfer.TimeoutError{Operation: "open", Timeout: c.opts.ReadTimeout, Err: err})
		}

		return fail(&transfer.TransportError{Operation: "open", Message: err.Error(), Err: err})
	}

	timer.Stop()

	total, err := totalFromResponse(resp, resumeFrom)
	if err != nil {
		resp.Body.Close()

		return fail(err)
	}

	return &Stream{
		body:     resp.Body,
		buf:      make([]byte, c.opts.ChunkSize),
		total:    total,
		timeout:  c.opts.ReadTimeout,
		timer:    timer,
		timedOut: &timedOut,
		cancel:   cancel,
	}, nil
}

// totalFromResponse validates the status against the requested offset and
// returns the full resource size, 0 when unknown.
func totalFromResponse(resp *http.Response, resumeFrom int64) (int64, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		if resumeFrom > 0 {
			return 0, &transfer.TransportError{
				Operation:  "open",
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("server ignored range request for offset %d", resumeFrom),
			}
		}

		if resp.ContentLength < 0 {
			return 0, nil
		}

		return resp.ContentLength, nil

	case http.StatusPartialContent:
		header := resp.Header.Get("Content-Range")
		if header == "" {
			return 0, &transfer.TransportError{
				Operation:  "open",
				StatusCode: resp.StatusCode,
				Message:    "partial content without Content-Range",
			}
		}

		start, _, total, err := ParseContentRange(header)
		if err != nil {
			return 0, &transfer.TransportError{Operation: "open", StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
		}

		if start != resumeFrom {
			return 0, &transfer.TransportError{
				Operation:  "open",
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("offset mismatch: requested %d, server sent %d", resumeFrom, start),
			}
		}

		if total < 0 {
			return 0, nil
		}

		return total, nil

	case http.StatusRequestedRangeNotSatisfiable:
		return 0, &transfer.TransportError{
			Operation:  "open",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("range starting at %d not satisfiable", resumeFrom),
		}

	default:
		return 0, &transfer.TransportError{Operation: "open", StatusCode: resp.StatusCode, Message: resp.Status}
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }

	return errors.As(err, &te) && te.Timeout()
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range unit: %s", header)
	}

	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: end %d before start %d", end, start)
	}

	if size == "*" {
		return start, end, -1, nil
	}

	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}

// Ensure Client implements transfer.Transport.
var _ transfer.Transport = (*Client)(nil)
