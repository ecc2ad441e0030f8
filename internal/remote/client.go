package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 64 << 10

	pathHealth = "/health"
	pathSync   = "/sync"
	pathNotes  = "/notes"
	pathStream = "/notes/stream"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// ClientConfig describes how to reach the authority.
type ClientConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client talks to the authority's HTTP API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// StatusError is a non-2xx answer from the authority. It unwraps to the matching notes sentinel.
type StatusError struct {
	StatusCode int
	Code       string
	Detail     string
	kind       error
}

func (e *StatusError) Error() string {
	message := fmt.Sprintf("authority responded %d", e.StatusCode)
	if e.Code != "" {
		message += " " + e.Code
	}
	if e.Detail != "" {
		message += ": " + e.Detail
	}
	return message
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// NewClient validates the base URL and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", parsed.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: parsed, http: httpClient, timeout: timeout, logger: logger}, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	var payload struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, pathHealth, nil, &payload); err != nil {
		return err
	}
	if !payload.OK {
		return fmt.Errorf("%w: health check reported not ok", notes.ErrUnreachable)
	}
	return nil
}

// Sync exchanges dirty notes for the authority's changes since request.Since.
func (c *Client) Sync(ctx context.Context, request notes.SyncRequest) (notes.SyncResponse, error) {
	if request.Changes == nil {
		request.Changes = []notes.Note{}
	}
	var response notes.SyncResponse
	if err := c.do(ctx, http.MethodPost, pathSync, request, &response); err != nil {
		return notes.SyncResponse{}, err
	}
	return response, nil
}

// ListNotes returns the authority's whole table.
func (c *Client) ListNotes(ctx context.Context) ([]notes.Note, notes.Timestamp, error) {
	var payload struct {
		Notes      []notes.Note    `json:"notes"`
		ServerTime notes.Timestamp `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, pathNotes, nil, &payload); err != nil {
		return nil, notes.Timestamp{}, err
	}
	return payload.Notes, payload.ServerTime, nil
}

// GetNote fetches one note; a missing id maps to notes.ErrNotFound.
func (c *Client) GetNote(ctx context.Context, id notes.NoteID) (notes.Note, error) {
	var payload struct {
		Note notes.Note `json:"note"`
	}
	if err := c.do(ctx, http.MethodGet, notePath(id), nil, &payload); err != nil {
		return notes.Note{}, err
	}
	return payload.Note, nil
}

// CreateNote inserts a note on the authority. An existing id maps to notes.ErrConflict.
func (c *Client) CreateNote(ctx context.Context, note notes.Note) (notes.Note, error) {
	var payload struct {
		Note notes.Note `json:"note"`
	}
	if err := c.do(ctx, http.MethodPost, pathNotes, note, &payload); err != nil {
		return notes.Note{}, err
	}
	return payload.Note, nil
}

// UpdateNote sends a full note to PUT /notes/:id. The authority answers notes.ErrConflict
// unless note.UpdatedAt is strictly newer than its copy.
func (c *Client) UpdateNote(ctx context.Context, note notes.Note) (notes.Note, error) {
	var payload struct {
		Note notes.Note `json:"note"`
	}
	if err := c.do(ctx, http.MethodPut, notePath(note.ID), note, &payload); err != nil {
		return notes.Note{}, err
	}
	return payload.Note, nil
}

// DeleteNote hard-deletes a note on the authority and returns what was removed.
func (c *Client) DeleteNote(ctx context.Context, id notes.NoteID) (notes.Note, error) {
	var payload struct {
		Removed notes.Note `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, notePath(id), nil, &payload); err != nil {
		return notes.Note{}, err
	}
	return payload.Removed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %w", notes.ErrInvalidPayload, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(requestCtx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", notes.ErrInternal, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("authority request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%w: %w", notes.ErrUnreachable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeStatusError(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s response: %w", notes.ErrInternal, method, path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func notePath(id notes.NoteID) string {
	return pathNotes + "/" + url.PathEscape(id.String())
}

func decodeStatusError(response *http.Response) error {
	statusErr := &StatusError{StatusCode: response.StatusCode, kind: statusKind(response.StatusCode)}
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err := json.Unmarshal(data, &payload); err == nil {
		statusErr.Code = payload.Error
		statusErr.Detail = payload.Detail
	}
	return statusErr
}

func statusKind(statusCode int) error {
	switch statusCode {
	case http.StatusBadRequest:
		return notes.ErrInvalidPayload
	case http.StatusNotFound:
		return notes.ErrNotFound
	case http.StatusConflict:
		return notes.ErrConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return notes.ErrUnreachable
	default:
		return notes.ErrInternal
	}
}
