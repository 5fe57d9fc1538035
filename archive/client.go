// Package archive talks to the image-archive server.
//
// Information Hiding:
// - HTTP client implementation details hidden
// - Pagination of header listings hidden
// - Wire-format decoding delegated to internal/json
//
// The client never retries. Timeouts come from the underlying http.Client.

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	docjson "github.com/richinex/annolayer/internal/json"
	"github.com/richinex/annolayer/model"
)

const (
	defaultTokenHeader = "Girder-Token"
	defaultPageSize    = 100
	requestIDHeader    = "X-Request-Id"
	maxBodyBytes       = 256 << 20
)

// ErrNotFound is returned when the server reports 404 for an annotation.
var ErrNotFound = errors.New("annotation not found")

// Session carries the server location and credentials. It is passed
// explicitly to every component that needs it.
type Session struct {
	BaseURL     string
	Token       string
	TokenHeader string // defaults to Girder-Token
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client fetches annotation headers and bodies.
type Client struct {
	session  Session
	http     *http.Client
	pageSize int
}

// NewClient creates a client for the session with the given request timeout.
func NewClient(session Session, timeout time.Duration) *Client {
	if session.TokenHeader == "" {
		session.TokenHeader = defaultTokenHeader
	}
	session.BaseURL = strings.TrimRight(session.BaseURL, "/")
	return &Client{
		session: session,
		http: &http.Client{
			Timeout: timeout,
		},
		pageSize: defaultPageSize,
	}
}

// WithPageSize sets the listing page size.
func (c *Client) WithPageSize(n int) *Client {
	if n > 0 {
		c.pageSize = n
	}
	return c
}

// Headers lists every annotation header attached to an image item,
// following pagination until a short page is returned.
func (c *Client) Headers(ctx context.Context, itemID string) ([]model.AnnotationHeader, error) {
	itemID = model.NormalizeID(itemID)
	if itemID == "" {
		return nil, fmt.Errorf("item id cannot be empty")
	}

	all := []model.AnnotationHeader{}
	for offset := 0; ; offset += c.pageSize {
		q := url.Values{}
		q.Set("itemId", itemID)
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("sort", "_id")

		data, err := c.get(ctx, "/annotation", q)
		if err != nil {
			return nil, err
		}
		page, err := docjson.DecodeHeaders(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode header page at offset %d: %w", offset, err)
		}
		all = append(all, page...)

		// Count raw records, not decoded ones: records without an id are
		// dropped by the decoder but still occupy a slot in the page.
		if docjson.CountRecords(data) < c.pageSize {
			break
		}
	}
	return all, nil
}

// Body fetches the full annotation document.
func (c *Client) Body(ctx context.Context, id string) (model.AnnotationBody, error) {
	id = model.NormalizeID(id)
	if id == "" {
		return model.AnnotationBody{}, fmt.Errorf("annotation id cannot be empty")
	}

	data, err := c.get(ctx, "/annotation/"+url.PathEscape(id), nil)
	if err != nil {
		return model.AnnotationBody{}, err
	}
	body, err := docjson.DecodeBody(data)
	if err != nil {
		return model.AnnotationBody{}, fmt.Errorf("failed to decode annotation %s: %w", id, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.session.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.New().String())
	if c.session.Token != "" {
		req.Header.Set(c.session.TokenHeader, c.session.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, &StatusError{Method: req.Method, URL: u, StatusCode: resp.StatusCode, Body: preview}
	}
	return data, nil
}
