package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HTTPClient talks to the hosted backend over its REST surface. Table
// operations map onto /rest/v1/<table> with query-string filters; auth onto
// /auth/v1.
type HTTPClient struct {
	baseURL string
	anonKey string
	http    *http.Client

	mu      sync.RWMutex
	session *Session
}

// NewHTTPClient creates a client for the given base URL and anon key.
func NewHTTPClient(baseURL, anonKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		anonKey: anonKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetSession installs the bearer credentials used by subsequent calls.
func (c *HTTPClient) SetSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *HTTPClient) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session != nil {
		return c.session.AccessToken
	}
	return c.anonKey
}

// Ping performs a minimal read against the REST root. Used as the
// connectivity probe.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return &Error{Code: CodeUnavailable, Message: resp.Status, Status: resp.StatusCode}
	}
	return nil
}

// Select implements Table.
func (c *HTTPClient) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	vals := url.Values{}
	if len(q.Columns) > 0 {
		vals.Set("select", strings.Join(q.Columns, ","))
	}
	for _, f := range q.Filters {
		vals.Add(f.Column, f.Op+"."+fmt.Sprint(f.Value))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		vals.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows []Row
	if err := c.do(ctx, http.MethodGet, "/rest/v1/"+table+"?"+vals.Encode(), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements Table. The created row is returned.
func (c *HTTPClient) Insert(ctx context.Context, table string, row Row) (Row, error) {
	var created []Row
	if err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, row, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return row, nil
	}
	return created[0], nil
}

// Update implements Table.
func (c *HTTPClient) Update(ctx context.Context, table string, values Row, filters ...Filter) error {
	return c.do(ctx, http.MethodPatch, "/rest/v1/"+table+"?"+filterValues(filters).Encode(), values, nil)
}

// Delete implements Table.
func (c *HTTPClient) Delete(ctx context.Context, table string, filters ...Filter) error {
	return c.do(ctx, http.MethodDelete, "/rest/v1/"+table+"?"+filterValues(filters).Encode(), nil, nil)
}

// Session implements Auth.
func (c *HTTPClient) Session(ctx context.Context) (*Session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	var fetched Session
	if err := c.do(ctx, http.MethodGet, "/auth/v1/session", nil, &fetched); err != nil {
		return nil, err
	}
	if fetched.AccessToken == "" {
		return nil, nil
	}
	c.SetSession(&fetched)
	return &fetched, nil
}

// Refresh implements Auth.
func (c *HTTPClient) Refresh(ctx context.Context) (*Session, error) {
	var fresh Session
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", nil, &fresh); err != nil {
		return nil, err
	}
	c.SetSession(&fresh)
	return &fresh, nil
}

func (c *HTTPClient) decorate(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError maps an HTTP error response onto the Code taxonomy. The body
// carries a PostgREST-style {"code": "...", "message": "..."} payload where
// code is a Postgres error code.
func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = resp.Status
	}

	code := CodeUnknown
	switch body.Code {
	case "23505":
		code = CodeUniqueViolation
	case "23503":
		code = CodeForeignKeyViolation
	case "42501":
		code = CodePermissionDenied
	}
	if code == CodeUnknown {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			code = CodeUnauthorized
		case http.StatusForbidden:
			code = CodePermissionDenied
		case http.StatusRequestEntityTooLarge:
			code = CodePayloadTooLarge
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			code = CodeTimeout
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			code = CodeUnavailable
		}
	}
	return &Error{Code: code, Message: body.Message, Status: resp.StatusCode}
}

func filterValues(filters []Filter) url.Values {
	vals := url.Values{}
	for _, f := range filters {
		vals.Add(f.Column, f.Op+"."+fmt.Sprint(f.Value))
	}
	return vals
}

var _ Client = (*HTTPClient)(nil)
