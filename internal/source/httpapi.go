// Package source implements etl.Source adapters.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BartekS5/syncflow/internal/etl"
	"github.com/BartekS5/syncflow/pkg/logger"
	"github.com/BartekS5/syncflow/pkg/utils"
)

const (
	idPlaceholder = "{id}"
	// donePosition marks a single-call endpoint that was already read.
	donePosition = "done"
)

// TokenProvider supplies bearer tokens for API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type invalidator interface {
	Invalidate()
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type HTTPOptions struct {
	BaseURL string
	// Endpoint is appended to BaseURL. An "{id}" placeholder switches the
	// source to list-then-detail mode.
	Endpoint          string
	Method            string
	ItemsField        string
	ParentKey         string
	PageParam         string
	PageSizeParam     string
	StartPage         int
	RequestsPerSecond float64
	Headers           map[string]string
	Tokens            TokenProvider
}

// HTTPSource reads JSON records from a REST API.
type HTTPSource struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter

	mu  sync.Mutex
	ids []string
}

func NewHTTPSource(opts HTTPOptions, client *http.Client) (*HTTPSource, error) {
	if opts.BaseURL == "" && opts.Endpoint == "" {
		return nil, errors.New("http source: baseUrl or endpoint is required")
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.ItemsField == "" {
		opts.ItemsField = "items"
	}
	if opts.ParentKey == "" {
		opts.ParentKey = "id"
	}
	if opts.StartPage == 0 {
		opts.StartPage = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &HTTPSource{opts: opts, client: client}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return s, nil
}

func (s *HTTPSource) url(endpoint string) string {
	if s.opts.BaseURL == "" {
		return endpoint
	}
	return strings.TrimRight(s.opts.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func (s *HTTPSource) Fetch(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	switch {
	case strings.Contains(s.opts.Endpoint, idPlaceholder):
		return s.fetchDetails(ctx, cursor, limit)
	case s.opts.PageParam != "":
		return s.fetchPage(ctx, cursor, limit)
	default:
		return s.fetchOnce(ctx, cursor)
	}
}

func (s *HTTPSource) fetchOnce(ctx context.Context, cursor etl.Cursor) (*etl.Batch, error) {
	if cursor.Position == donePosition {
		return &etl.Batch{Next: etl.Cursor{Position: donePosition}}, nil
	}
	body, err := s.call(ctx, s.url(s.opts.Endpoint), nil)
	if err != nil {
		return nil, err
	}
	items, err := s.items(body)
	if err != nil {
		return nil, err
	}
	return &etl.Batch{Records: s.records(items, "0"), Next: etl.Cursor{Position: donePosition}}, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	page := s.opts.StartPage
	if cursor.Position != "" {
		n, err := strconv.Atoi(cursor.Position)
		if err != nil {
			return nil, etl.Permanent("bad_cursor", fmt.Errorf("page cursor %q: %w", cursor.Position, err))
		}
		page = n
	}

	q := url.Values{}
	q.Set(s.opts.PageParam, strconv.Itoa(page))
	if s.opts.PageSizeParam != "" {
		q.Set(s.opts.PageSizeParam, strconv.Itoa(limit))
	}
	body, err := s.call(ctx, s.url(s.opts.Endpoint), q)
	if err != nil {
		return nil, err
	}
	items, err := s.items(body)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > 0
	if s.opts.PageSizeParam != "" {
		hasMore = len(items) >= limit
	}
	return &etl.Batch{
		Records: s.records(items, strconv.Itoa(page)),
		Next:    etl.Cursor{Position: strconv.Itoa(page + 1)},
		HasMore: hasMore,
	}, nil
}

// fetchDetails resolves the id list once and issues one detail call per id.
func (s *HTTPSource) fetchDetails(ctx context.Context, cursor etl.Cursor, limit int) (*etl.Batch, error) {
	ids, err := s.listIDs(ctx)
	if err != nil {
		return nil, err
	}
	offset := 0
	if cursor.Position != "" {
		if offset, err = strconv.Atoi(cursor.Position); err != nil {
			return nil, etl.Permanent("bad_cursor", fmt.Errorf("offset cursor %q: %w", cursor.Position, err))
		}
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	batch := &etl.Batch{Next: etl.Cursor{Position: strconv.Itoa(end)}, HasMore: end < len(ids)}
	for _, id := range ids[offset:end] {
		endpoint := strings.ReplaceAll(s.opts.Endpoint, idPlaceholder, url.PathEscape(id))
		body, err := s.call(ctx, s.url(endpoint), nil)
		if err != nil {
			return nil, err
		}
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, etl.MalformedResponseError(fmt.Errorf("detail %s: %w", id, err))
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			obj = map[string]any{"value": doc}
		}
		if _, has := obj[s.opts.ParentKey]; !has {
			obj[s.opts.ParentKey] = id
		}
		batch.Records = append(batch.Records, etl.RawRecord{Position: id, Payload: obj})
	}
	return batch, nil
}

func (s *HTTPSource) listIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids != nil {
		return s.ids, nil
	}

	listEndpoint := strings.TrimRight(s.opts.Endpoint[:strings.Index(s.opts.Endpoint, idPlaceholder)], "/")
	body, err := s.call(ctx, s.url(listEndpoint), nil)
	if err != nil {
		return nil, err
	}
	items, err := s.items(body)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok || obj[s.opts.ParentKey] == nil {
			logger.Warnf("List item without %q skipped", s.opts.ParentKey)
			continue
		}
		ids = append(ids, utils.ConvertToString(obj[s.opts.ParentKey]))
	}
	logger.Infof("Discovered %d ids from %s", len(ids), listEndpoint)
	s.ids = ids
	return ids, nil
}

// items unwraps {"<itemsField>": [...]}; a bare array is taken as is and a
// single object becomes a one-item list.
func (s *HTTPSource) items(body []byte) ([]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, etl.MalformedResponseError(fmt.Errorf("decode response: %w", err))
	}
	switch v := doc.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if inner, ok := v[s.opts.ItemsField]; ok {
			list, ok := inner.([]any)
			if !ok {
				return nil, etl.MalformedResponseError(fmt.Errorf("field %q is %T, not a list", s.opts.ItemsField, inner))
			}
			return list, nil
		}
		return []any{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, etl.MalformedResponseError(fmt.Errorf("unexpected response type %T", doc))
	}
}

func (s *HTTPSource) records(items []any, prefix string) []etl.RawRecord {
	out := make([]etl.RawRecord, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			obj = map[string]any{"value": it}
		}
		out = append(out, etl.RawRecord{Position: fmt.Sprintf("%s.%d", prefix, i), Payload: obj})
	}
	return out
}

// call performs one request. A 401 with a refreshable token provider is
// retried once with a fresh token.
func (s *HTTPSource) call(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	body, status, err := s.do(ctx, rawURL, query)
	if status == http.StatusUnauthorized {
		if inv, ok := s.opts.Tokens.(invalidator); ok {
			inv.Invalidate()
			body, _, err = s.do(ctx, rawURL, query)
		}
	}
	return body, err
}

func (s *HTTPSource) do(ctx context.Context, rawURL string, query url.Values) ([]byte, int, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, 0, etl.TimeoutError(fmt.Errorf("rate limiter: %w", err))
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, etl.Permanent("bad_url", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, s.opts.Method, u.String(), nil)
	if err != nil {
		return nil, 0, etl.Permanent("bad_request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	if s.opts.Tokens != nil {
		tok, err := s.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, 0, err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	logger.Debugf("Calling API: %s %s", s.opts.Method, u.Redacted())
	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, 0, etl.TimeoutError(err)
		}
		return nil, 0, etl.ConnectionError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, etl.ConnectionError(fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(resp, body); err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("API call failed: %d %s", code, snippet)
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return etl.AuthError(err)
	case code == http.StatusTooManyRequests:
		return etl.RateLimitError(err, retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusRequestTimeout:
		return etl.TimeoutError(err)
	case code >= 500:
		return etl.UnavailableError(err)
	default:
		return etl.Permanent(fmt.Sprintf("http_%d", code), err)
	}
}

// retryAfter parses delay-seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
