// Package github is a stateless client for the GitHub REST endpoints used to
// publish commits. The token is supplied per call so one client serves every user.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/netutil"
)

const (
	component = "github"

	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL   = "https://api.github.com"
	defaultUserAgent = "gitpush"
	maxErrorBody     = 4 << 10
)

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues GitHub REST requests.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("github: invalid base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = netutil.NewClient(netutil.ClientOptions{Timeout: opts.Timeout, Retries: 2, Backoff: time.Second})
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{base: base, http: hc, userAgent: ua}, nil
}

// call describes one request. A nil out discards the response body.
type call struct {
	op     string
	method string
	path   string
	query  url.Values
	token  string
	body   any
	out    any
}

func (c *Client) do(ctx context.Context, rc call) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + rc.path
	u.RawQuery = rc.query.Encode()

	var body io.Reader
	if rc.body != nil {
		data, err := json.Marshal(rc.body)
		if err != nil {
			return apperr.Wrap(apperr.ErrInternal, rc.op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, rc.method, u.String(), body)
	if err != nil {
		return apperr.Wrap(apperr.ErrInternal, rc.op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if rc.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rc.token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn(ctx, component, "request",
			slog.String("status", "fail"),
			slog.String("http_method", rc.method),
			slog.String("http_path", rc.path),
			slog.String("err", err.Error()),
		)
		return apperr.Wrap(apperr.ErrInternal, rc.op, err)
	}
	defer resp.Body.Close()

	logger.Debug(ctx, component, "request",
		slog.String("http_method", rc.method),
		slog.String("http_path", rc.path),
		slog.Int("http_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return statusError(rc.op, resp)
	}
	if rc.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(rc.out); err != nil {
		return apperr.Wrap(apperr.ErrInternal, rc.op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &payload)
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &apperr.Error{Op: op, Msg: msg, Status: resp.StatusCode}
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		e.Kind = apperr.ErrAuthentication
	case code == http.StatusTooManyRequests,
		code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0",
		code == http.StatusForbidden && strings.Contains(strings.ToLower(msg), "rate limit"):
		e.Kind = apperr.ErrRateLimited
		e.RetryAfter = retryAfter(resp.Header, time.Now())
	case code == http.StatusForbidden:
		e.Kind = apperr.ErrAuthentication
	case code == http.StatusNotFound:
		e.Kind = apperr.ErrNotFound
	case code == http.StatusConflict:
		e.Kind = apperr.ErrConflict
	case code == http.StatusUnprocessableEntity:
		e.Kind = apperr.ErrValidation
	default:
		e.Kind = apperr.ErrInternal
	}
	return e
}

// retryAfter reads Retry-After seconds or, failing that, X-RateLimit-Reset.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if reset, err := strconv.ParseInt(strings.TrimSpace(h.Get("X-RateLimit-Reset")), 10, 64); err == nil {
		if d := time.Unix(reset, 0).Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// remap changes the family of a classified error when status matches.
func remap(err error, status int, kind error) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Status == status {
		clone := *e
		clone.Kind = kind
		return &clone
	}
	return err
}
