package netutil

import (
	"net"
	"net/http"
	"time"
)

// ClientOptions tunes the HTTP client returned by NewClient. Zero values pick defaults.
type ClientOptions struct {
	Timeout         time.Duration
	ResponseTimeout time.Duration
	Retries         int
	Backoff         time.Duration
}

func (o *ClientOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 10 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
}

// NewClient returns an HTTP client with pooled connections and transport-level retries
// for dial and timeout failures.
func NewClient(opts ClientOptions) *http.Client {
	opts.defaults()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &RetryTransport{
			Base:       transport,
			MaxRetries: opts.Retries,
			Backoff:    opts.Backoff,
		},
	}
}

// RetryTransport re-sends requests that failed with a retryable network error.
// Requests with a body are retried only when GetBody is set.
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	Backoff    time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	var lastErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		cur := req
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				return nil, lastErr
			}
			cur = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				cur.Body = body
			}
		}

		resp, err := base.RoundTrip(cur)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !ShouldRetry(err) || attempt == t.MaxRetries {
			break
		}

		timer := time.NewTimer(t.Backoff * time.Duration(attempt+1))
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}
