// internal/client/client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
)

// Response is the part of a ranged GET reply the engine needs.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// Transport is the engine's only view of the network.
type Transport interface {
	// Probe reads the headers of url without downloading the body.
	Probe(ctx context.Context, url string) (*fileinfo.Info, error)

	// RangedGet requests bytes [left, right] of url. A negative right asks
	// for everything from left to the end. A non-empty ifRange is sent as
	// If-Range with the range.
	RangedGet(ctx context.Context, url string, left, right int64, ifRange string) (*Response, error)
}

// Options configures the HTTP transport.
type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration

	MaxIdleConnsPerHost int

	UserAgent string
}

// DefaultOptions returns the options used by GetClient.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:        10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   16,
		UserAgent:             "resumable-fetcher/1.0",
	}
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// ErrNotFound is returned when the resource does not exist.
var ErrNotFound = errors.New("client: resource not found")

// HTTP implements Transport on net/http.
type HTTP struct {
	client *http.Client
	opts   Options
}

// New creates a transport with its own connection pool. There is no
// whole-request timeout: bodies of large blocks take as long as they take,
// and stalls are detected by the fetcher.
func New(opts Options) *HTTP {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		// Raw bytes are needed for byte ranges to line up.
		DisableCompression: true,
	}
	return &HTTP{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

var (
	instance *HTTP
	once     sync.Once
)

// GetClient returns the process-wide transport built from DefaultOptions.
func GetClient() *HTTP {
	once.Do(func() {
		instance = New(DefaultOptions())
	})
	return instance
}

// Probe sends a HEAD request. Servers that refuse HEAD get a one-byte
// ranged GET instead, which also reveals range support.
func (c *HTTP) Probe(ctx context.Context, url string) (*fileinfo.Info, error) {
	resp, err := c.do(ctx, http.MethodHead, url, "")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusForbidden:
		return c.trialGet(ctx, url)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return fileinfo.FromResponse(resp.StatusCode, resp.Header, resp.ContentLength)
}

func (c *HTTP) trialGet(ctx context.Context, url string) (*fileinfo.Info, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "bytes=0-0")
	if err != nil {
		return nil, err
	}
	// Only the headers matter; a 200 reply would stream the whole body.
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return fileinfo.FromResponse(resp.StatusCode, resp.Header, resp.ContentLength)
}

// RangedGet implements Transport. The caller closes the body.
func (c *HTTP) RangedGet(ctx context.Context, url string, left, right int64, ifRange string) (*Response, error) {
	var rangeHeader string
	switch {
	case right >= 0:
		rangeHeader = fmt.Sprintf("bytes=%d-%d", left, right)
	case left > 0:
		rangeHeader = fmt.Sprintf("bytes=%d-", left)
	}

	header := http.Header{}
	if rangeHeader != "" {
		header.Set("Range", rangeHeader)
		if ifRange != "" {
			header.Set("If-Range", ifRange)
		}
	}
	resp, err := c.send(ctx, http.MethodGet, url, header)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

func (c *HTTP) do(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	header := http.Header{}
	if rangeHeader != "" {
		header.Set("Range", rangeHeader)
	}
	return c.send(ctx, method, url, header)
}

func (c *HTTP) send(ctx context.Context, method, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return c.client.Do(req)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}
