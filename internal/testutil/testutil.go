// Package testutil provides an HTTP range server and loggers for tests.
package testutil

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// RangeServer serves one in-memory resource with optional byte-range
// support and lets tests break connections at chosen points.
type RangeServer struct {
	*httptest.Server

	mu         sync.Mutex
	data       []byte
	etag       string
	noRanges   bool
	rejectHead bool
	chunked    bool
	cut        func(start int64, attempt int) int64
	stall      func(start int64, attempt int) int64
	delay      func(start int64, attempt int) time.Duration
	onGet      func(n int)
	gets       int
	ifRanges   []string
	attempts   map[int64]int
	ranges     []string
}

// ServerOption configures a RangeServer.
type ServerOption func(*RangeServer)

// WithoutRanges makes the server ignore Range headers and reply 200.
func WithoutRanges() ServerOption {
	return func(s *RangeServer) { s.noRanges = true }
}

// WithETag sets the ETag sent with every reply.
func WithETag(etag string) ServerOption {
	return func(s *RangeServer) { s.etag = etag }
}

// WithoutHead makes HEAD requests fail with 405.
func WithoutHead() ServerOption {
	return func(s *RangeServer) { s.rejectHead = true }
}

// WithChunked hides the length of the resource.
func WithChunked() ServerOption {
	return func(s *RangeServer) { s.chunked = true; s.noRanges = true }
}

// WithCut drops the connection after fn(start, attempt) body bytes of a GET
// whose range starts at start. attempt counts GETs per start offset from 1.
// A negative return leaves the reply intact.
func WithCut(fn func(start int64, attempt int) int64) ServerOption {
	return func(s *RangeServer) { s.cut = fn }
}

// WithStall writes fn(start, attempt) body bytes and then holds the
// connection until the client goes away. A negative return leaves the reply
// intact.
func WithStall(fn func(start int64, attempt int) int64) ServerOption {
	return func(s *RangeServer) { s.stall = fn }
}

// WithHeaderDelay holds the reply headers of a GET for fn(start, attempt).
func WithHeaderDelay(fn func(start int64, attempt int) time.Duration) ServerOption {
	return func(s *RangeServer) { s.delay = fn }
}

// WithOnGet calls fn with the 1-based number of every GET before the reply
// is built, so fn may SetData for that request.
func WithOnGet(fn func(n int)) ServerOption {
	return func(s *RangeServer) { s.onGet = fn }
}

// NewRangeServer starts a server for data. It is closed with the test.
func NewRangeServer(t testing.TB, data []byte, opts ...ServerOption) *RangeServer {
	t.Helper()
	s := &RangeServer{data: data, attempts: make(map[int64]int)}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetData replaces the resource and its ETag, simulating a changed file.
func (s *RangeServer) SetData(data []byte, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.etag = etag
}

// IfRanges returns the If-Range headers of the GET requests that sent one.
func (s *RangeServer) IfRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ifRanges...)
}

// Ranges returns the Range headers of all GET requests so far.
func (s *RangeServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *RangeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && s.onGet != nil {
		s.mu.Lock()
		s.gets++
		n := s.gets
		s.mu.Unlock()
		s.onGet(n)
	}

	s.mu.Lock()
	data := s.data
	etag := s.etag
	s.mu.Unlock()

	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	if !s.noRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		if s.rejectHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.chunked {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}
		return
	}

	start, end := int64(0), int64(len(data))-1
	rangeHeader := r.Header.Get("Range")
	partial := false
	ifRange := r.Header.Get("If-Range")
	// A validator that no longer matches turns the reply into the full
	// resource, as net/http.ServeContent does.
	stale := ifRange != "" && ifRange != `"`+etag+`"`
	if rangeHeader != "" && !s.noRanges && !stale {
		var err error
		start, end, err = parseRange(rangeHeader, int64(len(data)))
		if err != nil {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		partial = true
	}

	s.mu.Lock()
	s.ranges = append(s.ranges, rangeHeader)
	if ifRange != "" {
		s.ifRanges = append(s.ifRanges, ifRange)
	}
	s.attempts[start]++
	attempt := s.attempts[start]
	s.mu.Unlock()

	if s.delay != nil {
		if d := s.delay(start, attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
	}

	body := data[start : end+1]
	if !s.chunked {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if s.cut != nil {
		if n := s.cut(start, attempt); n >= 0 && n < int64(len(body)) {
			w.Write(body[:n])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
	}
	if s.stall != nil {
		if n := s.stall(start, attempt); n >= 0 && n < int64(len(body)) {
			w.Write(body[:n])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
	}
	w.Write(body)
}

func parseRange(header string, size int64) (int64, int64, error) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad range %q", header)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end := size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	return start, end, nil
}

// Data returns n deterministic bytes.
func Data(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// Equal reports whether two payloads match, for use in require.True with a
// short failure message instead of a full byte dump.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// NewTestLogger creates a logger that writes to t.Log.
func NewTestLogger(t testing.TB) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// NopLogger returns a logger that discards everything.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}
