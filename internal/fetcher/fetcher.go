// Package fetcher streams one block of a resource into the destination file.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Slade66/resumable-fetcher/internal/breakpoint"
	"github.com/Slade66/resumable-fetcher/internal/cause"
	"github.com/Slade66/resumable-fetcher/internal/client"
	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
)

var (
	// ErrBlockIncomplete means the server closed the body before the block
	// was complete. The bytes received so far are kept.
	ErrBlockIncomplete = errors.New("fetcher: connection closed before block end")

	// ErrRangeIgnored means the server answered a ranged request with bytes
	// from another offset.
	ErrRangeIgnored = errors.New("fetcher: server ignored range request")

	// ErrStalled means no bytes arrived within the stall timeout.
	ErrStalled = errors.New("fetcher: connection stalled")

	// ErrResourceChanged matches every *ChangedError.
	ErrResourceChanged = errors.New("fetcher: resource changed")
)

// ChangedError means a block reply belongs to another version of the
// resource than the one the breakpoint was planned for. Nothing of that
// reply is written.
type ChangedError struct {
	Cause cause.ResumeFailedCause
}

func (e *ChangedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrResourceChanged, e.Cause)
}

func (e *ChangedError) Is(target error) bool {
	return target == ErrResourceChanged
}

// WriteError wraps a failure of the destination file.
type WriteError struct {
	Offset int64
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write at offset %d: %v", e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Events receives the per-block lifecycle. The listener Dispatcher
// implements it.
type Events interface {
	ConnectStart(block int, header http.Header)
	ConnectEnd(block int, code int, header http.Header)
	FetchStart(block int, contentLength int64)
	// FetchProgress reports the bytes of the block now on disk.
	FetchProgress(block int, written int64)
	FetchEnd(block int, contentLength int64)
}

// Options tunes a fetch.
type Options struct {
	// BufferSize is the size of one read. Default: 32 KiB.
	BufferSize int

	// StallTimeout aborts the connection when no bytes arrive for this
	// long. Zero disables it.
	StallTimeout time.Duration
}

// DefaultOptions returns the options the scheduler starts from.
func DefaultOptions() Options {
	return Options{
		BufferSize:   32 * 1024,
		StallTimeout: 30 * time.Second,
	}
}

// Fetch downloads block idx of info from its current offset to its right
// bound, writing each chunk at its file offset before advancing the block.
// Cancellation of ctx is observed between chunks.
func Fetch(ctx context.Context, tr client.Transport, url string, idx int, info *breakpoint.Info, out io.WriterAt, ev Events, opts Options) error {
	b := info.Block(idx)
	if b.Done() {
		return nil
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var stall *time.Timer
	if opts.StallTimeout > 0 {
		stall = time.AfterFunc(opts.StallTimeout, func() { cancel(ErrStalled) })
		defer stall.Stop()
	}

	var ifRange string
	if info.SupportsRange {
		ifRange = fileinfo.IfRange(info.ETag, info.WeakETag, info.LastModified)
	}
	reqHeader := http.Header{}
	reqHeader.Set("Range", rangeHeader(b))
	if ifRange != "" {
		reqHeader.Set("If-Range", ifRange)
	}
	ev.ConnectStart(idx, reqHeader)

	resp, err := tr.RangedGet(connCtx, url, b.CurrentOffset, b.RangeRight, ifRange)
	if err != nil {
		var se *client.StatusError
		if errors.As(err, &se) && se.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("block %d: %w", idx, &ChangedError{Cause: validatorCause(info)})
		}
		return connErr(ctx, connCtx, fmt.Errorf("connect block %d: %w", idx, err))
	}
	defer resp.Body.Close()

	ev.ConnectEnd(idx, resp.StatusCode, resp.Header)

	if err := checkRange(resp, b, info, ifRange != ""); err != nil {
		return fmt.Errorf("block %d: %w", idx, err)
	}

	ev.FetchStart(idx, resp.ContentLength)

	buf := make([]byte, opts.BufferSize)
	offset := b.CurrentOffset
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if stall != nil {
				stall.Reset(opts.StallTimeout)
			}
			if b.RangeRight >= 0 && offset+int64(n) > b.RangeRight+1 {
				// Never write into a neighbour's range.
				n = int(b.RangeRight + 1 - offset)
			}
			if _, err := out.WriteAt(buf[:n], offset); err != nil {
				return &WriteError{Offset: offset, Err: err}
			}
			next, err := info.Advance(idx, int64(n))
			if err != nil {
				return fmt.Errorf("block %d: %w", idx, err)
			}
			offset = next
			ev.FetchProgress(idx, next-b.RangeLeft)

			if b.RangeRight >= 0 && offset > b.RangeRight {
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return connErr(ctx, connCtx, fmt.Errorf("read block %d: %w", idx, rerr))
		}
	}

	if b.RangeRight >= 0 && offset <= b.RangeRight {
		return fmt.Errorf("block %d at offset %d: %w", idx, offset, ErrBlockIncomplete)
	}

	ev.FetchEnd(idx, resp.ContentLength)
	return nil
}

func rangeHeader(b breakpoint.Block) string {
	if b.RangeRight < 0 {
		return fmt.Sprintf("bytes=%d-", b.CurrentOffset)
	}
	return fmt.Sprintf("bytes=%d-%d", b.CurrentOffset, b.RangeRight)
}

// checkRange makes sure the reply is the expected slice of the same
// resource the breakpoint was planned for.
func checkRange(resp *client.Response, b breakpoint.Block, info *breakpoint.Info, conditional bool) error {
	if c := changed(resp, info); c != cause.None {
		return &ChangedError{Cause: c}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if conditional {
			// The server dropped the range because the validator no longer
			// matches.
			return &ChangedError{Cause: validatorCause(info)}
		}
		if b.CurrentOffset != 0 {
			return ErrRangeIgnored
		}
	case http.StatusPartialContent:
		start, _, _, err := fileinfo.ParseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && start != b.CurrentOffset {
			return ErrRangeIgnored
		}
	}
	return nil
}

// changed compares the validators and length of a reply with the breakpoint.
func changed(resp *client.Response, info *breakpoint.Info) cause.ResumeFailedCause {
	if etag := fileinfo.CleanETag(resp.Header.Get("ETag")); etag != "" && info.ETag != "" && etag != info.ETag {
		return cause.ETagChanged
	}
	if info.ETag == "" && info.LastModified != "" {
		if lm := resp.Header.Get("Last-Modified"); lm != "" && lm != info.LastModified {
			return cause.LastModifiedChanged
		}
	}
	if info.TotalLength < 0 {
		return cause.None
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := fileinfo.ParseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && total >= 0 && total != info.TotalLength {
			return cause.ContentLengthChanged
		}
	case http.StatusOK:
		if resp.ContentLength >= 0 && resp.ContentLength != info.TotalLength {
			return cause.ContentLengthChanged
		}
	}
	return cause.None
}

func validatorCause(info *breakpoint.Info) cause.ResumeFailedCause {
	if info.ETag != "" {
		return cause.ETagChanged
	}
	return cause.LastModifiedChanged
}

// connErr replaces a network error caused by the stall timer with
// ErrStalled and surfaces cancellation of the parent context as is.
func connErr(parent, conn context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(context.Cause(conn), ErrStalled) {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	return err
}

// IsTransient reports whether a failed fetch may succeed when retried from
// the block's current offset.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStalled) {
		return true
	}
	// Dial and response header timeouts also match context.DeadlineExceeded;
	// the caller checks its own context before asking.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var we *WriteError
	if errors.As(err, &we) {
		return false
	}
	if errors.Is(err, ErrResourceChanged) || errors.Is(err, ErrRangeIgnored) || errors.Is(err, client.ErrNotFound) || errors.Is(err, breakpoint.ErrOffsetOutOfRange) {
		return false
	}

	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}

	// Short bodies, resets, timeouts and refused connections.
	return true
}
