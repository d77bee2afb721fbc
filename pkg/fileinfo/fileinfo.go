// pkg/fileinfo/fileinfo.go
package fileinfo

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// UnknownSize marks a resource whose length the server did not announce
// (chunked transfer encoding, or a missing Content-Length).
const UnknownSize int64 = -1

// Info is what a trial connection learns about a remote resource without
// downloading its body.
type Info struct {
	Size          int64
	AcceptsRanges bool
	ETag          string
	WeakETag      bool
	LastModified  string
	StatusCode    int
	Header        http.Header
}

// Chunked reports whether the length of the resource is unknown.
func (i *Info) Chunked() bool {
	return i.Size < 0
}

// FromResponse builds an Info from the status and headers of a HEAD reply or
// of a "Range: bytes=0-0" trial GET.
func FromResponse(statusCode int, header http.Header, contentLength int64) (*Info, error) {
	info := &Info{
		Size:         UnknownSize,
		ETag:         CleanETag(header.Get("ETag")),
		WeakETag:     strings.HasPrefix(header.Get("ETag"), "W/"),
		LastModified: header.Get("Last-Modified"),
		StatusCode:   statusCode,
		Header:       header.Clone(),
	}

	switch statusCode {
	case http.StatusPartialContent:
		// The trial GET asked for one byte; the total sits in Content-Range.
		_, _, total, err := ParseContentRange(header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		info.Size = total
		info.AcceptsRanges = true
	case http.StatusOK:
		if contentLength >= 0 {
			info.Size = contentLength
		} else if cl := header.Get("Content-Length"); cl != "" {
			size, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid content length: %w", err)
			}
			info.Size = size
		}
		info.AcceptsRanges = strings.EqualFold(header.Get("Accept-Ranges"), "bytes")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", statusCode)
	}

	if strings.EqualFold(header.Get("Transfer-Encoding"), "chunked") {
		info.Size = UnknownSize
	}
	// A range of unknown length cannot be split.
	if info.Size < 0 {
		info.AcceptsRanges = false
	}
	return info, nil
}

// CleanETag strips the weak prefix and quotes from an ETag value.
func CleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// IfRange returns the If-Range value that makes a server answer a ranged
// request only while the resource still matches etag or lastModified. Weak
// ETags never match If-Range, so they yield an empty value.
func IfRange(etag string, weak bool, lastModified string) string {
	switch {
	case etag != "" && !weak:
		return `"` + etag + `"`
	case etag == "" && lastModified != "":
		return lastModified
	default:
		return ""
	}
}

// ParseContentRange parses a Content-Range header value of the form
// "bytes start-end/total". Total is -1 when the server sent "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		return start, end, UnknownSize, nil
	}
	total, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
