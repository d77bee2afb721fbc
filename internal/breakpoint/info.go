package breakpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Slade66/resumable-fetcher/pkg/fileinfo"
	"github.com/Slade66/resumable-fetcher/pkg/task"
)

// Block is one contiguous byte range of the resource.
//
// RangeRight is inclusive; it is -1 for the single open-ended block of a
// resource whose length is unknown. CurrentOffset is the absolute file
// position of the next byte to write.
type Block struct {
	RangeLeft     int64 `json:"range_left"`
	RangeRight    int64 `json:"range_right"`
	CurrentOffset int64 `json:"current_offset"`
}

// NewBlock returns a block that has not written anything yet.
func NewBlock(left, right int64) Block {
	return Block{RangeLeft: left, RangeRight: right, CurrentOffset: left}
}

// ContentLength is the size of the range, or -1 when open-ended.
func (b Block) ContentLength() int64 {
	if b.RangeRight < 0 {
		return -1
	}
	return b.RangeRight - b.RangeLeft + 1
}

// Written is how many bytes of the range are already on disk.
func (b Block) Written() int64 {
	return b.CurrentOffset - b.RangeLeft
}

// Remaining is how many bytes are still missing, or -1 when open-ended.
func (b Block) Remaining() int64 {
	if b.RangeRight < 0 {
		return -1
	}
	return b.RangeRight + 1 - b.CurrentOffset
}

// Done reports whether every byte of a bounded range has been written.
func (b Block) Done() bool {
	return b.RangeRight >= 0 && b.CurrentOffset > b.RangeRight
}

func (b Block) String() string {
	return fmt.Sprintf("[%d-%d]@%d", b.RangeLeft, b.RangeRight, b.CurrentOffset)
}

// Info is the resume record of one task.
//
// Fetchers change offsets only through Advance and ResetBlock; every other
// reader works on a Snapshot. The mutex is the single writer discipline for
// the record.
type Info struct {
	TaskID        uuid.UUID `json:"task_id"`
	URL           string    `json:"url"`
	Path          string    `json:"path"`
	ETag          string    `json:"etag,omitempty"`
	WeakETag      bool      `json:"weak_etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	TotalLength   int64     `json:"total_length"`
	SupportsRange bool      `json:"supports_range"`
	Blocks        []Block   `json:"blocks"`
	UpdatedAt     time.Time `json:"updated_at"`

	mu sync.Mutex
}

// ErrOffsetOutOfRange is returned when an update would move a block outside
// its range.
var ErrOffsetOutOfRange = errors.New("breakpoint: offset out of block range")

// NewInfo builds a fresh record for t from a probe result and planned blocks.
func NewInfo(t *task.DownloadTask, probe *fileinfo.Info, blocks []Block) *Info {
	return &Info{
		TaskID:        t.ID,
		URL:           t.URL,
		Path:          t.OutputPath,
		ETag:          probe.ETag,
		WeakETag:      probe.WeakETag,
		LastModified:  probe.LastModified,
		TotalLength:   probe.Size,
		SupportsRange: probe.AcceptsRanges,
		Blocks:        append([]Block(nil), blocks...),
		UpdatedAt:     time.Now().UTC(),
	}
}

// Chunked reports whether the resource length is unknown.
func (i *Info) Chunked() bool {
	return i.TotalLength < 0
}

// BlockCount returns the number of blocks.
func (i *Info) BlockCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.Blocks)
}

// Block returns a copy of block idx.
func (i *Info) Block(idx int) Block {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Blocks[idx]
}

// Advance moves block idx forward by n written bytes and returns the new
// offset. Offsets never move backwards here.
func (i *Info) Advance(idx int, n int64) (int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if idx < 0 || idx >= len(i.Blocks) {
		return 0, fmt.Errorf("breakpoint: block %d does not exist", idx)
	}
	if n < 0 {
		return 0, ErrOffsetOutOfRange
	}
	b := &i.Blocks[idx]
	next := b.CurrentOffset + n
	if b.RangeRight >= 0 && next > b.RangeRight+1 {
		return b.CurrentOffset, ErrOffsetOutOfRange
	}
	b.CurrentOffset = next
	return next, nil
}

// ResetBlock rewinds block idx to its left bound. It is only used when the
// server cannot serve the remainder of a range and the block must be
// downloaded again.
func (i *Info) ResetBlock(idx int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Blocks[idx].CurrentOffset = i.Blocks[idx].RangeLeft
}

// TotalOffset is the number of bytes written across all blocks.
func (i *Info) TotalOffset() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	var sum int64
	for _, b := range i.Blocks {
		sum += b.Written()
	}
	return sum
}

// MaxOffset is the furthest file position any block has written to.
func (i *Info) MaxOffset() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	var max int64
	for _, b := range i.Blocks {
		if b.Written() > 0 && b.CurrentOffset > max {
			max = b.CurrentOffset
		}
	}
	return max
}

// Snapshot returns a deep copy that is safe to read, persist or hand to a
// listener while fetchers keep running.
func (i *Info) Snapshot() *Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return &Info{
		TaskID:        i.TaskID,
		URL:           i.URL,
		Path:          i.Path,
		ETag:          i.ETag,
		WeakETag:      i.WeakETag,
		LastModified:  i.LastModified,
		TotalLength:   i.TotalLength,
		SupportsRange: i.SupportsRange,
		Blocks:        append([]Block(nil), i.Blocks...),
		UpdatedAt:     i.UpdatedAt,
	}
}

// Touch stamps the record before it is persisted.
func (i *Info) Touch() {
	i.mu.Lock()
	i.UpdatedAt = time.Now().UTC()
	i.mu.Unlock()
}

// Check verifies the block layout: contiguous, non-overlapping, covering
// [0, TotalLength), and every offset inside its range.
func (i *Info) Check() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.Blocks) == 0 {
		if i.TotalLength == 0 {
			return nil
		}
		return errors.New("breakpoint: no blocks")
	}
	var next int64
	for idx, b := range i.Blocks {
		if b.RangeLeft != next {
			return fmt.Errorf("breakpoint: block %d starts at %d, want %d", idx, b.RangeLeft, next)
		}
		if b.CurrentOffset < b.RangeLeft {
			return fmt.Errorf("breakpoint: block %d offset %d before range", idx, b.CurrentOffset)
		}
		if b.RangeRight < 0 {
			if len(i.Blocks) != 1 || i.TotalLength >= 0 {
				return fmt.Errorf("breakpoint: block %d is open-ended", idx)
			}
			return nil
		}
		if b.RangeRight < b.RangeLeft {
			return fmt.Errorf("breakpoint: block %d is empty", idx)
		}
		if b.CurrentOffset > b.RangeRight+1 {
			return fmt.Errorf("breakpoint: block %d offset %d past range", idx, b.CurrentOffset)
		}
		next = b.RangeRight + 1
	}
	if next != i.TotalLength {
		return fmt.Errorf("breakpoint: blocks cover %d bytes, want %d", next, i.TotalLength)
	}
	return nil
}

func (i *Info) String() string {
	s := i.Snapshot()
	return fmt.Sprintf("task[%s] url[%s] path[%s] etag[%s] total[%d] blocks%v", s.TaskID, s.URL, s.Path, s.ETag, s.TotalLength, s.Blocks)
}
