// Package planner splits a resource into byte-range blocks.
package planner

import "github.com/Slade66/resumable-fetcher/internal/breakpoint"

// DefaultMaxBlocks is used when the caller does not choose a block cap.
const DefaultMaxBlocks = 4

// Options tunes the split.
type Options struct {
	// MaxBlocks caps the number of blocks. Zero means DefaultMaxBlocks.
	MaxBlocks int

	// MinBlockSize keeps blocks from getting smaller than this many bytes.
	// Zero disables the limit.
	MinBlockSize int64
}

// BlockCount returns how many blocks a resource of totalLength bytes is
// split into. It never exceeds totalLength, so no block is empty.
func BlockCount(totalLength int64, opts Options) int {
	if totalLength <= 0 {
		return 1
	}
	n := int64(opts.MaxBlocks)
	if n <= 0 {
		n = DefaultMaxBlocks
	}
	if opts.MinBlockSize > 0 {
		if bySize := totalLength / opts.MinBlockSize; bySize < n {
			n = bySize
		}
	}
	if n > totalLength {
		n = totalLength
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// Plan partitions [0, totalLength) into contiguous blocks of nearly equal
// size; the last block takes the remainder. An empty resource has no blocks. Without range support, or when
// the length is unknown, the whole resource is one block.
func Plan(totalLength int64, supportsRange bool, opts Options) []breakpoint.Block {
	if totalLength < 0 {
		return []breakpoint.Block{breakpoint.NewBlock(0, -1)}
	}
	if totalLength == 0 {
		return nil
	}
	if !supportsRange {
		return []breakpoint.Block{breakpoint.NewBlock(0, totalLength-1)}
	}

	count := BlockCount(totalLength, opts)
	size := totalLength / int64(count)
	blocks := make([]breakpoint.Block, 0, count)
	for i := 0; i < count; i++ {
		left := int64(i) * size
		right := left + size - 1
		if i == count-1 {
			right = totalLength - 1
		}
		blocks = append(blocks, breakpoint.NewBlock(left, right))
	}
	return blocks
}
