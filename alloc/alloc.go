// Package alloc implements the lookahead block allocator. There is no
// on-disk free list: a block is free exactly when nothing reachable from the
// directory tree references it. The allocator scans a bounded window of the
// block address space against a traversal of the live tree, trading scan
// time for a RAM footprint that doesn't grow with device size.
package alloc

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
)

// Traverser walks every live block reference in the filesystem, calling the
// callback once per referenced block. Blocks may be reported more than once.
type Traverser func(fn func(blockdev.BlockID) error) error

// Allocator hands out free blocks from a sliding lookahead window. The
// window is a cache and never authoritative; it's rebuilt from a tree
// traversal whenever it's exhausted or invalidated.
//
// Blocks handed out are pinned in the current window, but a rebuild only
// knows what the traversal reports. Callers holding allocated-but-uncommitted
// blocks must report them through the traversal (the filesystem does this
// with its pending set) or they can be issued again after the window slides.
type Allocator struct {
	// window bits are set for blocks that are either live or already handed
	// out. Bit i covers block (start + i) % totalBlocks.
	window      bitmap.Bitmap
	windowSize  uint32
	totalBlocks uint32
	start       uint32
	// cursor is the next window bit to examine.
	cursor uint32
	// populated is false when the window contents are stale and must be
	// rebuilt before use, e.g. after mount or Invalidate.
	populated bool
}

// New creates an allocator covering a device of `totalBlocks` blocks with a
// lookahead window of `windowSize` blocks. The window size is a RAM/scan
// tradeoff and is independent of the device size.
func New(windowSize, totalBlocks uint32) (*Allocator, error) {
	if windowSize == 0 || totalBlocks == 0 {
		return nil, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"window size (%d) and block count (%d) must be nonzero",
				windowSize,
				totalBlocks))
	}
	if windowSize > totalBlocks {
		windowSize = totalBlocks
	}
	return &Allocator{
		window:      bitmap.New(int(windowSize)),
		windowSize:  windowSize,
		totalBlocks: totalBlocks,
	}, nil
}

// Invalidate marks the window stale. Call after anything that releases
// blocks (remove, truncate, failed operation rollback) so freed blocks
// become visible to the next scan.
func (a *Allocator) Invalidate() {
	a.populated = false
}

// blockAt maps a window bit to its block index.
func (a *Allocator) blockAt(bit uint32) blockdev.BlockID {
	return blockdev.BlockID((a.start + bit) % a.totalBlocks)
}

// rebuild repopulates the window at the current start position from a tree
// traversal.
func (a *Allocator) rebuild(traverse Traverser) error {
	for i := uint32(0); i < a.windowSize; i++ {
		a.window.Set(int(i), false)
	}

	err := traverse(func(block blockdev.BlockID) error {
		if uint32(block) >= a.totalBlocks {
			return flashfs.ErrCorrupted.WithMessage(
				fmt.Sprintf(
					"live reference to block %d on a %d-block device",
					block,
					a.totalBlocks))
		}
		// Window-relative index, accounting for wraparound.
		relative := (uint32(block) + a.totalBlocks - a.start) % a.totalBlocks
		if relative < a.windowSize {
			a.window.Set(int(relative), true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.cursor = 0
	a.populated = true
	return nil
}

// Allocate returns one free block, rebuilding and advancing the window as
// needed. It fails with a no-space error only after a full sweep of the
// device found nothing free.
func (a *Allocator) Allocate(traverse Traverser) (blockdev.BlockID, error) {
	// Enough window advances to cover the whole device, plus one because the
	// current window may have been partially consumed.
	windowsPerSweep := (a.totalBlocks+a.windowSize-1)/a.windowSize + 1

	for scanned := uint32(0); scanned <= windowsPerSweep; scanned++ {
		if !a.populated {
			if err := a.rebuild(traverse); err != nil {
				return 0, err
			}
		}

		for a.cursor < a.windowSize {
			bit := a.cursor
			a.cursor++
			if !a.window.Get(int(bit)) {
				a.window.Set(int(bit), true)
				return a.blockAt(bit), nil
			}
		}

		// Window exhausted; slide it forward and rescan.
		a.start = (a.start + a.windowSize) % a.totalBlocks
		a.populated = false
	}

	return 0, flashfs.ErrNoSpaceOnDevice.WithMessage(
		fmt.Sprintf("no free blocks in any of %d", a.totalBlocks))
}

// AllocatePair returns two free blocks for a new metadata pair.
func (a *Allocator) AllocatePair(traverse Traverser) ([2]blockdev.BlockID, error) {
	var pair [2]blockdev.BlockID
	for i := range pair {
		block, err := a.Allocate(traverse)
		if err != nil {
			return pair, err
		}
		pair[i] = block
	}
	return pair, nil
}
