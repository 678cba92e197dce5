// Package fs is the filesystem core: mounting, the directory tree, and the
// copy-on-write file engine, glued over the metadata pair and CTZ skip-list
// layers. Every mutating operation is committed before it returns, so a
// mounted filesystem never has dirty state to flush.
package fs

import (
	"fmt"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/alloc"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/ctz"
	"github.com/dargueta/flashfs/metapair"
)

// DefaultLookahead is the default allocator window size, in blocks. It caps
// the allocator's RAM use at DefaultLookahead/8 bytes regardless of device
// size.
const DefaultLookahead = 128

// superblockPair and the initial root pair live at fixed locations so mount
// can find them without any other state.
var superblockPair = metapair.Pair{0, 1}
var initialRootPair = metapair.Pair{2, 3}

// minBlockCount: superblock pair, root pair, and at least one block of data.
const minBlockCount = 5

// FS is a mounted filesystem instance.
//
// FS performs no internal locking. It assumes a single logical writer;
// callers sharing an instance across goroutines must serialize all access,
// including reads, with their own mutual exclusion.
var _ flashfs.FileSystem = (*FS)(nil)

type FS struct {
	dev       blockdev.Device
	geo       blockdev.Geometry
	super     *metapair.State
	rootPair  metapair.Pair
	allocator *alloc.Allocator
	version   uint32
	mounted   bool
	readonly  bool

	// pending holds blocks handed out by the allocator that no committed
	// structure references yet. They're reported as live during traversal so
	// the allocator can't issue them twice, and cleared once the commit that
	// references them lands (or the operation fails and abandons them).
	pending map[blockdev.BlockID]bool
}

// Format writes a fresh, empty filesystem to the device: the superblock pair
// at blocks {0,1} and an empty root directory at {2,3}. Any previous
// contents are ignored.
func Format(dev blockdev.Device) error {
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return err
	}
	if geo.BlockCount < minBlockCount {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device has %d blocks, formatting needs at least %d",
				geo.BlockCount,
				minBlockCount))
	}

	_, err := metapair.Init(dev, initialRootPair, nil)
	if err != nil {
		return err
	}

	super := superblockEntry{
		Version:    Version,
		BlockSize:  geo.BlockSize,
		BlockCount: geo.BlockCount,
		RootPair:   initialRootPair,
	}
	_, err = metapair.Init(dev, superblockPair, []metapair.Entry{super.encode()})
	return err
}

// Mount reads and validates the superblock, runs crash recovery for any
// interrupted rename, and returns a handle for filesystem operations.
func Mount(dev blockdev.Device) (*FS, error) {
	return mount(dev, false)
}

// MountReadOnly mounts without ever writing to the device. Mutating
// operations fail with [flashfs.ErrReadOnlyFileSystem]. Crash recovery is
// skipped, so an interrupted rename can remain visible under its old name
// until a writable mount repairs it.
func MountReadOnly(dev blockdev.Device) (*FS, error) {
	return mount(dev, true)
}

func mount(dev blockdev.Device, readonly bool) (*FS, error) {
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	superState, err := metapair.ReadCurrent(dev, superblockPair)
	if err != nil {
		return nil, err
	}

	var super superblockEntry
	found := false
	for _, entry := range superState.Entries {
		if tagType(entry.Tag) == tagSuperblock {
			super, err = parseSuperblock(entry)
			if err != nil {
				return nil, err
			}
			found = true
			break
		}
	}
	if !found {
		return nil, flashfs.ErrInvalidFileSystem.WithMessage(
			"no superblock record in the superblock pair")
	}

	if super.Version != Version {
		return nil, flashfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"on-disk version %#08x, this build supports %#08x",
				super.Version,
				Version))
	}
	if super.BlockSize != geo.BlockSize || super.BlockCount > geo.BlockCount {
		return nil, flashfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"formatted for %d blocks of %d bytes, device has %d of %d",
				super.BlockCount,
				super.BlockSize,
				geo.BlockCount,
				geo.BlockSize))
	}

	allocator, err := alloc.New(DefaultLookahead, super.BlockCount)
	if err != nil {
		return nil, err
	}

	filesystem := &FS{
		dev:       dev,
		geo:       geo,
		super:     superState,
		rootPair:  super.RootPair,
		allocator: allocator,
		version:   super.Version,
		mounted:   true,
		readonly:  readonly,
		pending:   map[blockdev.BlockID]bool{},
	}

	if !readonly {
		if err := filesystem.recoverMoves(); err != nil {
			return nil, err
		}
	}
	return filesystem, nil
}

// Unmount invalidates the handle. There is nothing to flush: every completed
// operation already committed.
func (filesystem *FS) Unmount() error {
	if !filesystem.mounted {
		return flashfs.ErrInvalidHandle
	}
	filesystem.mounted = false
	filesystem.allocator = nil
	filesystem.pending = nil
	return nil
}

func (filesystem *FS) checkMounted() error {
	if !filesystem.mounted {
		return flashfs.ErrInvalidHandle
	}
	return nil
}

func (filesystem *FS) checkWritable() error {
	if err := filesystem.checkMounted(); err != nil {
		return err
	}
	if filesystem.readonly {
		return flashfs.ErrReadOnlyFileSystem
	}
	return nil
}

// FSStat implements [flashfs.ReadingFileSystem].
func (filesystem *FS) FSStat() flashfs.FSStat {
	return flashfs.FSStat{
		BlockSize:   filesystem.geo.BlockSize,
		TotalBlocks: filesystem.geo.BlockCount,
		Version:     filesystem.version,
	}
}

// Traverse calls fn once for every block referenced by a committed
// structure: the superblock pair, every directory pair, and every file data
// block. This reachability walk is the authoritative free/used state; the
// allocator is only a cache over it.
func (filesystem *FS) Traverse(fn func(blockdev.BlockID) error) error {
	for _, block := range superblockPair {
		if err := fn(block); err != nil {
			return err
		}
	}

	stack := []metapair.Pair{filesystem.rootPair}
	for len(stack) > 0 {
		pair := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		chain, err := filesystem.readChain(pair)
		if err != nil {
			return err
		}
		for _, state := range chain {
			for _, block := range state.Pair {
				if err := fn(block); err != nil {
					return err
				}
			}
			for _, entry := range state.Entries {
				switch tagType(entry.Tag) {
				case tagFile:
					ent, err := parseDirent(entry)
					if err != nil {
						return err
					}
					err = ctz.Traverse(filesystem.dev, ent.List, fn)
					if err != nil {
						return err
					}
				case tagDirectory:
					ent, err := parseDirent(entry)
					if err != nil {
						return err
					}
					stack = append(stack, ent.Pair)
				}
			}
		}
	}
	return nil
}

// traverseWithPending extends Traverse with blocks allocated by the current
// operation but not yet committed anywhere.
func (filesystem *FS) traverseWithPending(fn func(blockdev.BlockID) error) error {
	for block := range filesystem.pending {
		if err := fn(block); err != nil {
			return err
		}
	}
	return filesystem.Traverse(fn)
}

// allocateBlock takes one free block and pins it in the pending set until
// the operation commits or aborts.
func (filesystem *FS) allocateBlock() (blockdev.BlockID, error) {
	block, err := filesystem.allocator.Allocate(filesystem.traverseWithPending)
	if err != nil {
		return 0, err
	}
	filesystem.pending[block] = true
	return block, nil
}

// allocatePair takes two free blocks for a new metadata pair.
func (filesystem *FS) allocatePair() (metapair.Pair, error) {
	a, err := filesystem.allocateBlock()
	if err != nil {
		return metapair.Pair{}, err
	}
	b, err := filesystem.allocateBlock()
	if err != nil {
		return metapair.Pair{}, err
	}
	return metapair.Pair{a, b}, nil
}

// finishOperation clears the pending set. On failure the pending blocks are
// simply abandoned: nothing references them, so the next allocator rebuild
// sees them as free again.
func (filesystem *FS) finishOperation(failed bool) {
	for block := range filesystem.pending {
		delete(filesystem.pending, block)
	}
	if failed {
		filesystem.allocator.Invalidate()
	}
}
