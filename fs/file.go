package fs

import (
	"fmt"
	"io"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/ctz"
)

// buildList is the copy-on-write write path. It produces a new CTZ list
// whose first `keep` bytes are shared with `old` by reference and whose
// remainder is `data`, written to freshly allocated blocks. Nothing in `old`
// is modified or erased; a crash anywhere in here leaves the old list fully
// intact and only orphans the new blocks.
func (filesystem *FS) buildList(old ctz.List, keep uint32, data []byte) (ctz.List, error) {
	if keep > old.Size {
		return ctz.List{}, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cannot keep %d bytes of a %d-byte file", keep, old.Size))
	}
	newSize := uint64(keep) + uint64(len(data))
	if newSize > uint64(^uint32(0)) {
		return ctz.List{}, flashfs.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d bytes", newSize))
	}
	if newSize == 0 {
		return ctz.List{}, nil
	}

	geo := filesystem.geo
	oldHeadPosition := uint32(0)
	if old.Size > 0 {
		oldHeadPosition = ctz.PositionCount(geo, old.Size) - 1
	}

	// Pure shrink: the retained prefix's last block becomes the head as-is.
	// Its bytes past `keep` are stale but unreachable, because reads clamp
	// to the list size.
	if len(data) == 0 {
		tailPosition, _ := ctz.Locate(geo, keep-1)
		head, _, err := ctz.BlockAt(
			filesystem.dev, old.Head, oldHeadPosition, tailPosition)
		if err != nil {
			return ctz.List{}, err
		}
		return ctz.List{Head: head, Size: keep}, nil
	}

	// First modified position and how much of its data region is retained.
	position, inBlock := ctz.Locate(geo, keep)

	// The retained fragment of the boundary block has to be physically
	// copied into the new block; everything before it is shared by
	// reference through the pointer table.
	stream := data
	if inBlock > 0 {
		prefix := make([]byte, inBlock)
		n, err := ctz.ReadAt(filesystem.dev, old, prefix, keep-inBlock)
		if err != nil {
			return ctz.List{}, err
		}
		if uint32(n) != inBlock {
			return ctz.List{}, flashfs.ErrCorrupted.WithMessage(
				fmt.Sprintf("short read rebuilding block at position %d", position))
		}
		stream = append(prefix, data...)
	}

	var prev blockdev.BlockID
	if position > 0 {
		var err error
		prev, _, err = ctz.BlockAt(
			filesystem.dev, old.Head, oldHeadPosition, position-1)
		if err != nil {
			return ctz.List{}, err
		}
	}

	for len(stream) > 0 {
		capacity := ctz.Capacity(geo, position)
		chunk := stream
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}

		var ptrs []blockdev.BlockID
		if position > 0 {
			var err error
			ptrs, err = ctz.NextPointers(filesystem.dev, prev, position-1)
			if err != nil {
				return ctz.List{}, err
			}
		}
		raw, err := ctz.Assemble(geo, position, chunk, ptrs)
		if err != nil {
			return ctz.List{}, err
		}

		block, err := filesystem.allocateBlock()
		if err != nil {
			return ctz.List{}, err
		}
		if err = filesystem.dev.Erase(block); err != nil {
			return ctz.List{}, flashfs.CastToError(err)
		}
		if err = filesystem.dev.Program(block, 0, raw); err != nil {
			return ctz.List{}, flashfs.CastToError(err)
		}

		prev = block
		position++
		stream = stream[len(chunk):]
	}

	return ctz.List{Head: prev, Size: uint32(newSize)}, nil
}

// commitList makes a new list the visible contents of the file at `path`
// with a single metadata commit.
func (filesystem *FS) commitList(path string, list ctz.List) error {
	location, err := filesystem.locate(path)
	if err != nil {
		return err
	}
	if location.ent.Kind != flashfs.KindFile {
		return flashfs.ErrIsADirectory.WithMessage(path)
	}

	updated := location.ent
	updated.List = list
	if err = filesystem.replaceEntry(location, updated); err != nil {
		return err
	}
	// The old version's unshared blocks just became unreferenced.
	filesystem.allocator.Invalidate()
	return nil
}

// ReadFile implements [flashfs.ReadingFileSystem].
func (filesystem *FS) ReadFile(path string) ([]byte, error) {
	if err := filesystem.checkMounted(); err != nil {
		return nil, err
	}

	location, err := filesystem.locate(path)
	if err != nil {
		return nil, err
	}
	if location.ent.Kind != flashfs.KindFile {
		return nil, flashfs.ErrIsADirectory.WithMessage(path)
	}

	contents := make([]byte, location.ent.List.Size)
	n, err := ctz.ReadAt(filesystem.dev, location.ent.List, contents, 0)
	if err != nil {
		return nil, err
	}
	return contents[:n], nil
}

// WriteFile implements [flashfs.WritingFileSystem]: it creates or replaces
// the file at `path` with `data` as one logical operation. The new contents
// become visible in a single commit; until then the old contents stay
// intact, so a crash leaves the file either fully old or fully new.
func (filesystem *FS) WriteFile(path string, data []byte) error {
	if err := filesystem.checkWritable(); err != nil {
		return err
	}
	failed := true
	defer func() { filesystem.finishOperation(failed) }()

	parentPair, name, err := filesystem.resolveParent(path)
	if err != nil {
		return err
	}
	if err = checkName(name); err != nil {
		return err
	}

	states, err := filesystem.readChain(parentPair)
	if err != nil {
		return err
	}
	location, exists, err := states.findEntry(name)
	if err != nil {
		return err
	}
	if exists && location.ent.Kind != flashfs.KindFile {
		return flashfs.ErrIsADirectory.WithMessage(path)
	}

	list, err := filesystem.buildList(ctz.List{}, 0, data)
	if err != nil {
		return err
	}

	if exists {
		updated := location.ent
		updated.List = list
		err = filesystem.replaceEntry(location, updated)
		filesystem.allocator.Invalidate()
	} else {
		err = filesystem.addEntry(parentPair, dirent{
			Name: name,
			Kind: flashfs.KindFile,
			List: list,
		})
	}
	if err != nil {
		return err
	}
	failed = false
	return nil
}

// Truncate implements [flashfs.WritingFileSystem]. Shrinking reuses the
// retained prefix without copying; growing zero-fills. Either way the
// length change is one commit and no unreferenced block is erased
// synchronously.
func (filesystem *FS) Truncate(path string, size uint32) error {
	if err := filesystem.checkWritable(); err != nil {
		return err
	}
	failed := true
	defer func() { filesystem.finishOperation(failed) }()

	location, err := filesystem.locate(path)
	if err != nil {
		return err
	}
	if location.ent.Kind != flashfs.KindFile {
		return flashfs.ErrIsADirectory.WithMessage(path)
	}

	old := location.ent.List
	if size == old.Size {
		failed = false
		return nil
	}

	var list ctz.List
	if size < old.Size {
		list, err = filesystem.buildList(old, size, nil)
	} else {
		list, err = filesystem.buildList(old, old.Size, make([]byte, size-old.Size))
	}
	if err != nil {
		return err
	}

	if err = filesystem.commitList(path, list); err != nil {
		return err
	}
	failed = false
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Streaming handle

// File is a cursor over one file. Reads are served straight from the block
// device; every Write or Truncate commits before returning, like the rest of
// the filesystem. The handle is invalid after Close or Unmount.
type File struct {
	filesystem *FS
	path       string
	list       ctz.List
	position   int64
	closed     bool
}

// Open returns a handle for an existing file.
func (filesystem *FS) Open(path string) (*File, error) {
	if err := filesystem.checkMounted(); err != nil {
		return nil, err
	}

	location, err := filesystem.locate(path)
	if err != nil {
		return nil, err
	}
	if location.ent.Kind != flashfs.KindFile {
		return nil, flashfs.ErrIsADirectory.WithMessage(path)
	}
	return &File{
		filesystem: filesystem,
		path:       normalizePath(path),
		list:       location.ent.List,
	}, nil
}

// Create makes an empty file (truncating any existing one) and returns a
// handle to it.
func (filesystem *FS) Create(path string) (*File, error) {
	if err := filesystem.WriteFile(path, nil); err != nil {
		return nil, err
	}
	return filesystem.Open(path)
}

func (file *File) check() error {
	if file.closed {
		return flashfs.ErrInvalidHandle
	}
	return file.filesystem.checkMounted()
}

// Size returns the current file size in bytes.
func (file *File) Size() uint32 {
	return file.list.Size
}

// Read implements io.Reader.
func (file *File) Read(buffer []byte) (int, error) {
	n, err := file.ReadAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt.
func (file *File) ReadAt(buffer []byte, offset int64) (int, error) {
	if err := file.check(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, flashfs.ErrInvalidArgument.WithMessage("negative offset")
	}
	if offset >= int64(file.list.Size) {
		return 0, io.EOF
	}

	n, err := ctz.ReadAt(file.filesystem.dev, file.list, buffer, uint32(offset))
	if err != nil {
		return n, err
	}
	if n < len(buffer) {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	if err := file.check(); err != nil {
		return 0, err
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = file.position + offset
	case io.SeekEnd:
		next = int64(file.list.Size) + offset
	default:
		return 0, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("bad whence %d", whence))
	}
	if next < 0 {
		return 0, flashfs.ErrInvalidArgument.WithMessage(
			"cannot seek before the start of the file")
	}
	file.position = next
	return next, nil
}

// Write writes at the cursor and commits the new file state before
// returning. Blocks before the write point are shared with the previous
// version; the write point onward is rewritten copy-on-write, including any
// retained suffix. Seeking past the end and writing zero-fills the gap.
func (file *File) Write(data []byte) (int, error) {
	if err := file.check(); err != nil {
		return 0, err
	}
	if err := file.filesystem.checkWritable(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	failed := true
	defer func() { file.filesystem.finishOperation(failed) }()

	keep := file.list.Size
	if file.position < int64(keep) {
		keep = uint32(file.position)
	}

	// Everything from the write point on: gap fill, the new data, then
	// whatever tail of the old contents survives past the written range.
	rewrite := make([]byte, 0, len(data))
	if gap := file.position - int64(keep); gap > 0 {
		rewrite = append(rewrite, make([]byte, gap)...)
	}
	rewrite = append(rewrite, data...)

	suffixStart := uint64(file.position) + uint64(len(data))
	if suffixStart < uint64(file.list.Size) {
		suffix := make([]byte, uint64(file.list.Size)-suffixStart)
		n, err := ctz.ReadAt(
			file.filesystem.dev, file.list, suffix, uint32(suffixStart))
		if err != nil {
			return 0, err
		}
		rewrite = append(rewrite, suffix[:n]...)
	}

	list, err := file.filesystem.buildList(file.list, keep, rewrite)
	if err != nil {
		return 0, err
	}
	if err = file.filesystem.commitList(file.path, list); err != nil {
		return 0, err
	}

	file.list = list
	file.position += int64(len(data))
	failed = false
	return len(data), nil
}

// Truncate changes the file's size through the handle.
func (file *File) Truncate(size uint32) error {
	if err := file.check(); err != nil {
		return err
	}
	if err := file.filesystem.Truncate(file.path, size); err != nil {
		return err
	}

	location, err := file.filesystem.locate(file.path)
	if err != nil {
		return err
	}
	file.list = location.ent.List
	return nil
}

// Close invalidates the handle. There is nothing to flush.
func (file *File) Close() error {
	if file.closed {
		return flashfs.ErrInvalidHandle
	}
	file.closed = true
	return nil
}
