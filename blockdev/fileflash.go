package blockdev

import (
	"io"

	"github.com/dargueta/flashfs"
)

// FileFlash adapts a seekable stream, e.g. a disk image file, to the [Device]
// contract. Unlike [RAMFlash] it doesn't emulate flash physics; it trusts the
// caller to erase before programming. It's what the command-line tool uses on
// image files.
type FileFlash struct {
	geometry Geometry
	// StartOffset is an offset from the beginning of the stream, in bytes,
	// that is considered the beginning of block 0. This is useful for images
	// with a leading header or partition table.
	StartOffset int64
	stream      io.ReadWriteSeeker
}

// NewFileFlash wraps a stream in a flash device with the given geometry. The
// stream must already be at least StartOffset + BlockSize*BlockCount bytes
// long.
func NewFileFlash(
	stream io.ReadWriteSeeker, geo Geometry, startOffset int64,
) (*FileFlash, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &FileFlash{
		geometry:    geo,
		StartOffset: startOffset,
		stream:      stream,
	}, nil
}

// DetermineBlockCount gives the number of whole blocks in a stream, rounded
// down.
func DetermineBlockCount(stream io.Seeker, blockSize uint32) (uint32, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, flashfs.ErrIOFailed.Wrap(err)
	}
	return uint32(offset / int64(blockSize)), nil
}

func (dev *FileFlash) Geometry() Geometry {
	return dev.geometry
}

// seekTo positions the stream at `offset` bytes into the given block.
func (dev *FileFlash) seekTo(block BlockID, offset uint32) error {
	absolute := dev.StartOffset +
		int64(block)*int64(dev.geometry.BlockSize) +
		int64(offset)
	_, err := dev.stream.Seek(absolute, io.SeekStart)
	if err != nil {
		return flashfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *FileFlash) Read(block BlockID, offset uint32, buffer []byte) error {
	err := CheckReadBounds(dev.geometry, block, offset, len(buffer))
	if err != nil {
		return err
	}
	if err = dev.seekTo(block, offset); err != nil {
		return err
	}

	_, err = io.ReadFull(dev.stream, buffer)
	if err != nil {
		return flashfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *FileFlash) Program(block BlockID, offset uint32, data []byte) error {
	err := CheckProgramBounds(dev.geometry, block, offset, len(data))
	if err != nil {
		return err
	}
	if err = dev.seekTo(block, offset); err != nil {
		return err
	}

	_, err = dev.stream.Write(data)
	if err != nil {
		return flashfs.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (dev *FileFlash) Erase(block BlockID) error {
	err := CheckEraseBounds(dev.geometry, block)
	if err != nil {
		return err
	}
	if err = dev.seekTo(block, 0); err != nil {
		return err
	}

	fill := make([]byte, dev.geometry.BlockSize)
	for i := range fill {
		fill[i] = 0xFF
	}
	_, err = dev.stream.Write(fill)
	if err != nil {
		return flashfs.ErrIOFailed.Wrap(err)
	}
	return nil
}
