// Package blockdev defines the capability contract the filesystem core uses
// to talk to raw flash: block-granular erase, program-size-aligned writes,
// and byte-granular reads. There is no logic here beyond bounds and alignment
// validation; retries and backoff, if any, belong to the device driver.
package blockdev

import (
	"fmt"

	"github.com/dargueta/flashfs"
)

// BlockID is the index of an erase block on a device.
type BlockID uint32

// Geometry describes the fixed shape of a flash device. All fields are
// informational constants queried by the core; implementations must never
// change them after construction.
type Geometry struct {
	// BlockSize gives the size of an erase block, in bytes.
	BlockSize uint32
	// BlockCount is the total number of erase blocks on the device.
	BlockCount uint32
	// ProgramSize is the minimum programmable unit, in bytes. Program offsets
	// and lengths must be multiples of this.
	ProgramSize uint32
	// EraseSize is the size of the erase unit. This core requires it to equal
	// BlockSize; the field exists so drivers for parts with sub-block erase
	// pages can still describe themselves accurately.
	EraseSize uint32
}

// Validate checks the geometry for internal consistency.
func (geo Geometry) Validate() error {
	if geo.BlockSize == 0 || geo.BlockCount == 0 || geo.ProgramSize == 0 {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("geometry has a zero dimension: %+v", geo))
	}
	if geo.EraseSize != geo.BlockSize {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"erase size (%d) must equal block size (%d)",
				geo.EraseSize,
				geo.BlockSize))
	}
	if geo.BlockSize%geo.ProgramSize != 0 {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size (%d) must be a multiple of the program size (%d)",
				geo.BlockSize,
				geo.ProgramSize))
	}
	return nil
}

// Device is the capability contract for raw flash. Implementations are
// pass-throughs to physical (or emulated) media and perform no retries.
type Device interface {
	Geometry() Geometry

	// Read fills `buffer` with bytes from `block` starting at `offset`.
	// Reads are byte-granular but must stay inside the block.
	Read(block BlockID, offset uint32, buffer []byte) error

	// Program writes `data` into `block` at `offset`. The offset and length
	// must be multiples of the geometry's ProgramSize, and the target range
	// must have been erased since it was last programmed.
	Program(block BlockID, offset uint32, data []byte) error

	// Erase resets every byte of `block` to 0xFF.
	Erase(block BlockID) error
}

// CheckReadBounds validates a read request against the geometry. It returns
// nil if the request is legal.
func CheckReadBounds(geo Geometry, block BlockID, offset uint32, length int) error {
	if uint32(block) >= geo.BlockCount {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block ID %d: not in range [0, %d)", block, geo.BlockCount))
	}
	if uint64(offset)+uint64(length) > uint64(geo.BlockSize) {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"access of %d bytes at offset %d runs past the end of a %d-byte block",
				length,
				offset,
				geo.BlockSize))
	}
	return nil
}

// CheckProgramBounds validates a program request against the geometry,
// including the alignment contract.
func CheckProgramBounds(geo Geometry, block BlockID, offset uint32, length int) error {
	err := CheckReadBounds(geo, block, offset, length)
	if err != nil {
		return err
	}
	if offset%geo.ProgramSize != 0 || uint32(length)%geo.ProgramSize != 0 {
		return flashfs.ErrAlignment.WithMessage(
			fmt.Sprintf(
				"program of %d bytes at offset %d is not aligned to the program size (%d)",
				length,
				offset,
				geo.ProgramSize))
	}
	return nil
}

// CheckEraseBounds validates an erase request against the geometry.
func CheckEraseBounds(geo Geometry, block BlockID) error {
	if uint32(block) >= geo.BlockCount {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block ID %d: not in range [0, %d)", block, geo.BlockCount))
	}
	return nil
}
