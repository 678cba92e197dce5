// Package ctz implements the copy-on-write skip-list that indexes a file's
// data blocks. The list points backward: the head is the *last* block, and
// the block at list position n carries pointers to positions n-1, n-2, n-4,
// ..., n-2^ctz(n), so any earlier block is reachable in a logarithmic number
// of hops while appending never rewrites existing blocks.
package ctz

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/noxer/bytewriter"
)

// List identifies one file's contents: the head (last) block and the exact
// byte size. A zero-size list has no blocks and its head is meaningless.
type List struct {
	Head blockdev.BlockID
	Size uint32
}

// PointerCount returns the number of back-pointers stored in the block at
// the given list position. Position 0 is pure data.
func PointerCount(position uint32) int {
	if position == 0 {
		return 0
	}
	return bits.TrailingZeros32(position) + 1
}

// tableBytes is the size of the trailing pointer table for a position: the
// pointers themselves plus the one-byte pointer count at the very end of the
// block.
func tableBytes(position uint32) int {
	count := PointerCount(position)
	if count == 0 {
		return 0
	}
	return 4*count + 1
}

// Capacity returns the number of data bytes the block at `position` holds.
func Capacity(geo blockdev.Geometry, position uint32) int {
	return int(geo.BlockSize) - tableBytes(position)
}

// cumulativeSize returns the total data bytes held by positions [0, n).
//
// Derived from sum(ctz(k), k=1..m) == m - popcount(m): the per-block overhead
// at position k>0 is 5+4*ctz(k) bytes, so the first n blocks hold
// B*n - 9*(n-1) + 4*popcount(n-1) bytes.
func cumulativeSize(geo blockdev.Geometry, n uint32) uint64 {
	if n == 0 {
		return 0
	}
	blockSize := uint64(geo.BlockSize)
	m := uint64(n - 1)
	return blockSize*uint64(n) - 9*m + 4*uint64(bits.OnesCount32(n-1))
}

// PositionCount returns how many blocks a list of `size` bytes occupies.
func PositionCount(geo blockdev.Geometry, size uint32) uint32 {
	if size == 0 {
		return 0
	}
	n := uint32(1)
	for cumulativeSize(geo, n) < uint64(size) {
		n++
		// Capacity shrinks logarithmically, so advance multiplicatively to
		// keep this loop cheap for large files.
		for cumulativeSize(geo, n*2) < uint64(size) {
			n *= 2
		}
	}
	return n
}

// Locate maps a byte offset to its list position and the offset within that
// block's data region.
func Locate(geo blockdev.Geometry, offset uint32) (position uint32, inBlock uint32) {
	// Find the largest n with cumulativeSize(n) <= offset by doubling then
	// binary searching; both loops are O(log n).
	hi := uint32(1)
	for cumulativeSize(geo, hi) <= uint64(offset) {
		hi *= 2
	}
	lo := uint32(0)
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if cumulativeSize(geo, mid) <= uint64(offset) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, offset - uint32(cumulativeSize(geo, lo))
}

// Assemble builds the raw contents of the block at `position`: data padded
// with the erased fill, then the trailing pointer table. `ptrs` must hold
// exactly PointerCount(position) block indices, ordered from the 2^0 skip to
// the largest.
func Assemble(
	geo blockdev.Geometry, position uint32, data []byte, ptrs []blockdev.BlockID,
) ([]byte, error) {
	if len(ptrs) != PointerCount(position) {
		return nil, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"position %d needs %d pointers, got %d",
				position,
				PointerCount(position),
				len(ptrs)))
	}
	capacity := Capacity(geo, position)
	if len(data) > capacity {
		return nil, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d data bytes exceed the %d-byte capacity of position %d",
				len(data),
				capacity,
				position))
	}

	buffer := make([]byte, geo.BlockSize)
	copy(buffer, data)
	// Unused data bytes keep the erased fill so they cost no program cycles
	// on real NOR parts.
	for i := len(data); i < capacity; i++ {
		buffer[i] = 0xFF
	}

	if len(ptrs) > 0 {
		writer := bytewriter.New(buffer[capacity:])
		for _, ptr := range ptrs {
			binary.Write(writer, binary.LittleEndian, uint32(ptr))
		}
		buffer[len(buffer)-1] = uint8(len(ptrs))
	}
	return buffer, nil
}

// Pointers reads the trailing pointer table of the block at `position`.
func Pointers(
	dev blockdev.Device, position uint32, block blockdev.BlockID,
) ([]blockdev.BlockID, error) {
	count := PointerCount(position)
	if count == 0 {
		return nil, nil
	}

	geo := dev.Geometry()
	raw := make([]byte, tableBytes(position))
	err := dev.Read(block, uint32(Capacity(geo, position)), raw)
	if err != nil {
		return nil, flashfs.CastToError(err)
	}
	if int(raw[len(raw)-1]) != count {
		return nil, flashfs.ErrCorrupted.WithMessage(
			fmt.Sprintf(
				"block %d at position %d has pointer count %d, expected %d",
				block,
				position,
				raw[len(raw)-1],
				count))
	}

	ptrs := make([]blockdev.BlockID, count)
	for i := 0; i < count; i++ {
		ptrs[i] = blockdev.BlockID(binary.LittleEndian.Uint32(raw[4*i : 4*i+4]))
	}
	return ptrs, nil
}

// BlockAt walks from the head block (at position `from`) back to `target`,
// taking the largest legal skip at every hop. It returns the block index and
// the number of hops taken, which for a distance d = from-target is at most
// 2*ceil(log2(d+1))+1.
func BlockAt(
	dev blockdev.Device,
	head blockdev.BlockID,
	from uint32,
	target uint32,
) (blockdev.BlockID, int, error) {
	if target > from {
		return 0, 0, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("target position %d is beyond the head at %d", target, from))
	}

	block := head
	position := from
	hops := 0
	for position > target {
		ptrs, err := Pointers(dev, position, block)
		if err != nil {
			return 0, hops, err
		}

		// Largest skip 2^i that neither overshoots the target nor exceeds
		// what this block stores.
		skip := len(ptrs) - 1
		for skip > 0 && position-(uint32(1)<<skip) < target {
			skip--
		}
		block = ptrs[skip]
		position -= uint32(1) << skip
		hops++
	}
	return block, hops, nil
}

// ReadAt fills `buffer` with file bytes starting at `offset`, clamped to the
// list size. It returns the number of bytes read.
func ReadAt(
	dev blockdev.Device, list List, buffer []byte, offset uint32,
) (int, error) {
	if offset >= list.Size {
		return 0, nil
	}
	remaining := list.Size - offset
	if uint32(len(buffer)) < remaining {
		remaining = uint32(len(buffer))
	}

	geo := dev.Geometry()
	headPosition := PositionCount(geo, list.Size) - 1

	total := 0
	for remaining > 0 {
		position, inBlock := Locate(geo, offset)
		block, _, err := BlockAt(dev, list.Head, headPosition, position)
		if err != nil {
			return total, err
		}

		chunk := uint32(Capacity(geo, position)) - inBlock
		if chunk > remaining {
			chunk = remaining
		}
		err = dev.Read(block, inBlock, buffer[total:total+int(chunk)])
		if err != nil {
			return total, flashfs.CastToError(err)
		}

		total += int(chunk)
		offset += chunk
		remaining -= chunk
	}
	return total, nil
}

// NextPointers computes the pointer table for the block that will sit at
// position `prevPosition`+1, given the current last block. Pointer i targets
// position (prevPosition+1)-2^i; all of those are reachable from the
// previous block.
func NextPointers(
	dev blockdev.Device, prev blockdev.BlockID, prevPosition uint32,
) ([]blockdev.BlockID, error) {
	position := prevPosition + 1
	count := PointerCount(position)

	ptrs := make([]blockdev.BlockID, count)
	ptrs[0] = prev
	for i := 1; i < count; i++ {
		target := position - (uint32(1) << i)
		block, _, err := BlockAt(dev, prev, prevPosition, target)
		if err != nil {
			return nil, err
		}
		ptrs[i] = block
	}
	return ptrs, nil
}

// Traverse calls fn for every block the list references, from the head back
// to position 0. The allocator uses this to find live blocks; errors abort
// the walk.
func Traverse(
	dev blockdev.Device, list List, fn func(blockdev.BlockID) error,
) error {
	if list.Size == 0 {
		return nil
	}

	geo := dev.Geometry()
	position := PositionCount(geo, list.Size) - 1
	block := list.Head
	for {
		if err := fn(block); err != nil {
			return err
		}
		if position == 0 {
			return nil
		}
		ptrs, err := Pointers(dev, position, block)
		if err != nil {
			return err
		}
		block = ptrs[0]
		position--
	}
}
