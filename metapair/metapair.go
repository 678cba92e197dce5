// Package metapair implements the two-block redundant metadata regions that
// give the filesystem its crash consistency. A region is only ever rewritten
// to the block of the pair that is *not* currently valid, so an interrupted
// commit always leaves the previous committed state intact and detectable.
package metapair

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/noxer/bytewriter"
)

// Pair is the two erase blocks backing one metadata region.
type Pair [2]blockdev.BlockID

func (pair Pair) String() string {
	return fmt.Sprintf("{%d,%d}", pair[0], pair[1])
}

// Contains returns true if `block` is one of the pair's blocks.
func (pair Pair) Contains(block blockdev.BlockID) bool {
	return block == pair[0] || block == pair[1]
}

// Entry is one tagged record inside a metadata region. Tags are
// self-describing: a scanner that doesn't recognize a tag can still skip the
// entry using its length.
type Entry struct {
	Tag     uint16
	Payload []byte
}

// On-disk layout of a metadata block:
//
//	revision:u32 | checksum:u32 | (tag:u16 length:u16 payload...)* | zero fill
//
// The checksum is CRC-32 (IEEE) over the whole block with the checksum field
// itself zeroed. Entry scanning stops at the first zero tag.
const headerSize = 8
const entryHeaderSize = 4

// MaxEntryBytes returns the number of bytes available for entries (headers
// included) in a metadata block of the given geometry.
func MaxEntryBytes(geo blockdev.Geometry) int {
	return int(geo.BlockSize) - headerSize
}

// EntryBytes returns the serialized size of a set of entries, headers
// included.
func EntryBytes(entries []Entry) int {
	total := 0
	for _, entry := range entries {
		total += entryHeaderSize + len(entry.Payload)
	}
	return total
}

// Fits reports whether a set of entries can be committed into a single
// metadata block of the given geometry.
func Fits(geo blockdev.Geometry, entries []Entry) bool {
	return EntryBytes(entries) <= MaxEntryBytes(geo)
}

// State is the in-memory view of one metadata pair: the last committed
// revision, its entries, and which block of the pair holds it.
type State struct {
	Pair     Pair
	Revision uint32
	Entries  []Entry

	// current is the index (0 or 1) of the block holding the committed state.
	current int

	// RevisionTie is set when both blocks validated with the same revision.
	// Correct commit sequencing can't produce this; it's surfaced so callers
	// can log it, not an error.
	RevisionTie bool
}

// CurrentBlock returns the block currently holding the committed state.
func (state *State) CurrentBlock() blockdev.BlockID {
	return state.Pair[state.current]
}

func serialize(geo blockdev.Geometry, revision uint32, entries []Entry) ([]byte, error) {
	if !Fits(geo, entries) {
		return nil, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d bytes of entries exceed the %d-byte metadata block capacity",
				EntryBytes(entries),
				MaxEntryBytes(geo)))
	}

	buffer := make([]byte, geo.BlockSize)
	writer := bytewriter.New(buffer)

	binary.Write(writer, binary.LittleEndian, revision)
	binary.Write(writer, binary.LittleEndian, uint32(0)) // checksum placeholder
	for _, entry := range entries {
		if entry.Tag == 0 {
			return nil, flashfs.ErrInvalidArgument.WithMessage(
				"entry tag 0 is reserved as the scan terminator")
		}
		binary.Write(writer, binary.LittleEndian, entry.Tag)
		binary.Write(writer, binary.LittleEndian, uint16(len(entry.Payload)))
		writer.Write(entry.Payload)
	}
	// The remainder of the buffer is already zero, which terminates the scan.

	checksum := crc32.ChecksumIEEE(buffer)
	binary.LittleEndian.PutUint32(buffer[4:8], checksum)
	return buffer, nil
}

func parse(buffer []byte) (uint32, []Entry, bool) {
	stored := binary.LittleEndian.Uint32(buffer[4:8])

	scratch := make([]byte, len(buffer))
	copy(scratch, buffer)
	binary.LittleEndian.PutUint32(scratch[4:8], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		return 0, nil, false
	}

	revision := binary.LittleEndian.Uint32(buffer[0:4])
	var entries []Entry

	offset := headerSize
	for offset+entryHeaderSize <= len(buffer) {
		tag := binary.LittleEndian.Uint16(buffer[offset : offset+2])
		if tag == 0 {
			break
		}
		length := int(binary.LittleEndian.Uint16(buffer[offset+2 : offset+4]))
		if offset+entryHeaderSize+length > len(buffer) {
			// The checksum passed but an entry runs off the block. Treat the
			// block as invalid rather than trusting a truncated record.
			return 0, nil, false
		}
		payload := make([]byte, length)
		copy(payload, buffer[offset+entryHeaderSize:offset+entryHeaderSize+length])
		entries = append(entries, Entry{Tag: tag, Payload: payload})
		offset += entryHeaderSize + length
	}
	return revision, entries, true
}

func readBlock(dev blockdev.Device, block blockdev.BlockID) ([]byte, error) {
	buffer := make([]byte, dev.Geometry().BlockSize)
	err := dev.Read(block, 0, buffer)
	if err != nil {
		return nil, flashfs.CastToError(err)
	}
	return buffer, nil
}

// ReadCurrent reads both blocks of a pair and returns the state of the one
// with the highest valid revision. It fails with a corruption error only if
// neither block validates.
func ReadCurrent(dev blockdev.Device, pair Pair) (*State, error) {
	type half struct {
		revision uint32
		entries  []Entry
		checksum uint32
		valid    bool
	}

	var halves [2]half
	for i, block := range pair {
		buffer, err := readBlock(dev, block)
		if err != nil {
			return nil, err
		}
		revision, entries, ok := parse(buffer)
		halves[i] = half{
			revision: revision,
			entries:  entries,
			checksum: crc32.ChecksumIEEE(buffer),
			valid:    ok,
		}
	}

	state := &State{Pair: pair}
	switch {
	case !halves[0].valid && !halves[1].valid:
		return nil, flashfs.ErrCorrupted.WithMessage(
			fmt.Sprintf("neither block of metadata pair %s validates", pair))
	case halves[0].valid && !halves[1].valid:
		state.current = 0
	case !halves[0].valid && halves[1].valid:
		state.current = 1
	case halves[0].revision == halves[1].revision:
		// Both valid with equal revisions. A torn write can't produce this;
		// break the tie on raw content hash so every mount picks the same
		// side, and flag the anomaly.
		state.RevisionTie = true
		if halves[1].checksum > halves[0].checksum {
			state.current = 1
		} else {
			state.current = 0
		}
	case revisionNewer(halves[1].revision, halves[0].revision):
		state.current = 1
	default:
		state.current = 0
	}

	state.Revision = halves[state.current].revision
	state.Entries = halves[state.current].entries
	return state, nil
}

// revisionNewer compares revision counts with wraparound, so a pair that has
// lived through 2^32 commits still resolves correctly.
func revisionNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// Commit writes `entries` as the next revision into the non-current block of
// the pair, then verifies the write by reading it back. The previously
// current block is untouched until the new one proves valid, so power loss at
// any byte offset leaves the old state recoverable.
func (state *State) Commit(dev blockdev.Device, entries []Entry) error {
	geo := dev.Geometry()
	nextRevision := state.Revision + 1
	buffer, err := serialize(geo, nextRevision, entries)
	if err != nil {
		return err
	}

	target := 1 - state.current
	targetBlock := state.Pair[target]

	if err := dev.Erase(targetBlock); err != nil {
		return flashfs.CastToError(err)
	}
	if err := dev.Program(targetBlock, 0, buffer); err != nil {
		return flashfs.CastToError(err)
	}

	// Read back and validate before flipping. A device that silently tore
	// the write fails here and the old block stays current.
	written, err := readBlock(dev, targetBlock)
	if err != nil {
		return err
	}
	revision, parsed, ok := parse(written)
	if !ok || revision != nextRevision {
		return flashfs.ErrIOFailed.WithMessage(
			fmt.Sprintf("block %d did not read back valid after commit", targetBlock))
	}

	state.current = target
	state.Revision = revision
	state.Entries = parsed
	state.RevisionTie = false
	return nil
}

// Init initializes a fresh pair: both blocks are erased, then revision 0 with
// the given entries is committed into the first block. The second block is
// left erased (invalid), so reads resolve unambiguously.
func Init(dev blockdev.Device, pair Pair, entries []Entry) (*State, error) {
	geo := dev.Geometry()
	buffer, err := serialize(geo, 0, entries)
	if err != nil {
		return nil, err
	}

	for _, block := range pair {
		if err := dev.Erase(block); err != nil {
			return nil, flashfs.CastToError(err)
		}
	}
	if err := dev.Program(pair[0], 0, buffer); err != nil {
		return nil, flashfs.CastToError(err)
	}

	return &State{
		Pair:     pair,
		Revision: 0,
		Entries:  entries,
		current:  0,
	}, nil
}
