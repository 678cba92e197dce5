package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/ctz"
	"github.com/dargueta/flashfs/metapair"
	"github.com/noxer/bytewriter"
)

// Magic is the signature stored in the superblock entry.
const Magic = "littlefs"

// Version is the on-disk format version: major in the high half, minor in
// the low half.
const Version uint32 = 0x00010001

// Entry tags. The low 15 bits identify the type; the high bit is the
// "moving" flag a rename sets on its source entry so an interrupted move can
// be resolved deterministically at mount.
const (
	tagSuperblock uint16 = 0x0010
	tagFile       uint16 = 0x0021
	tagDirectory  uint16 = 0x0022
	tagTail       uint16 = 0x0030

	flagMoving  uint16 = 0x8000
	tagTypeMask uint16 = 0x7FFF
)

// MaxNameLength is the longest file or directory name, bounded by the u8
// length prefix in the entry payload.
const MaxNameLength = 255

func tagType(tag uint16) uint16 {
	return tag & tagTypeMask
}

func isMoving(tag uint16) bool {
	return tag&flagMoving != 0
}

// superblockEntry is the parsed payload of the superblock record:
//
//	magic[8] | version:u32 | block_size:u32 | block_count:u32 |
//	root_pair_a:u32 | root_pair_b:u32
type superblockEntry struct {
	Version    uint32
	BlockSize  uint32
	BlockCount uint32
	RootPair   metapair.Pair
}

const superblockPayloadSize = 8 + 4*5

func (sb superblockEntry) encode() metapair.Entry {
	payload := make([]byte, superblockPayloadSize)
	writer := bytewriter.New(payload)
	writer.Write([]byte(Magic))
	binary.Write(writer, binary.LittleEndian, sb.Version)
	binary.Write(writer, binary.LittleEndian, sb.BlockSize)
	binary.Write(writer, binary.LittleEndian, sb.BlockCount)
	binary.Write(writer, binary.LittleEndian, uint32(sb.RootPair[0]))
	binary.Write(writer, binary.LittleEndian, uint32(sb.RootPair[1]))
	return metapair.Entry{Tag: tagSuperblock, Payload: payload}
}

func parseSuperblock(entry metapair.Entry) (superblockEntry, error) {
	var sb superblockEntry
	if len(entry.Payload) < superblockPayloadSize {
		return sb, flashfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("superblock entry is %d bytes, need %d",
				len(entry.Payload), superblockPayloadSize))
	}
	if string(entry.Payload[:8]) != Magic {
		return sb, flashfs.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf("bad magic %q", entry.Payload[:8]))
	}
	sb.Version = binary.LittleEndian.Uint32(entry.Payload[8:12])
	sb.BlockSize = binary.LittleEndian.Uint32(entry.Payload[12:16])
	sb.BlockCount = binary.LittleEndian.Uint32(entry.Payload[16:20])
	sb.RootPair[0] = blockdev.BlockID(binary.LittleEndian.Uint32(entry.Payload[20:24]))
	sb.RootPair[1] = blockdev.BlockID(binary.LittleEndian.Uint32(entry.Payload[24:28]))
	return sb, nil
}

// dirent is a parsed directory record: a named file or subdirectory. Exactly
// one of List/Pair is meaningful, per Kind.
type dirent struct {
	Name   string
	Kind   flashfs.EntryKind
	Moving bool
	// List is the file contents, for files.
	List ctz.List
	// Pair is the child metadata pair, for directories.
	Pair metapair.Pair

	// DestPair and DestName record where a rename is taking this entry.
	// They are serialized only while Moving is set, so mount recovery can
	// check the exact destination instead of guessing from content, which
	// would be ambiguous for zero-length files.
	DestPair metapair.Pair
	DestName string
}

func checkName(name string) error {
	if len(name) == 0 {
		return flashfs.ErrInvalidArgument.WithMessage("empty name")
	}
	if len(name) > MaxNameLength {
		return flashfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%d bytes, limit is %d", len(name), MaxNameLength))
	}
	return nil
}

func (ent dirent) encode() metapair.Entry {
	size := 1 + len(ent.Name) + 8
	if ent.Moving {
		size += 8 + 1 + len(ent.DestName)
	}
	payload := make([]byte, size)
	writer := bytewriter.New(payload)

	var tag uint16
	binary.Write(writer, binary.LittleEndian, uint8(len(ent.Name)))
	writer.Write([]byte(ent.Name))
	switch ent.Kind {
	case flashfs.KindFile:
		tag = tagFile
		binary.Write(writer, binary.LittleEndian, uint32(ent.List.Head))
		binary.Write(writer, binary.LittleEndian, ent.List.Size)
	case flashfs.KindDirectory:
		tag = tagDirectory
		binary.Write(writer, binary.LittleEndian, uint32(ent.Pair[0]))
		binary.Write(writer, binary.LittleEndian, uint32(ent.Pair[1]))
	}
	if ent.Moving {
		tag |= flagMoving
		binary.Write(writer, binary.LittleEndian, uint32(ent.DestPair[0]))
		binary.Write(writer, binary.LittleEndian, uint32(ent.DestPair[1]))
		binary.Write(writer, binary.LittleEndian, uint8(len(ent.DestName)))
		writer.Write([]byte(ent.DestName))
	}
	return metapair.Entry{Tag: tag, Payload: payload}
}

func parseDirent(entry metapair.Entry) (dirent, error) {
	var ent dirent
	if len(entry.Payload) < 1 {
		return ent, flashfs.ErrCorrupted.WithMessage("empty directory record")
	}
	nameLen := int(entry.Payload[0])
	if len(entry.Payload) < 1+nameLen+8 {
		return ent, flashfs.ErrCorrupted.WithMessage(
			fmt.Sprintf("directory record truncated: %d bytes for a %d-byte name",
				len(entry.Payload), nameLen))
	}
	ent.Name = string(entry.Payload[1 : 1+nameLen])
	ent.Moving = isMoving(entry.Tag)

	a := binary.LittleEndian.Uint32(entry.Payload[1+nameLen : 1+nameLen+4])
	b := binary.LittleEndian.Uint32(entry.Payload[1+nameLen+4 : 1+nameLen+8])
	switch tagType(entry.Tag) {
	case tagFile:
		ent.Kind = flashfs.KindFile
		ent.List = ctz.List{Head: blockdev.BlockID(a), Size: b}
	case tagDirectory:
		ent.Kind = flashfs.KindDirectory
		ent.Pair = metapair.Pair{blockdev.BlockID(a), blockdev.BlockID(b)}
	default:
		return ent, flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("tag %#04x is not a directory record", entry.Tag))
	}

	if ent.Moving {
		rest := entry.Payload[1+nameLen+8:]
		if len(rest) < 8+1 {
			return ent, flashfs.ErrCorrupted.WithMessage(
				fmt.Sprintf("moving record for %q has no destination", ent.Name))
		}
		ent.DestPair[0] = blockdev.BlockID(binary.LittleEndian.Uint32(rest[0:4]))
		ent.DestPair[1] = blockdev.BlockID(binary.LittleEndian.Uint32(rest[4:8]))
		destLen := int(rest[8])
		if len(rest) < 8+1+destLen {
			return ent, flashfs.ErrCorrupted.WithMessage(
				fmt.Sprintf("moving record for %q truncates its destination name",
					ent.Name))
		}
		ent.DestName = string(rest[9 : 9+destLen])
	}
	return ent, nil
}

func encodeTail(pair metapair.Pair) metapair.Entry {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(pair[0]))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(pair[1]))
	return metapair.Entry{Tag: tagTail, Payload: payload}
}

func parseTail(entry metapair.Entry) (metapair.Pair, error) {
	if len(entry.Payload) < 8 {
		return metapair.Pair{}, flashfs.ErrCorrupted.WithMessage(
			"truncated directory continuation record")
	}
	return metapair.Pair{
		blockdev.BlockID(binary.LittleEndian.Uint32(entry.Payload[0:4])),
		blockdev.BlockID(binary.LittleEndian.Uint32(entry.Payload[4:8])),
	}, nil
}
