package fs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/fs"
	"github.com/dargueta/flashfs/metapair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry(blockSize, blockCount uint32) blockdev.Geometry {
	return blockdev.Geometry{
		BlockSize:   blockSize,
		BlockCount:  blockCount,
		ProgramSize: 16,
		EraseSize:   blockSize,
	}
}

// newTestFS formats and mounts a fresh 64x512 emulated device, the reference
// geometry used throughout these tests.
func newTestFS(t *testing.T) (*fs.FS, *blockdev.RAMFlash) {
	t.Helper()

	dev, err := blockdev.NewRAMFlash(testGeometry(512, 64))
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))

	filesystem, err := fs.Mount(dev)
	require.NoError(t, err)
	return filesystem, dev
}

func TestReadOnlyMount(t *testing.T) {
	filesystem, dev := newTestFS(t)
	require.NoError(t, filesystem.WriteFile("/f", []byte("data")))
	require.NoError(t, filesystem.Unmount())

	snapshot := dev.Snapshot()

	filesystem, err := fs.MountReadOnly(dev)
	require.NoError(t, err)

	contents, err := filesystem.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), contents)

	for name, call := range map[string]func() error{
		"mkdir":    func() error { return filesystem.Mkdir("/d") },
		"remove":   func() error { return filesystem.Remove("/f") },
		"rename":   func() error { return filesystem.Rename("/f", "/g") },
		"truncate": func() error { return filesystem.Truncate("/f", 0) },
		"write":    func() error { return filesystem.WriteFile("/f", nil) },
	} {
		err := call()
		require.Error(t, err, name)
		assert.EqualValues(t, flashfs.EROFS,
			flashfs.CastToError(err).Errno(), name)
	}

	// Nothing reached the media, not even through the open handle path.
	file, err := filesystem.Open("/f")
	require.NoError(t, err)
	_, err = file.Write([]byte("x"))
	assert.EqualValues(t, flashfs.EROFS, flashfs.CastToError(err).Errno())
	assert.Equal(t, snapshot, dev.Snapshot())
}

func TestFormatAndMount(t *testing.T) {
	filesystem, _ := newTestFS(t)

	stat := filesystem.FSStat()
	assert.EqualValues(t, 512, stat.BlockSize)
	assert.EqualValues(t, 64, stat.TotalBlocks)
	assert.EqualValues(t, fs.Version, stat.Version)

	listing, err := filesystem.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, listing, "a fresh filesystem has an empty root")

	require.NoError(t, filesystem.Unmount())
	assert.Error(t, filesystem.Mkdir("/nope"), "operations after unmount must fail")
}

func TestMountUnformattedDevice(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 64))
	require.NoError(t, err)

	_, err = fs.Mount(dev)
	require.Error(t, err)
	assert.EqualValues(t, flashfs.ECORRUPT, flashfs.CastToError(err).Errno())
}

func TestMountRejectsGeometryMismatch(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 64))
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))

	// Same image truncated to half the device: the superblock still parses
	// but advertises more blocks than the device has.
	shrunk, err := blockdev.NewRAMFlash(testGeometry(512, 32))
	require.NoError(t, err)
	require.NoError(t, shrunk.Restore(dev.Snapshot()[:512*32]))

	_, err = fs.Mount(shrunk)
	require.Error(t, err)
	assert.EqualValues(t, flashfs.EMEDIUM, flashfs.CastToError(err).Errno())
}

func TestMountRejectsVersionMismatch(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 64))
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))

	// Rewrite the superblock record with a bumped major version.
	state, err := metapair.ReadCurrent(dev, metapair.Pair{0, 1})
	require.NoError(t, err)
	require.NotEmpty(t, state.Entries)

	doctored := make([]byte, len(state.Entries[0].Payload))
	copy(doctored, state.Entries[0].Payload)
	binary.LittleEndian.PutUint32(doctored[8:12], 0x00020000)
	err = state.Commit(dev, []metapair.Entry{
		{Tag: state.Entries[0].Tag, Payload: doctored},
	})
	require.NoError(t, err)

	_, err = fs.Mount(dev)
	require.Error(t, err)
	assert.EqualValues(t, flashfs.EMEDIUM, flashfs.CastToError(err).Errno())
}

// Mounting, doing nothing, and unmounting must not write a single byte.
func TestMountIsIdempotentOnDisk(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 64))
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))

	filesystem, err := fs.Mount(dev)
	require.NoError(t, err)
	require.NoError(t, filesystem.Unmount())
	first := dev.Snapshot()

	filesystem, err = fs.Mount(dev)
	require.NoError(t, err)
	require.NoError(t, filesystem.Unmount())
	second := dev.Snapshot()

	assert.Equal(t, first, second, "idle mount cycles must leave identical bytes")
}

func TestFormatTooSmallDevice(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 4))
	require.NoError(t, err)
	assert.Error(t, fs.Format(dev))
}

// The allocator must never hand out a block that a committed structure
// references: new writes cannot clobber existing files, and the new file's
// blocks must be disjoint from everything that was live beforehand.
func TestAllocatorNeverReturnsLiveBlocks(t *testing.T) {
	filesystem, _ := newTestFS(t)

	one := bytes.Repeat([]byte{0x11}, 1500)
	two := bytes.Repeat([]byte{0x22}, 700)
	require.NoError(t, filesystem.Mkdir("/d"))
	require.NoError(t, filesystem.WriteFile("/d/one", one))
	require.NoError(t, filesystem.WriteFile("/two", two))

	liveBefore := map[blockdev.BlockID]bool{}
	require.NoError(t, filesystem.Traverse(func(block blockdev.BlockID) error {
		liveBefore[block] = true
		return nil
	}))

	three := bytes.Repeat([]byte{0x33}, 2000)
	require.NoError(t, filesystem.WriteFile("/three", three))

	liveAfter := map[blockdev.BlockID]bool{}
	newBlocks := 0
	require.NoError(t, filesystem.Traverse(func(block blockdev.BlockID) error {
		liveAfter[block] = true
		if !liveBefore[block] {
			newBlocks++
		}
		return nil
	}))
	assert.Greater(t, newBlocks, 0, "new file must add blocks")

	// If a live block had been reissued, one of the older files would have
	// been clobbered.
	got, err := filesystem.ReadFile("/d/one")
	require.NoError(t, err)
	assert.Equal(t, one, got)
	got, err = filesystem.ReadFile("/two")
	require.NoError(t, err)
	assert.Equal(t, two, got)
	got, err = filesystem.ReadFile("/three")
	require.NoError(t, err)
	assert.Equal(t, three, got)
}

func TestNoSpace(t *testing.T) {
	dev, err := blockdev.NewRAMFlash(testGeometry(512, 8))
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))
	filesystem, err := fs.Mount(dev)
	require.NoError(t, err)

	// 8 blocks minus superblock pair and root pair leaves 4 data blocks.
	err = filesystem.WriteFile("/big", make([]byte, 512*6))
	require.Error(t, err)
	assert.EqualValues(t, flashfs.ENOSPC, flashfs.CastToError(err).Errno())

	// The failed write must leave no trace.
	_, err = filesystem.ReadFile("/big")
	assert.EqualValues(t, flashfs.ENOENT, flashfs.CastToError(err).Errno())

	// Space abandoned by the failure is usable again.
	require.NoError(t, filesystem.WriteFile("/small", make([]byte, 512)))
}
