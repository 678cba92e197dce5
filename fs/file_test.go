package fs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A 2000-byte file on 512-byte blocks spans several index blocks; the contents
// must read back byte for byte, before and after a remount.
func TestLargeFileRoundTrip(t *testing.T) {
	filesystem, dev := newTestFS(t)

	data := bytes.Repeat([]byte{0x41}, 2000)
	require.NoError(t, filesystem.WriteFile("/a.txt", data))

	contents, err := filesystem.ReadFile("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, data, contents)

	entry, err := filesystem.Stat("/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2000, entry.Size)

	require.NoError(t, filesystem.Unmount())
	filesystem, err = fs.Mount(dev)
	require.NoError(t, err)

	contents, err = filesystem.ReadFile("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, data, contents)
}

func TestEmptyFile(t *testing.T) {
	filesystem, _ := newTestFS(t)

	require.NoError(t, filesystem.WriteFile("/empty", nil))
	contents, err := filesystem.ReadFile("/empty")
	require.NoError(t, err)
	assert.Empty(t, contents)

	entry, err := filesystem.Stat("/empty")
	require.NoError(t, err)
	assert.EqualValues(t, 0, entry.Size)
	assert.False(t, entry.IsDir())
}

func TestOverwriteReleasesOldBlocks(t *testing.T) {
	filesystem, _ := newTestFS(t)

	big := bytes.Repeat([]byte{0xAA}, 3000)
	require.NoError(t, filesystem.WriteFile("/f", big))
	require.NoError(t, filesystem.WriteFile("/f", []byte("tiny")))

	contents, err := filesystem.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), contents)

	// If the old blocks were not reclaimed this would exhaust the device.
	for i := 0; i < 20; i++ {
		require.NoError(t, filesystem.WriteFile("/f", big))
	}
}

func TestReadFileErrors(t *testing.T) {
	filesystem, _ := newTestFS(t)

	_, err := filesystem.ReadFile("/nope")
	require.Error(t, err)
	assert.EqualValues(t, flashfs.ENOENT, flashfs.CastToError(err).Errno())

	require.NoError(t, filesystem.Mkdir("/d"))
	_, err = filesystem.ReadFile("/d")
	require.Error(t, err)
	assert.EqualValues(t, flashfs.EISDIR, flashfs.CastToError(err).Errno())
}

func TestTruncate(t *testing.T) {
	filesystem, _ := newTestFS(t)

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, filesystem.WriteFile("/f", data))

	// Shrink to a boundary that keeps two full blocks of payload.
	require.NoError(t, filesystem.Truncate("/f", 900))
	contents, err := filesystem.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, data[:900], contents)

	// Grow back; the extension reads as zeroes.
	require.NoError(t, filesystem.Truncate("/f", 1200))
	contents, err = filesystem.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, data[:900], contents[:900])
	assert.Equal(t, make([]byte, 300), contents[900:])

	require.NoError(t, filesystem.Truncate("/f", 0))
	contents, err = filesystem.ReadFile("/f")
	require.NoError(t, err)
	assert.Empty(t, contents)

	err = filesystem.Truncate("/missing", 10)
	require.Error(t, err)
	assert.EqualValues(t, flashfs.ENOENT, flashfs.CastToError(err).Errno())
}

func TestFileHandleReadSeek(t *testing.T) {
	filesystem, _ := newTestFS(t)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, filesystem.WriteFile("/f", data))

	file, err := filesystem.Open("/f")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, file.Size())

	buffer := make([]byte, 300)
	n, err := file.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, data[:300], buffer)

	position, err := file.Seek(-100, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 900, position)

	n, err = file.Read(buffer)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[900:], buffer[:100])
	if err != nil {
		assert.ErrorIs(t, err, io.EOF)
	}

	n, err = file.Read(buffer)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = file.ReadAt(buffer[:50], 425)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, data[425:475], buffer[:50])

	_, err = file.Seek(-1, io.SeekStart)
	require.Error(t, err)

	require.NoError(t, file.Close())
	_, err = file.Read(buffer)
	require.Error(t, err)
	assert.EqualValues(t, flashfs.EBADF, flashfs.CastToError(err).Errno())
}

func TestFileHandleWrite(t *testing.T) {
	filesystem, _ := newTestFS(t)

	file, err := filesystem.Create("/log")
	require.NoError(t, err)

	n, err := file.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = file.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	contents, err := filesystem.ReadFile("/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), contents)

	// An interior write keeps the suffix.
	file, err = filesystem.Open("/log")
	require.NoError(t, err)
	_, err = file.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = file.Write([]byte("HELLO"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	contents, err = filesystem.ReadFile("/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO world"), contents)

	// Writing past the end zero-fills the gap.
	file, err = filesystem.Open("/log")
	require.NoError(t, err)
	_, err = file.Seek(20, io.SeekStart)
	require.NoError(t, err)
	_, err = file.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	contents, err = filesystem.ReadFile("/log")
	require.NoError(t, err)
	require.Len(t, contents, 21)
	assert.Equal(t, []byte("HELLO world"), contents[:11])
	assert.Equal(t, make([]byte, 9), contents[11:20])
	assert.EqualValues(t, '!', contents[20])
}

func TestFileTooLargeForDevice(t *testing.T) {
	geo := blockdev.Geometry{
		BlockSize:   512,
		BlockCount:  8,
		ProgramSize: 16,
		EraseSize:   512,
	}
	dev, err := blockdev.NewRAMFlash(geo)
	require.NoError(t, err)
	require.NoError(t, fs.Format(dev))
	filesystem, err := fs.Mount(dev)
	require.NoError(t, err)

	err = filesystem.WriteFile("/big", make([]byte, 8*512))
	require.Error(t, err)
	assert.EqualValues(t, flashfs.ENOSPC, flashfs.CastToError(err).Errno())
}
