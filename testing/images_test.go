package testing_test

import (
	"bytes"
	stdtesting "testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/fs"
	fstesting "github.com/dargueta/flashfs/testing"
	"github.com/dargueta/flashfs/utilities/compression"
)

var testGeometry = blockdev.Geometry{
	BlockSize:   512,
	BlockCount:  64,
	ProgramSize: 16,
	EraseSize:   512,
}

func TestBlankImageIsAllErasedFill(t *stdtesting.T) {
	image := fstesting.CreateBlankImage(512, 8)
	require.Len(t, image, 4096)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 4096), image)
}

// A filesystem image survives a trip through the fixture pipeline: format and
// populate on a blank image device, compress the raw bytes, load the fixture
// back, and mount it.
func TestCompressedImageFixtureRoundTrip(t *stdtesting.T) {
	image := fstesting.CreateBlankImage(
		testGeometry.BlockSize, testGeometry.BlockCount)
	dev, err := blockdev.NewFileFlash(
		bytesextra.NewReadWriteSeeker(image), testGeometry, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Format(dev))
	filesystem, err := fs.Mount(dev)
	require.NoError(t, err)
	require.NoError(t, filesystem.WriteFile("/hello", []byte("fixture")))
	require.NoError(t, filesystem.Unmount())

	compressed := bytes.Buffer{}
	_, err = compression.CompressImage(bytes.NewReader(image), &compressed)
	require.NoError(t, err)
	t.Logf("fixture size: %d raw -> %d compressed", len(image), compressed.Len())

	stream := fstesting.LoadFlashImage(
		t, compressed.Bytes(), testGeometry.BlockSize, testGeometry.BlockCount)
	loadedDev, err := blockdev.NewFileFlash(stream, testGeometry, 0)
	require.NoError(t, err)

	filesystem, err = fs.Mount(loadedDev)
	require.NoError(t, err)
	contents, err := filesystem.ReadFile("/hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("fixture"), contents)
}

func TestNewBlankImageDevice(t *stdtesting.T) {
	dev := fstesting.NewBlankImageDevice(t, testGeometry)

	buffer := make([]byte, 16)
	require.NoError(t, dev.Read(0, 0, buffer))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), buffer)

	require.NoError(t, fs.Format(dev))
	_, err := fs.Mount(dev)
	require.NoError(t, err)
}
