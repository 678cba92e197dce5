// Package testing holds helpers for tests that need flash images: blank
// media, compressed fixtures, and stream-backed devices.
package testing

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/utilities/compression"
)

// CreateBlankImage returns a raw image of the given geometry holding nothing
// but erased fill, the state of a chip fresh from the factory.
func CreateBlankImage(blockSize, totalBlocks uint32) []byte {
	return bytes.Repeat([]byte{0xFF}, int(blockSize)*int(totalBlocks))
}

// LoadFlashImage takes a compressed flash image fixture and returns a stream
// over the uncompressed data.
//
//   - Writes to the stream do not affect `compressedImageBytes`.
//   - The stream is writable but fixed in size at `blockSize * totalBlocks`.
//     Writing past the end triggers an error.
func LoadFlashImage(
	t *testing.T, compressedImageBytes []byte, blockSize, totalBlocks uint32,
) io.ReadWriteSeeker {
	t.Helper()
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	compressedBuf := bytes.NewBuffer(compressedImageBytes)
	imageBytes, err := compression.DecompressImageToBytes(compressedBuf)
	require.NoError(t, err)

	require.Equal(
		t,
		int(blockSize)*int(totalBlocks),
		len(imageBytes),
		"uncompressed image is wrong size",
	)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}

// NewBlankImageDevice builds a stream-backed device over a fresh blank image
// of the given geometry. It is guaranteed to either return a valid device or
// fail the test and abort.
func NewBlankImageDevice(
	t *testing.T, geometry blockdev.Geometry,
) *blockdev.FileFlash {
	t.Helper()

	image := CreateBlankImage(geometry.BlockSize, geometry.BlockCount)
	stream := bytesextra.NewReadWriteSeeker(image)
	dev, err := blockdev.NewFileFlash(stream, geometry, 0)
	require.NoError(t, err, "failed to build a device over a blank image")
	return dev
}
