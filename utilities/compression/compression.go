package compression

import (
	"bytes"
	"compress/gzip"
	"io"
)

// CompressImage compresses a flash image using RLE8 followed by gzip.
//
// The returned int64 gives the number of RLE8 bytes fed into the gzip layer.
// If an error occurred the value is undefined.
func CompressImage(input io.Reader, output io.Writer) (int64, error) {
	// Flash images are small enough that the highest gzip level costs nothing
	// noticeable over the default.
	gzWriter, err := gzip.NewWriterLevel(output, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	defer gzWriter.Close()

	return CompressRLE8(input, gzWriter)
}

// DecompressImage takes a gzipped, RLE8-encoded flash image and decompresses
// it to the original raw bytes.
//
// The returned int64 gives the decompressed size of the image. If an error
// occurred the value is undefined.
func DecompressImage(input io.Reader, output io.Writer) (int64, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return 0, err
	}
	defer gzReader.Close()
	return DecompressRLE8(gzReader, output)
}

// DecompressImageToBytes is [DecompressImage] returning the raw image in a
// new byte slice instead of writing to a stream.
func DecompressImageToBytes(input io.Reader) ([]byte, error) {
	buffer := bytes.Buffer{}
	if _, err := DecompressImage(input, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
