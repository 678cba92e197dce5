package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// CompressRLE8 run-length encodes the input into the output until the input
// is exhausted. The return value is the number of bytes written, only valid
// if no error occurred.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	grouper := NewRunLengthGrouper(input)

	totalBytesWritten := int64(0)
	for {
		run, getRunErr := grouper.GetNextRun()
		if getRunErr != nil && !errors.Is(getRunErr, io.EOF) {
			return totalBytesWritten, getRunErr
		}

		// Runs of 258 or more bytes do not fit one count byte and are encoded
		// as several back-to-back runs.
		for run.RunLength >= 2 {
			repeatCount := run.RunLength - 2
			if repeatCount > 255 {
				repeatCount = 255
			}

			n, err := output.Write([]byte{run.Byte, run.Byte, byte(repeatCount)})
			if err != nil {
				return totalBytesWritten, err
			}
			totalBytesWritten += int64(n)
			run.RunLength -= repeatCount + 2
		}

		if run.RunLength == 1 {
			n, err := output.Write([]byte{run.Byte})
			if err != nil {
				return totalBytesWritten, err
			}
			totalBytesWritten += int64(n)
		}

		// A non-nil error that survived the check at the top of the loop can
		// only be EOF, so the input is fully consumed.
		if getRunErr != nil {
			return totalBytesWritten, nil
		}
	}
}

// DecompressRLE8 reverses [CompressRLE8]. The return value is the number of
// decoded bytes written to the output.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByteRead := -1
	totalBytesWritten := int64(0)

	for {
		currentByte, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return totalBytesWritten, nil
			}
			return totalBytesWritten, fmt.Errorf("error reading input: %w", err)
		}

		var currentOutput []byte
		if int(currentByte) == lastByteRead {
			// Second occurrence in a row, so the next byte is a repeat count.
			repeatCountByte, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf(
						"%w: missing repeat count after two %02x bytes",
						io.ErrUnexpectedEOF,
						uint(lastByteRead))
				}
				return totalBytesWritten, err
			}

			// The first occurrence already went out on the previous iteration,
			// so only repeatCount + 1 more copies are owed here.
			currentOutput = bytes.Repeat(
				[]byte{currentByte}, int(repeatCountByte)+1)

			// Close the group, otherwise a split run of 258+ bytes would have
			// its continuation misread as a new repeat marker.
			lastByteRead = -1
		} else {
			lastByteRead = int(currentByte)
			currentOutput = []byte{currentByte}
		}

		n, err := output.Write(currentOutput)
		if err != nil {
			return totalBytesWritten, fmt.Errorf(
				"failed to write to output: %w", err)
		}
		totalBytesWritten += int64(n)
	}
}
