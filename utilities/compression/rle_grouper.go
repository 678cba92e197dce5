package compression

import (
	"bufio"
	"io"
)

// ByteRun is a maximal run of one byte value in the input stream.
type ByteRun struct {
	// Byte is the byte value the run consists of.
	Byte byte
	// RunLength gives how many times the byte occurs, at least 1 for a valid
	// run. A value of 0 means EOF or an error.
	RunLength int
}

// RunLengthGrouper splits a stream into maximal runs of equal bytes.
type RunLengthGrouper struct {
	rd *bufio.Reader
}

func NewRunLengthGrouper(rd io.Reader) RunLengthGrouper {
	return RunLengthGrouper{rd: bufio.NewReader(rd)}
}

// GetNextRun returns the next run in the stream. At the end of the input it
// returns a zero [ByteRun] and io.EOF.
func (grouper RunLengthGrouper) GetNextRun() (ByteRun, error) {
	firstByte, err := grouper.rd.ReadByte()
	if err != nil {
		return ByteRun{}, err
	}

	runLength := 1
	for {
		currentByte, err := grouper.rd.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ByteRun{}, err
		}
		if currentByte != firstByte {
			grouper.rd.UnreadByte()
			break
		}
		runLength++
	}
	return ByteRun{Byte: firstByte, RunLength: runLength}, nil
}
