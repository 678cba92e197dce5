package blockdev

import (
	"bytes"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/flashfs"
)

// RAMFlash emulates a NOR flash part in memory. It enforces the physics the
// core has to respect: a range can only be programmed while it still holds
// the erased fill (0xFF), and erasing is block-granular.
//
// The emulator also supports torn-write fault injection so tests can cut
// power at an arbitrary byte offset inside a program operation.
type RAMFlash struct {
	geometry Geometry
	data     []byte
	// erased tracks which blocks have been erased at least once. Programming
	// a block that was never erased is an emulated physics violation.
	erased bitmap.Bitmap

	programCount uint
	eraseCount   uint

	// failAfter is the number of further successful program operations before
	// one is torn. Negative means injection is disabled.
	failAfter int
	// tornBytes is how many leading bytes of the failing program actually
	// reach the media.
	tornBytes int
}

// NewRAMFlash creates an emulated device with the given geometry. The device
// comes up with every block in the never-erased state, like a blank part.
func NewRAMFlash(geo Geometry) (*RAMFlash, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	data := make([]byte, int(geo.BlockSize)*int(geo.BlockCount))
	for i := range data {
		data[i] = 0xFF
	}
	return &RAMFlash{
		geometry:  geo,
		data:      data,
		erased:    bitmap.New(int(geo.BlockCount)),
		failAfter: -1,
	}, nil
}

func (dev *RAMFlash) Geometry() Geometry {
	return dev.geometry
}

func (dev *RAMFlash) blockRange(block BlockID) (int, int) {
	start := int(block) * int(dev.geometry.BlockSize)
	return start, start + int(dev.geometry.BlockSize)
}

func (dev *RAMFlash) Read(block BlockID, offset uint32, buffer []byte) error {
	err := CheckReadBounds(dev.geometry, block, offset, len(buffer))
	if err != nil {
		return err
	}

	start, _ := dev.blockRange(block)
	copy(buffer, dev.data[start+int(offset):])
	return nil
}

func (dev *RAMFlash) Program(block BlockID, offset uint32, data []byte) error {
	err := CheckProgramBounds(dev.geometry, block, offset, len(data))
	if err != nil {
		return err
	}
	if !dev.erased.Get(int(block)) {
		return flashfs.ErrIOFailed.WithMessage(
			fmt.Sprintf("program to block %d, which was never erased", block))
	}

	start, _ := dev.blockRange(block)
	target := dev.data[start+int(offset) : start+int(offset)+len(data)]

	// Programming can only clear bits, never set them. Requiring the target
	// to still hold the erased fill catches erase-before-reuse bugs in the
	// core.
	if !bytes.Equal(target, bytes.Repeat([]byte{0xFF}, len(target))) {
		return flashfs.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"program of %d bytes at block %d offset %d overlaps already-programmed bytes",
				len(data),
				block,
				offset))
	}

	if dev.failAfter == 0 {
		// Power loss mid-program: a prefix of the data reaches the media and
		// the operation reports failure.
		torn := dev.tornBytes
		if torn > len(data) {
			torn = len(data)
		}
		copy(target[:torn], data[:torn])
		dev.failAfter = -1
		return flashfs.ErrIOFailed.WithMessage(
			fmt.Sprintf("simulated power loss after %d bytes", torn))
	}
	if dev.failAfter > 0 {
		dev.failAfter--
	}

	copy(target, data)
	dev.programCount++
	return nil
}

func (dev *RAMFlash) Erase(block BlockID) error {
	err := CheckEraseBounds(dev.geometry, block)
	if err != nil {
		return err
	}

	start, end := dev.blockRange(block)
	for i := start; i < end; i++ {
		dev.data[i] = 0xFF
	}
	dev.erased.Set(int(block), true)
	dev.eraseCount++
	return nil
}

// FailAfterPrograms arms torn-write injection: the next `successes` program
// calls go through, then one program writes only `tornBytes` leading bytes
// and fails. Injection disarms itself after firing.
func (dev *RAMFlash) FailAfterPrograms(successes int, tornBytes int) {
	dev.failAfter = successes
	dev.tornBytes = tornBytes
}

// Counters returns the number of successful program and erase operations the
// device has performed, for wear assertions in tests.
func (dev *RAMFlash) Counters() (programs uint, erases uint) {
	return dev.programCount, dev.eraseCount
}

// Snapshot returns a copy of the raw media contents.
func (dev *RAMFlash) Snapshot() []byte {
	out := make([]byte, len(dev.data))
	copy(out, dev.data)
	return out
}

// Restore overwrites the media with a snapshot previously taken from a device
// with identical geometry. Every block is marked as erased-at-least-once:
// any programmed content in the snapshot implies an earlier erase, and the
// bytewise check in Program still forbids overwriting non-fill bytes.
func (dev *RAMFlash) Restore(snapshot []byte) error {
	if len(snapshot) != len(dev.data) {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"snapshot is %d bytes, device is %d", len(snapshot), len(dev.data)))
	}
	copy(dev.data, snapshot)
	for block := 0; block < int(dev.geometry.BlockCount); block++ {
		dev.erased.Set(block, true)
	}
	return nil
}
