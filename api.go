package flashfs

// EntryKind discriminates the two kinds of objects a directory can hold.
type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindDirectory
)

func (kind EntryKind) String() string {
	switch kind {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// DirectoryEntry describes one object in a directory listing. Size is 0 for
// directories.
type DirectoryEntry struct {
	Name string
	Kind EntryKind
	Size uint32
}

// IsDir returns true if the entry names a directory.
func (entry DirectoryEntry) IsDir() bool {
	return entry.Kind == KindDirectory
}

// FSStat is a snapshot of filesystem-wide information, in the spirit of
// statvfs(3).
type FSStat struct {
	// BlockSize gives the size of an erase block, in bytes.
	BlockSize uint32
	// TotalBlocks gives the total number of erase blocks on the device.
	TotalBlocks uint32
	// Version is the on-disk format version found in the superblock.
	Version uint32
}

// ReadingFileSystem is the interface for the read-only half of a mounted
// filesystem.
type ReadingFileSystem interface {
	Stat(path string) (DirectoryEntry, error)
	ReadDir(path string) ([]DirectoryEntry, error)
	// ReadFile returns the contents of the file at the given path.
	ReadFile(path string) ([]byte, error)
	FSStat() FSStat
}

// WritingFileSystem is the interface for the mutating half of a mounted
// filesystem. Every method commits its effects before returning; there is no
// flush step.
type WritingFileSystem interface {
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Truncate(path string, size uint32) error
	WriteFile(path string, data []byte) error
}

// FileSystem is the interface for a fully mounted filesystem instance.
//
// Implementations perform no internal locking: a mounted instance assumes a
// single logical writer, and callers sharing one across goroutines must
// serialize access themselves.
type FileSystem interface {
	ReadingFileSystem
	WritingFileSystem

	// Unmount invalidates the handle and any open file cursors. Nothing is
	// flushed because every completed operation is already durable.
	Unmount() error
}
