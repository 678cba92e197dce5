package fs

import (
	"fmt"
	posixpath "path"
	"sort"
	"strings"

	"github.com/dargueta/flashfs"
	"github.com/dargueta/flashfs/metapair"
)

// tailReserve keeps room in every metadata pair for one continuation entry,
// so a full pair can always be linked to a new one.
const tailReserve = 4 + 8

// chain is a directory: a singly linked list of metadata pairs, in order.
type chain []*metapair.State

// readChain reads a directory starting at its first pair, following
// continuation entries.
func (filesystem *FS) readChain(pair metapair.Pair) (chain, error) {
	var states chain
	seen := map[metapair.Pair]bool{}

	for {
		if seen[pair] {
			return nil, flashfs.ErrCorrupted.WithMessage(
				fmt.Sprintf("directory chain loops back to pair %s", pair))
		}
		seen[pair] = true

		state, err := metapair.ReadCurrent(filesystem.dev, pair)
		if err != nil {
			return nil, err
		}
		states = append(states, state)

		next, ok, err := chainTail(state)
		if err != nil {
			return nil, err
		}
		if !ok {
			return states, nil
		}
		pair = next
	}
}

// chainTail extracts the continuation pointer of a pair, if it has one.
func chainTail(state *metapair.State) (metapair.Pair, bool, error) {
	for _, entry := range state.Entries {
		if tagType(entry.Tag) == tagTail {
			pair, err := parseTail(entry)
			return pair, err == nil, err
		}
	}
	return metapair.Pair{}, false, nil
}

// dirents parses every file/directory record in a chain, skipping tails and
// unrecognized tags.
func (states chain) dirents() ([]dirent, error) {
	var entries []dirent
	for _, state := range states {
		for _, entry := range state.Entries {
			switch tagType(entry.Tag) {
			case tagFile, tagDirectory:
				ent, err := parseDirent(entry)
				if err != nil {
					return nil, err
				}
				entries = append(entries, ent)
			}
		}
	}
	return entries, nil
}

// entryLocation pinpoints one record inside a chain.
type entryLocation struct {
	state      *metapair.State
	entryIndex int
	ent        dirent
}

// findEntry locates a record by name.
func (states chain) findEntry(name string) (entryLocation, bool, error) {
	for _, state := range states {
		for i, entry := range state.Entries {
			kind := tagType(entry.Tag)
			if kind != tagFile && kind != tagDirectory {
				continue
			}
			ent, err := parseDirent(entry)
			if err != nil {
				return entryLocation{}, false, err
			}
			if ent.Name == name {
				return entryLocation{state: state, entryIndex: i, ent: ent}, true, nil
			}
		}
	}
	return entryLocation{}, false, nil
}

////////////////////////////////////////////////////////////////////////////////
// Path resolution

// normalizePath cleans a path into an absolute, slash-separated form.
func normalizePath(path string) string {
	path = posixpath.Clean("/" + strings.ReplaceAll(path, "\\", "/"))
	return path
}

// splitPath breaks a normalized path into components. The root is an empty
// list.
func splitPath(path string) []string {
	path = normalizePath(path)
	if path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// resolveDir walks the tree from the root and returns the pair of the
// directory at `path`.
func (filesystem *FS) resolveDir(path string) (metapair.Pair, error) {
	pair := filesystem.rootPair
	for _, component := range splitPath(path) {
		states, err := filesystem.readChain(pair)
		if err != nil {
			return pair, err
		}
		location, found, err := states.findEntry(component)
		if err != nil {
			return pair, err
		}
		if !found {
			return pair, flashfs.ErrNotFound.WithMessage(path)
		}
		if location.ent.Kind != flashfs.KindDirectory {
			return pair, flashfs.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q in %q", component, path))
		}
		pair = location.ent.Pair
	}
	return pair, nil
}

// resolveParent returns the pair of the directory containing `path` and the
// final name component. The root has no parent.
func (filesystem *FS) resolveParent(path string) (metapair.Pair, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return metapair.Pair{}, "", flashfs.ErrInvalidArgument.WithMessage(
			"the root directory has no parent")
	}
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")
	pair, err := filesystem.resolveDir(parentPath)
	return pair, components[len(components)-1], err
}

////////////////////////////////////////////////////////////////////////////////
// Read side

// Stat implements [flashfs.ReadingFileSystem].
func (filesystem *FS) Stat(path string) (flashfs.DirectoryEntry, error) {
	if err := filesystem.checkMounted(); err != nil {
		return flashfs.DirectoryEntry{}, err
	}
	if len(splitPath(path)) == 0 {
		return flashfs.DirectoryEntry{Name: "/", Kind: flashfs.KindDirectory}, nil
	}

	location, err := filesystem.locate(path)
	if err != nil {
		return flashfs.DirectoryEntry{}, err
	}
	return flashfs.DirectoryEntry{
		Name: location.ent.Name,
		Kind: location.ent.Kind,
		Size: location.ent.List.Size,
	}, nil
}

// locate resolves a non-root path to its directory record.
func (filesystem *FS) locate(path string) (entryLocation, error) {
	parentPair, name, err := filesystem.resolveParent(path)
	if err != nil {
		return entryLocation{}, err
	}
	states, err := filesystem.readChain(parentPair)
	if err != nil {
		return entryLocation{}, err
	}
	location, found, err := states.findEntry(name)
	if err != nil {
		return entryLocation{}, err
	}
	if !found {
		return entryLocation{}, flashfs.ErrNotFound.WithMessage(path)
	}
	return location, nil
}

// ReadDir implements [flashfs.ReadingFileSystem]. Entries are returned in
// name order.
func (filesystem *FS) ReadDir(path string) ([]flashfs.DirectoryEntry, error) {
	if err := filesystem.checkMounted(); err != nil {
		return nil, err
	}

	pair, err := filesystem.resolveDir(path)
	if err != nil {
		return nil, err
	}
	states, err := filesystem.readChain(pair)
	if err != nil {
		return nil, err
	}
	records, err := states.dirents()
	if err != nil {
		return nil, err
	}

	listing := make([]flashfs.DirectoryEntry, len(records))
	for i, ent := range records {
		listing[i] = flashfs.DirectoryEntry{
			Name: ent.Name,
			Kind: ent.Kind,
			Size: ent.List.Size,
		}
	}
	sort.Slice(listing, func(i, j int) bool {
		return listing[i].Name < listing[j].Name
	})
	return listing, nil
}

////////////////////////////////////////////////////////////////////////////////
// Chain mutation

// fitsInPair checks that entries fit in a block while preserving the tail
// reserve for pairs that don't have a continuation yet.
func (filesystem *FS) fitsInPair(entries []metapair.Entry) bool {
	hasTail := false
	for _, entry := range entries {
		if tagType(entry.Tag) == tagTail {
			hasTail = true
			break
		}
	}
	limit := metapair.MaxEntryBytes(filesystem.geo)
	if !hasTail {
		limit -= tailReserve
	}
	return metapair.EntryBytes(entries) <= limit
}

// withEntry returns a copy of `entries` with `addition` appended before any
// continuation record, keeping tails at the end of the region.
func withEntry(entries []metapair.Entry, addition metapair.Entry) []metapair.Entry {
	out := make([]metapair.Entry, 0, len(entries)+1)
	var tails []metapair.Entry
	for _, entry := range entries {
		if tagType(entry.Tag) == tagTail {
			tails = append(tails, entry)
			continue
		}
		out = append(out, entry)
	}
	out = append(out, addition)
	return append(out, tails...)
}

// withoutEntry returns a copy of `entries` with index `drop` removed.
func withoutEntry(entries []metapair.Entry, drop int) []metapair.Entry {
	out := make([]metapair.Entry, 0, len(entries)-1)
	out = append(out, entries[:drop]...)
	return append(out, entries[drop+1:]...)
}

// addEntry commits a new record into a directory, extending the chain with a
// fresh pair when every existing pair is full.
func (filesystem *FS) addEntry(dirPair metapair.Pair, ent dirent) error {
	states, err := filesystem.readChain(dirPair)
	if err != nil {
		return err
	}

	record := ent.encode()
	for _, state := range states {
		candidate := withEntry(state.Entries, record)
		if filesystem.fitsInPair(candidate) {
			return state.Commit(filesystem.dev, candidate)
		}
	}

	// Every pair is full: put the record in a new pair, then link it. A
	// crash between the two commits orphans the new pair, which the next
	// allocator sweep reclaims.
	newPair, err := filesystem.allocatePair()
	if err != nil {
		return err
	}
	if _, err := metapair.Init(filesystem.dev, newPair, []metapair.Entry{record}); err != nil {
		return err
	}

	last := states[len(states)-1]
	return last.Commit(filesystem.dev, append(last.Entries, encodeTail(newPair)))
}

// replaceEntry commits an in-place update of a located record.
func (filesystem *FS) replaceEntry(location entryLocation, ent dirent) error {
	entries := make([]metapair.Entry, len(location.state.Entries))
	copy(entries, location.state.Entries)
	entries[location.entryIndex] = ent.encode()
	return location.state.Commit(filesystem.dev, entries)
}

// dropEntry commits the removal of a located record.
func (filesystem *FS) dropEntry(location entryLocation) error {
	return location.state.Commit(
		filesystem.dev,
		withoutEntry(location.state.Entries, location.entryIndex))
}

////////////////////////////////////////////////////////////////////////////////
// Write side

// Mkdir implements [flashfs.WritingFileSystem].
func (filesystem *FS) Mkdir(path string) error {
	if err := filesystem.checkWritable(); err != nil {
		return err
	}
	failed := true
	defer func() { filesystem.finishOperation(failed) }()

	parentPair, name, err := filesystem.resolveParent(path)
	if err != nil {
		return err
	}
	if err = checkName(name); err != nil {
		return err
	}

	states, err := filesystem.readChain(parentPair)
	if err != nil {
		return err
	}
	if _, found, err := states.findEntry(name); err != nil {
		return err
	} else if found {
		return flashfs.ErrExists.WithMessage(path)
	}

	childPair, err := filesystem.allocatePair()
	if err != nil {
		return err
	}
	if _, err = metapair.Init(filesystem.dev, childPair, nil); err != nil {
		return err
	}

	err = filesystem.addEntry(parentPair, dirent{
		Name: name,
		Kind: flashfs.KindDirectory,
		Pair: childPair,
	})
	if err != nil {
		return err
	}
	failed = false
	return nil
}

// Remove implements [flashfs.WritingFileSystem]. Directories must be empty.
// The removed object's blocks are not erased; they become unreferenced and
// are reclaimed by a later allocator scan.
func (filesystem *FS) Remove(path string) error {
	if err := filesystem.checkWritable(); err != nil {
		return err
	}

	location, err := filesystem.locate(path)
	if err != nil {
		return err
	}

	if location.ent.Kind == flashfs.KindDirectory {
		child, err := filesystem.readChain(location.ent.Pair)
		if err != nil {
			return err
		}
		records, err := child.dirents()
		if err != nil {
			return err
		}
		if len(records) > 0 {
			return flashfs.ErrDirectoryNotEmpty.WithMessage(path)
		}
	}

	if err = filesystem.dropEntry(location); err != nil {
		return err
	}
	filesystem.allocator.Invalidate()
	return nil
}

// Rename implements [flashfs.WritingFileSystem]. Within one directory the
// rename is a single commit. Across directories the destination is committed
// before the source is removed; the source entry is first flagged so an
// interrupted move is resolved deterministically at the next mount instead
// of surfacing as either data loss or a duplicate.
func (filesystem *FS) Rename(oldPath, newPath string) error {
	if err := filesystem.checkWritable(); err != nil {
		return err
	}
	failed := true
	defer func() { filesystem.finishOperation(failed) }()

	oldNorm := normalizePath(oldPath)
	newNorm := normalizePath(newPath)
	if oldNorm == newNorm {
		failed = false
		return nil
	}
	if strings.HasPrefix(newNorm, oldNorm+"/") {
		return flashfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cannot move %q into itself", oldPath))
	}

	oldParent, oldName, err := filesystem.resolveParent(oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := filesystem.resolveParent(newPath)
	if err != nil {
		return err
	}
	if err = checkName(newName); err != nil {
		return err
	}

	oldStates, err := filesystem.readChain(oldParent)
	if err != nil {
		return err
	}
	source, found, err := oldStates.findEntry(oldName)
	if err != nil {
		return err
	}
	if !found {
		return flashfs.ErrNotFound.WithMessage(oldPath)
	}

	newStates := oldStates
	sameDir := oldParent == newParent
	if !sameDir {
		newStates, err = filesystem.readChain(newParent)
		if err != nil {
			return err
		}
	}

	target, targetExists, err := newStates.findEntry(newName)
	if err != nil {
		return err
	}
	if targetExists {
		if err := filesystem.checkReplaceable(source.ent, target.ent, newPath); err != nil {
			return err
		}
	}

	moved := source.ent
	moved.Name = newName
	moved.Moving = false

	// Fast path: everything happens inside one pair, so the whole rename is
	// one atomic commit.
	if sameDir && (!targetExists || target.state == source.state) {
		entries := make([]metapair.Entry, 0, len(source.state.Entries))
		for i, entry := range source.state.Entries {
			if i == source.entryIndex {
				continue
			}
			if targetExists && i == target.entryIndex {
				continue
			}
			entries = append(entries, entry)
		}
		candidate := withEntry(entries, moved.encode())
		if filesystem.fitsInPair(candidate) {
			if err = source.state.Commit(filesystem.dev, candidate); err != nil {
				return err
			}
			filesystem.allocator.Invalidate()
			failed = false
			return nil
		}
	}

	// General path, one commit at a time: flag the source, remove the
	// overwritten target, commit the destination, then drop the source. A
	// crash after the flag commit is resolved at the next mount, never as a
	// torn state. The flag records the destination so recovery can check it
	// directly. The chain is re-read after every commit because each commit
	// invalidates previously read pair states.
	flagged := source.ent
	flagged.Moving = true
	flagged.DestPair = newParent
	flagged.DestName = newName
	if err = filesystem.replaceEntry(source, flagged); err != nil {
		return err
	}

	if targetExists {
		newStates, err = filesystem.readChain(newParent)
		if err != nil {
			return err
		}
		target, targetExists, err = newStates.findEntry(newName)
		if err != nil {
			return err
		}
		if targetExists {
			if err = filesystem.dropEntry(target); err != nil {
				return err
			}
		}
	}

	if err = filesystem.addEntry(newParent, moved); err != nil {
		return err
	}

	oldStates, err = filesystem.readChain(oldParent)
	if err != nil {
		return err
	}
	source, found, err = oldStates.findEntry(oldName)
	if err != nil {
		return err
	}
	if found {
		if err = filesystem.dropEntry(source); err != nil {
			return err
		}
	}
	filesystem.allocator.Invalidate()
	failed = false
	return nil
}

// checkReplaceable enforces the POSIX-style rules for renaming onto an
// existing name.
func (filesystem *FS) checkReplaceable(source, target dirent, newPath string) error {
	if target.Kind == flashfs.KindDirectory {
		if source.Kind != flashfs.KindDirectory {
			return flashfs.ErrIsADirectory.WithMessage(newPath)
		}
		child, err := filesystem.readChain(target.Pair)
		if err != nil {
			return err
		}
		records, err := child.dirents()
		if err != nil {
			return err
		}
		if len(records) > 0 {
			return flashfs.ErrDirectoryNotEmpty.WithMessage(newPath)
		}
		return nil
	}
	if source.Kind == flashfs.KindDirectory {
		return flashfs.ErrNotADirectory.WithMessage(newPath)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Mount-time recovery

// moveCommitted reports whether the destination recorded in a flagged
// entry already holds the renamed object. Directories match by pair,
// non-empty files by their block list. A zero-length file matches any
// zero-length file at the destination name: the moved copy and an
// overwritten empty target are indistinguishable on disk, and either way
// dropping the flagged source yields the completed-rename state.
func (filesystem *FS) moveCommitted(ent dirent) (bool, error) {
	states, err := filesystem.readChain(ent.DestPair)
	if err != nil {
		return false, err
	}
	location, found, err := states.findEntry(ent.DestName)
	if err != nil || !found {
		return false, err
	}
	other := location.ent
	if other.Moving || other.Kind != ent.Kind {
		return false, nil
	}
	if ent.Kind == flashfs.KindDirectory {
		return other.Pair == ent.Pair, nil
	}
	if ent.List.Size > 0 {
		return other.List == ent.List, nil
	}
	return other.List.Size == 0, nil
}

// recoverMoves resolves entries left flagged by an interrupted cross-
// directory rename: if the recorded destination already holds a matching
// entry the flagged record is the stale source and is dropped; otherwise
// the move never committed its destination and the flag is simply cleared.
func (filesystem *FS) recoverMoves() error {
	var flagged []entryLocation

	stack := []metapair.Pair{filesystem.rootPair}
	for len(stack) > 0 {
		pair := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dirStates, err := filesystem.readChain(pair)
		if err != nil {
			return err
		}

		for _, state := range dirStates {
			for i, entry := range state.Entries {
				kind := tagType(entry.Tag)
				if kind != tagFile && kind != tagDirectory {
					continue
				}
				ent, err := parseDirent(entry)
				if err != nil {
					return err
				}
				if ent.Moving {
					flagged = append(flagged, entryLocation{
						state:      state,
						entryIndex: i,
						ent:        ent,
					})
				}
				if ent.Kind == flashfs.KindDirectory && !ent.Moving {
					stack = append(stack, ent.Pair)
				}
			}
		}
	}

	for _, record := range flagged {
		committed, err := filesystem.moveCommitted(record.ent)
		if err != nil {
			return err
		}
		if committed {
			if err := filesystem.dropEntry(record); err != nil {
				return err
			}
			continue
		}
		cleared := record.ent
		cleared.Moving = false
		cleared.DestPair = metapair.Pair{}
		cleared.DestName = ""
		if err := filesystem.replaceEntry(record, cleared); err != nil {
			return err
		}
	}
	return nil
}
