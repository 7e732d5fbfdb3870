package segment

import (
	"os"
	"path/filepath"

	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// Filer is the on-disk types.SegmentFiler: it knows how segment files are
// named inside a storage directory and turns types.SegmentInfo values into
// concrete files.
type Filer struct {
	dir string
}

// NewFiler returns a Filer rooted at dir, which must already exist.
func NewFiler(dir string) *Filer {
	return &Filer{dir: dir}
}

func (fl *Filer) pathFor(info types.SegmentInfo) string {
	p := Parsed{IsOpen: info.IsOpen(), Start: info.StartIndex, End: info.EndIndex}
	return Path(fl.dir, p)
}

func (fl *Filer) Create(info types.SegmentInfo) (types.SegmentWriter, error) {
	return CreateFile(fl.pathFor(info), info)
}

func (fl *Filer) RecoverTail(info types.SegmentInfo) (types.SegmentWriter, types.SegmentLoadResult, error) {
	return RecoverFile(fl.pathFor(info), info)
}

func (fl *Filer) Open(info types.SegmentInfo) (types.SegmentReader, types.SegmentLoadResult, error) {
	return OpenFile(fl.pathFor(info), false)
}

// OpenKeepEntries is like Open but also materializes entries, used during
// the initial replay in raftwal.Open and by the read slow path when a
// segment's entries have been evicted.
func (fl *Filer) OpenKeepEntries(info types.SegmentInfo) (types.SegmentReader, types.SegmentLoadResult, error) {
	return OpenFile(fl.pathFor(info), true)
}

func (fl *Filer) List() (map[uint64]uint64, error) {
	parsed, err := List(fl.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]uint64, len(parsed))
	for _, p := range parsed {
		out[p.Start] = p.Start
	}
	return out, nil
}

func (fl *Filer) Delete(id, startIndex uint64) error {
	// Closed segment file names encode their end index, which this
	// method's signature doesn't carry; the caller (the worker) always
	// knows the full SegmentInfo and calls DeleteInfo instead. Delete is
	// kept only to satisfy types.SegmentFiler for callers with just the
	// id/startIndex pair (e.g. pruning orphaned open-segment files found
	// by List but absent from the catalog).
	path := Path(fl.dir, Parsed{IsOpen: true, Start: startIndex})
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteInfo removes the file backing info.
func (fl *Filer) DeleteInfo(info types.SegmentInfo) error {
	err := os.Remove(fl.pathFor(info))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename moves an open segment file to its closed name once sealed.
func (fl *Filer) Rename(open types.SegmentInfo, closed types.SegmentInfo) error {
	oldPath := filepath.Join(fl.dir, OpenName(open.StartIndex))
	newPath := filepath.Join(fl.dir, ClosedName(closed.StartIndex, closed.EndIndex))
	return os.Rename(oldPath, newPath)
}

// RenameToOpen is Rename's inverse: a truncation that cuts into a closed
// segment turns it back into the appendable tail, so the file must move
// back to its in-progress name before it can be recovered for writing.
func (fl *Filer) RenameToOpen(closed types.SegmentInfo) error {
	oldPath := filepath.Join(fl.dir, ClosedName(closed.StartIndex, closed.EndIndex))
	newPath := filepath.Join(fl.dir, OpenName(closed.StartIndex))
	return os.Rename(oldPath, newPath)
}
