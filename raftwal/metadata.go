package raftwal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

const metaFileName = "raft-meta"

// RaftMeta is the (currentTerm, votedFor) pair, stored as two lines:
// `term=<long>` and `votedFor=<peerId|empty>`.
type RaftMeta struct {
	CurrentTerm uint64
	VotedFor    string
}

// loadRaftMeta reads dir/raft-meta, returning the zero value if it
// doesn't exist yet (a brand new log).
func loadRaftMeta(dir string) (RaftMeta, error) {
	path := filepath.Join(dir, metaFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return RaftMeta{}, nil
	}
	if err != nil {
		return RaftMeta{}, err
	}
	defer f.Close()

	var m RaftMeta
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "term":
			term, perr := strconv.ParseUint(v, 10, 64)
			if perr != nil {
				return RaftMeta{}, fmt.Errorf("%w: bad term line in raft-meta", types.ErrCorrupt)
			}
			m.CurrentTerm = term
		case "votedFor":
			m.VotedFor = v
		}
	}
	if err := sc.Err(); err != nil {
		return RaftMeta{}, err
	}
	return m, nil
}

// writeRaftMeta atomically replaces dir/raft-meta via
// write-temp-then-rename.
func writeRaftMeta(dir string, m RaftMeta) error {
	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("term=%d\nvotedFor=%s\n", m.CurrentTerm, m.VotedFor)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// boltMetaStore is the segment-catalog MetaStore backed by bbolt. It is
// distinct from raft-meta above: the catalog has no externally visible
// wire format, so it gets an embedded KV store with atomic multi-segment
// commits instead of another hand-rolled flat file.
type boltMetaStore struct {
	db     *bbolt.DB
	bucket []byte
}

var catalogBucket = []byte("segments")
var catalogKey = []byte("state")

func newBoltMetaStore(dir string) (*boltMetaStore, error) {
	db, err := bbolt.Open(filepath.Join(dir, "segment-catalog.db"), 0o640, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(catalogBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltMetaStore{db: db, bucket: catalogBucket}, nil
}

// catalogWire is the JSON-serializable mirror of types.PersistentState;
// kept separate so types.go has no encoding concerns of its own.
type catalogWire struct {
	NextSegmentID uint64           `json:"next_segment_id"`
	Segments      []catalogSegment `json:"segments"`
}

type catalogSegment struct {
	ID         uint64 `json:"id"`
	StartIndex uint64 `json:"start_index"`
	EndIndex   uint64 `json:"end_index"`
	SizeLimit  uint32 `json:"size_limit"`
	CreateUnix int64  `json:"create_unix"`
	SealUnix   int64  `json:"seal_unix"` // 0 means open
}

func (s *boltMetaStore) Load(dir string) (types.PersistentState, error) {
	var wire catalogWire
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get(catalogKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &wire)
	})
	if err != nil {
		return types.PersistentState{}, err
	}
	return fromWire(wire), nil
}

func (s *boltMetaStore) CommitState(state types.PersistentState) error {
	wire := toWire(state)
	buf, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.Put(catalogKey, buf)
	})
}

func (s *boltMetaStore) Close() error { return s.db.Close() }

func toWire(s types.PersistentState) catalogWire {
	w := catalogWire{NextSegmentID: s.NextSegmentID}
	for _, si := range s.Segments {
		cs := catalogSegment{
			ID:         si.ID,
			StartIndex: si.StartIndex,
			EndIndex:   si.EndIndex,
			SizeLimit:  si.SizeLimit,
		}
		if !si.CreateTime.IsZero() {
			cs.CreateUnix = si.CreateTime.UnixNano()
		}
		if !si.SealTime.IsZero() {
			cs.SealUnix = si.SealTime.UnixNano()
		}
		w.Segments = append(w.Segments, cs)
	}
	return w
}

func fromWire(w catalogWire) types.PersistentState {
	s := types.PersistentState{NextSegmentID: w.NextSegmentID}
	for _, cs := range w.Segments {
		si := types.SegmentInfo{
			ID:         cs.ID,
			StartIndex: cs.StartIndex,
			EndIndex:   cs.EndIndex,
			SizeLimit:  cs.SizeLimit,
		}
		if cs.CreateUnix != 0 {
			si.CreateTime = time.Unix(0, cs.CreateUnix)
		}
		if cs.SealUnix != 0 {
			si.SealTime = time.Unix(0, cs.SealUnix)
		}
		s.Segments = append(s.Segments, si)
	}
	return s
}
