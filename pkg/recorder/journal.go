package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PrefixJournal namespaces journal keys inside the pebble instance.
const PrefixJournal = "j:"

// Entry is one churn operation as it was applied to the working directory.
type Entry struct {
	Timestamp int64  `json:"ts"` // Nanoseconds
	Seq       uint64 `json:"seq"`
	Op        string `json:"op"`   // "setup", "write", "create", "delete", "rotate", "final"
	Path      string `json:"path"` // File name relative to the working directory
	Outcome   string `json:"outcome"`
	CID       string `json:"cid,omitempty"` // Archived pre-rotation content
	Detail    string `json:"detail,omitempty"`
}

// Journal appends churn operations to pebble using a time-ordered key.
type Journal struct {
	db    *pebble.DB
	owned bool

	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) a pebble journal under dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}

	j, err := NewJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// OpenReadOnly opens an existing journal for inspection.
func OpenReadOnly(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	return &Journal{db: db, owned: true}, nil
}

// NewJournal creates a journal writer bound to the provided pebble instance.
// Sequence numbers continue from the highest one already present.
func NewJournal(db *pebble.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("pebble database is not initialized")
	}

	j := &Journal{db: db}

	iter, err := newPrefixIter(db, PrefixJournal)
	if err != nil {
		return nil, errors.Wrap(err, "open journal iterator")
	}
	defer iter.Close()

	// Keys order by timestamp first, and a later run may have stamped its
	// entries earlier than a previous one, so the last key is not
	// necessarily the highest sequence.
	for iter.First(); iter.Valid(); iter.Next() {
		if seq, ok := parseSeq(iter.Key()); ok && seq > j.seq {
			j.seq = seq
		}
	}
	return j, iter.Error()
}

// DB exposes the underlying pebble instance so other stores can share it.
func (j *Journal) DB() *pebble.DB {
	return j.db
}

// Record appends e, assigning it the next sequence number.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	j.seq++
	e.Seq = j.seq
	j.mu.Unlock()

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal journal entry")
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(entryKey(e), payload, pebble.NoSync); err != nil {
		return errors.Wrap(err, "write journal entry")
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return errors.Wrap(err, "commit journal entry")
	}

	return nil
}

// Entries returns every journal entry in key order.
func (j *Journal) Entries() ([]Entry, error) {
	iter, err := newPrefixIter(j.db, PrefixJournal)
	if err != nil {
		return nil, errors.Wrap(err, "open journal iterator")
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return entries, errors.Wrapf(err, "decode journal entry %s", iter.Key())
		}
		entries = append(entries, e)
	}

	return entries, iter.Error()
}

// Close flushes pending writes and closes the database if the journal opened it.
func (j *Journal) Close() error {
	if !j.owned {
		return nil
	}
	if err := j.db.Flush(); err != nil && !errors.Is(err, pebble.ErrReadOnly) {
		j.db.Close()
		return errors.Wrap(err, "flush journal")
	}
	return j.db.Close()
}

func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", PrefixJournal, e.Timestamp, e.Seq))
}

func parseSeq(key []byte) (uint64, bool) {
	k := string(key)
	i := strings.LastIndexByte(k, ':')
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseUint(k[i+1:], 10, 64)
	return seq, err == nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}
