package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

// StorageError wraps a failure from the underlying key-value store with the
// LSN or key involved, so callers can recover and retry without losing
// context. Block-log I/O failures are returned in this form rather than
// panicking on.
type StorageError struct {
	Op  string
	LSN LSN
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: storage %s at %s: %v", e.Op, e.LSN, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// BlockLog is the persistent, ordered, LSN-keyed append log that records
// every applied block. The order produced by full iteration is the exact
// apply order, because a macro-block's offset (the sentinel) sorts after
// every micro-block offset in the same epoch.
type BlockLog struct {
	db storage.DB
}

// NewBlockLog wraps db as a block log. db is expected to also implement
// storage.Batcher so a block's writes can commit atomically; BadgerDB and
// MemoryDB both do.
func NewBlockLog(db storage.DB) *BlockLog {
	return &BlockLog{db: db}
}

// Put stores the serialized block at lsn, outside of any batch.
func (l *BlockLog) Put(lsn LSN, data []byte) error {
	if err := l.db.Put(EncodeLSN(lsn), data); err != nil {
		return &StorageError{Op: "put", LSN: lsn, Err: err}
	}
	return nil
}

// Get loads the serialized block at lsn.
func (l *BlockLog) Get(lsn LSN) ([]byte, error) {
	data, err := l.db.Get(EncodeLSN(lsn))
	if err != nil {
		return nil, &StorageError{Op: "get", LSN: lsn, Err: err}
	}
	return data, nil
}

// Delete removes the serialized block at lsn.
func (l *BlockLog) Delete(lsn LSN) error {
	if err := l.db.Delete(EncodeLSN(lsn)); err != nil {
		return &StorageError{Op: "delete", LSN: lsn, Err: err}
	}
	return nil
}

// NewBatch opens an atomic batch for grouping one block's writes. Panics if
// the underlying store does not support batching, which would be a wiring
// bug rather than a runtime condition.
func (l *BlockLog) NewBatch() storage.Batch {
	batcher, ok := l.db.(storage.Batcher)
	if !ok {
		panic(fmt.Sprintf("ledger: block log store %T does not implement storage.Batcher", l.db))
	}
	return batcher.NewBatch()
}

// Entry is one record yielded by iteration: the LSN it was stored at and
// its serialized block bytes.
type Entry struct {
	LSN  LSN
	Data []byte
}

// entriesFrom loads every stored entry with key >= EncodeLSN(from), sorted
// in byte-lexicographic order. The storage.DB interface only offers
// prefix-scoped, unordered ForEach, so this materializes and sorts rather
// than streaming — acceptable since a block log's entry count is bounded by
// epochs-times-micro-blocks-per-epoch, not unbounded.
func (l *BlockLog) entriesFrom(from LSN) ([]Entry, error) {
	fromKey := EncodeLSN(from)
	var entries []Entry
	err := l.db.ForEach(nil, func(key, value []byte) error {
		if len(key) != keyLen || bytes.Compare(key, fromKey) < 0 {
			return nil
		}
		lsn, err := DecodeLSN(key)
		if err != nil {
			return err
		}
		data := make([]byte, len(value))
		copy(data, value)
		entries = append(entries, Entry{LSN: lsn, Data: data})
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "iterate", LSN: from, Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LSN.Less(entries[j].LSN) })
	return entries, nil
}

// All returns every entry in the log, in apply order.
func (l *BlockLog) All() ([]Entry, error) {
	return l.entriesFrom(LSN{})
}

// From returns a lazy forward iterator over the log starting at lsn
// (inclusive). The sequence is a finite snapshot taken at call time; it is
// not restartable across mutations to the underlying log.
func (l *BlockLog) From(lsn LSN) (func(yield func(Entry) bool), error) {
	entries, err := l.entriesFrom(lsn)
	if err != nil {
		return nil, err
	}
	return func(yield func(Entry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}
