package ledger

import (
	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// indexedSet is the block_by_hash index: it only needs to answer "is this
// hash already present," since block retrieval goes through the log keyed
// by LSN, not through this index.
type indexedSet struct {
	m *mvm.Map[types.Hash, LSN]
}

func newIndexedSet() *indexedSet { return &indexedSet{m: mvm.New[types.Hash, LSN]()} }

// insert records hash as present at lsn. Returns false if hash was already
// present (a collision the caller must treat as fatal).
func (s *indexedSet) insert(lsn LSN, hash types.Hash) bool {
	if _, exists := s.m.Get(hash); exists {
		return false
	}
	s.m.Insert(lsn, hash, lsn)
	return true
}

// contains reports whether hash is currently indexed, without resolving it.
func (s *indexedSet) contains(hash types.Hash) bool {
	_, ok := s.m.Get(hash)
	return ok
}

func (s *indexedSet) checkpoint()           { s.m.Checkpoint() }
func (s *indexedSet) rollbackToLSN(lsn LSN) { s.m.RollbackToLSN(lsn) }

// outputIndex is the output_by_hash index: UTXO hash to its OutputKey
// locator.
type outputIndex struct {
	m *mvm.Map[types.Hash, OutputKey]
}

func newOutputIndex() *outputIndex { return &outputIndex{m: mvm.New[types.Hash, OutputKey]()} }

// insert records hash -> key at lsn. Returns false on a hash collision.
func (s *outputIndex) insert(lsn LSN, hash types.Hash, key OutputKey) bool {
	if _, exists := s.m.Get(hash); exists {
		return false
	}
	s.m.Insert(lsn, hash, key)
	return true
}

func (s *outputIndex) remove(lsn LSN, hash types.Hash)          { s.m.Remove(lsn, hash) }
func (s *outputIndex) lookup(hash types.Hash) (OutputKey, bool) { return s.m.Get(hash) }
func (s *outputIndex) contains(hash types.Hash) bool            { _, ok := s.m.Get(hash); return ok }
func (s *outputIndex) keys() []types.Hash                       { return s.m.Keys() }
func (s *outputIndex) checkpoint()                              { s.m.Checkpoint() }
func (s *outputIndex) rollbackToLSN(lsn LSN)                    { s.m.RollbackToLSN(lsn) }
