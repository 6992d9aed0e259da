package ledger

import (
	"encoding/binary"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ElectionResult is the deterministic outcome of a validator-slot draw: an
// ordered list of validator slots, the VRF randomness it was drawn from, and
// the view change it was computed for.
type ElectionResult struct {
	Validators []ValidatorStake
	Random     types.Hash
	ViewChange uint32
}

// Facilitator returns the slot-0 validator, or false if there are no slots.
func (r ElectionResult) Facilitator() (ValidatorStake, bool) {
	if len(r.Validators) == 0 {
		return ValidatorStake{}, false
	}
	return r.Validators[0], true
}

// Leader returns the leader for view change v: the slot at index
// v mod len(r.Validators), so view change 0 selects slot 0 (the
// facilitator's index). After a slashing removal the modulus is the
// reduced slot count, not max_slot_count.
func (r ElectionResult) Leader(v uint32) (ValidatorStake, bool) {
	n := len(r.Validators)
	if n == 0 {
		return ValidatorStake{}, false
	}
	idx := int(v) % n
	return r.Validators[idx], true
}

// IsValidator reports whether networkKey holds a slot in this result.
func (r ElectionResult) IsValidator(networkKey []byte) bool {
	for _, v := range r.Validators {
		if bytesEqual(v.Validator, networkKey) {
			return true
		}
	}
	return false
}

// RemoveValidator drops the slot matching networkKey, used when a
// SlashingTransaction evicts a cheater mid-epoch. Returns a new
// ElectionResult; the original is left untouched.
func (r ElectionResult) RemoveValidator(networkKey []byte) ElectionResult {
	out := ElectionResult{Random: r.Random, ViewChange: r.ViewChange}
	for _, v := range r.Validators {
		if bytesEqual(v.Validator, networkKey) {
			continue
		}
		out.Validators = append(out.Validators, v)
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SelectValidatorSlots deterministically draws up to maxSlotCount slots from
// stakes, weighted by amount, using random as the draw seed. Stakes are
// sorted canonically by network key first so the draw is reproducible
// regardless of map iteration order upstream. The draw is with replacement:
// a single validator can occupy more than one slot if its stake is large
// relative to the rest of the set.
func SelectValidatorSlots(stakes []ValidatorStake, random types.Hash, maxSlotCount uint32) ElectionResult {
	sorted := make([]ValidatorStake, len(stakes))
	copy(sorted, stakes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytesLess(sorted[i].Validator, sorted[j].Validator)
	})

	result := ElectionResult{Random: random}
	if len(sorted) == 0 || maxSlotCount == 0 {
		return result
	}

	var total uint64
	for _, s := range sorted {
		total += s.Amount
	}
	if total == 0 {
		return result
	}

	for i := uint32(0); i < maxSlotCount; i++ {
		draw := drawValue(random, i, total)
		result.Validators = append(result.Validators, pickWeighted(sorted, draw))
	}
	return result
}

// drawValue derives the i-th draw in [0, total) from the seed by hashing
// (seed || index) and reducing modulo total. Re-running this with the same
// (random, maxSlotCount) inputs always yields the same sequence.
func drawValue(seed types.Hash, index uint32, total uint64) uint64 {
	buf := make([]byte, 0, len("klingnet/election/draw")+32+4)
	buf = append(buf, []byte("klingnet/election/draw")...)
	buf = append(buf, seed[:]...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	h := crypto.Hash(buf)
	v := binary.BigEndian.Uint64(h[:8])
	return v % total
}

// pickWeighted walks the cumulative stake distribution and returns the
// validator whose weighted interval contains draw.
func pickWeighted(sorted []ValidatorStake, draw uint64) ValidatorStake {
	var cum uint64
	for _, s := range sorted {
		cum += s.Amount
		if draw < cum {
			return s
		}
	}
	return sorted[len(sorted)-1]
}

// electionUnitKey is the single key the election-result MVM is ever stored
// under: there is exactly one live ElectionResult at a time.
type electionUnitKey struct{}

// ElectionStore holds the current ElectionResult, versioned by LSN like every
// other ledger index, so a micro-block rollback restores the prior schedule.
type ElectionStore struct {
	m *mvm.Map[electionUnitKey, ElectionResult]
}

// NewElectionStore returns an empty election store.
func NewElectionStore() *ElectionStore {
	return &ElectionStore{m: mvm.New[electionUnitKey, ElectionResult]()}
}

// Set records result as the current election outcome at lsn.
func (s *ElectionStore) Set(lsn LSN, result ElectionResult) {
	s.m.Insert(lsn, electionUnitKey{}, result)
}

// Current returns the live ElectionResult, if any has been set yet.
func (s *ElectionStore) Current() (ElectionResult, bool) {
	return s.m.Get(electionUnitKey{})
}

// Checkpoint discards undo history up to the current LSN. Per the macro-block
// apply step, election_result is deliberately never checkpointed here; this
// method exists for symmetry with the other MVM-backed stores and is left
// unused by the macro-apply path on purpose.
func (s *ElectionStore) Checkpoint() { s.m.Checkpoint() }

// RollbackToLSN restores the election result to what it was at lsn.
func (s *ElectionStore) RollbackToLSN(lsn LSN) { s.m.RollbackToLSN(lsn) }

// Clone returns an independent copy, used by transient lookups that must not
// mutate the live store (e.g. ElectionResultByOffset in the ledger core).
func (s *ElectionStore) Clone() *ElectionStore { return &ElectionStore{m: s.m.Clone()} }
