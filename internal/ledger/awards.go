package ledger

import (
	"encoding/hex"
	"math/bits"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ValidatorAwardState is either Active (the validator produced its slot's
// block, or has not yet been observed this epoch) or FailedAt the recorded
// (epoch, offset) it first missed its turn.
type ValidatorAwardState struct {
	Failed       bool
	FailedEpoch  uint64
	FailedOffset uint32
}

// ActiveAwardState returns the Active state.
func ActiveAwardState() ValidatorAwardState { return ValidatorAwardState{} }

// FailedAwardState returns the FailedAt(epoch, offset) state.
func FailedAwardState(epoch uint64, offset uint32) ValidatorAwardState {
	return ValidatorAwardState{Failed: true, FailedEpoch: epoch, FailedOffset: offset}
}

// AwardsEngine tracks per-validator activity within the current epoch and
// selects a service-award winner at epoch boundaries. The pool and
// difficulty are fixed consensus parameters, not accumulated state.
type AwardsEngine struct {
	activity   *mvm.Map[string, ValidatorAwardState] // key: hex validator network key
	pool       uint64
	difficulty uint32

	// finalized holds the most recently finalized epoch's per-account
	// activity, consulted by CheckWinners.
	finalized map[types.Address]ValidatorAwardState
}

// NewAwardsEngine returns an engine with the given service-award pool (base
// units paid to the winner) and difficulty (required leading zero bits in
// the winner draw hash).
func NewAwardsEngine(pool uint64, difficulty uint32) *AwardsEngine {
	return &AwardsEngine{
		activity:   mvm.New[string, ValidatorAwardState](),
		pool:       pool,
		difficulty: difficulty,
	}
}

// MarkFailed records validator as having missed its slot at (epoch, offset).
// Idempotent: a validator already marked Failed this epoch is left alone.
func (a *AwardsEngine) MarkFailed(lsn LSN, validator []byte, epoch uint64, offset uint32) {
	key := hex.EncodeToString(validator)
	if cur, ok := a.activity.Get(key); ok && cur.Failed {
		return
	}
	a.activity.Insert(lsn, key, FailedAwardState(epoch, offset))
}

// MarkActiveIfAbsent records validator as Active, unless it already has an
// entry this epoch (Active or Failed).
func (a *AwardsEngine) MarkActiveIfAbsent(lsn LSN, validator []byte) {
	key := hex.EncodeToString(validator)
	if _, ok := a.activity.Get(key); ok {
		return
	}
	a.activity.Insert(lsn, key, ActiveAwardState())
}

// ApplyMicroBlockActivity runs the per-micro-block activity update:
// every leader skipped by view_change in [0, viewChange) is marked Failed at
// (epoch, offset), then the leader that actually produced the block is
// marked Active if it has no entry yet.
func (a *AwardsEngine) ApplyMicroBlockActivity(lsn LSN, result ElectionResult, viewChange uint32, epoch uint64, offset uint32) {
	for v := uint32(0); v < viewChange; v++ {
		if leader, ok := result.Leader(v); ok {
			a.MarkFailed(lsn, leader.Validator, epoch, offset)
		}
	}
	if leader, ok := result.Leader(viewChange); ok {
		a.MarkActiveIfAbsent(lsn, leader.Validator)
	}
}

// ActivityByValidator returns the current-epoch state for validator, and
// whether it has been observed at all this epoch.
func (a *AwardsEngine) ActivityByValidator(validator []byte) (ValidatorAwardState, bool) {
	return a.activity.Get(hex.EncodeToString(validator))
}

// AwardsFromActiveEpoch is the block producer's preview of what a closing
// macro-block's activity_map and service award would be: bit i of the
// returned bitmap is set iff validatorsAtEpochStart[i] is still a current
// validator (not slashed out) and carries no Failed direct observation this
// epoch, and winner/amount/ok preview the service-award draw that
// EpochActivityFromMacroBlock + CheckWinners would produce once this epoch's
// macro-block actually lands. The preview runs against a throwaway engine
// built from a snapshot of the live activity map, restricted to
// currentValidators exactly as the real finalize step will restrict it
// (dropping slashed validators' direct observations) — the real engine's
// activity/finalized state is never touched.
func (a *AwardsEngine) AwardsFromActiveEpoch(validatorsAtEpochStart, currentValidators []ValidatorStake, accountOf func([]byte) (types.Address, bool), random types.Hash) (bitmap []byte, winner types.Address, amount uint64, ok bool) {
	filtered := make(map[string]ValidatorAwardState, len(currentValidators))
	for _, v := range currentValidators {
		key := hex.EncodeToString(v.Validator)
		state, tracked := a.activity.Get(key)
		if !tracked {
			state = ActiveAwardState()
		}
		filtered[key] = state
	}

	bitmap = make([]byte, (len(validatorsAtEpochStart)+7)/8)
	for i, v := range validatorsAtEpochStart {
		state, tracked := filtered[hex.EncodeToString(v.Validator)]
		if tracked && !state.Failed {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}

	activities := make(map[types.Address]ValidatorAwardState, len(filtered))
	for keyHex, state := range filtered {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			continue
		}
		acct, ok := accountOf(key)
		if !ok {
			continue
		}
		activities[acct] = state
	}

	preview := &AwardsEngine{pool: a.pool, difficulty: a.difficulty, finalized: activities}
	winner, amount, ok = preview.CheckWinners(random)
	return bitmap, winner, amount, ok
}

// Finalized returns the most recently finalized epoch's per-account activity
// map, as set by FinalizeEpoch.
func (a *AwardsEngine) Finalized() map[types.Address]ValidatorAwardState { return a.finalized }

// EpochActivityFromMacroBlock reconstructs per-account epoch activity from a
// received macro-block's activity_map and the validator set captured at
// epoch start, resolving account-key collisions by letting FailedAt
// dominate Active. accountOf maps a validator network key to the account
// key that would receive its service award, as tracked by the stake escrow.
func EpochActivityFromMacroBlock(activityMap []byte, validatorsAtEpochStart []ValidatorStake, accountOf func([]byte) (types.Address, bool), epoch uint64, offset uint32) map[types.Address]ValidatorAwardState {
	out := make(map[types.Address]ValidatorAwardState)
	for i, v := range validatorsAtEpochStart {
		acct, ok := accountOf(v.Validator)
		if !ok {
			continue
		}
		if !bitSet(activityMap, i) {
			out[acct] = FailedAwardState(epoch, offset)
			continue
		}
		if _, exists := out[acct]; !exists {
			out[acct] = ActiveAwardState()
		}
	}
	return out
}

func bitSet(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// FinalizeEpoch replaces the engine's finalized epoch-activity snapshot and
// resets per-validator direct-observation tracking for the new epoch. Call
// once per macro-block apply, after reconciling activity_map.
func (a *AwardsEngine) FinalizeEpoch(activities map[types.Address]ValidatorAwardState) {
	a.finalized = activities
	a.activity = mvm.New[string, ValidatorAwardState]()
}

// CheckWinners selects at most one service-award winner from the most
// recently finalized epoch's active accounts, deterministically from
// random: among accounts whose draw hash meets the difficulty threshold
// (at least a.difficulty leading zero bits), the one with the
// lexicographically smallest hash wins. Returns the zero address and false
// if no account qualifies.
func (a *AwardsEngine) CheckWinners(random types.Hash) (types.Address, uint64, bool) {
	var candidates []types.Address
	for acct, state := range a.finalized {
		if !state.Failed {
			candidates = append(candidates, acct)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytesLess(candidates[i][:], candidates[j][:])
	})

	var winner types.Address
	var winnerHash types.Hash
	found := false
	for _, acct := range candidates {
		h := drawWinnerHash(random, acct)
		if leadingZeroBits(h[:]) < int(a.difficulty) {
			continue
		}
		if !found || bytesLess(h[:], winnerHash[:]) {
			winner, winnerHash, found = acct, h, true
		}
	}
	if !found {
		return types.Address{}, 0, false
	}
	return winner, a.pool, true
}

func drawWinnerHash(random types.Hash, acct types.Address) types.Hash {
	buf := make([]byte, 0, len("klingnet/awards/draw")+32+len(acct))
	buf = append(buf, []byte("klingnet/awards/draw")...)
	buf = append(buf, random[:]...)
	buf = append(buf, acct[:]...)
	return crypto.Hash(buf)
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, by := range b {
		if by == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(by)
		break
	}
	return n
}

// FullReward computes block_reward * (microBlocksInEpoch + 1) + winnerAmount,
// the expected macro-block block_reward.
func FullReward(blockReward int64, microBlocksInEpoch uint32, winnerAmount uint64) int64 {
	return blockReward*(int64(microBlocksInEpoch)+1) + int64(winnerAmount)
}

// Checkpoint discards undo history on the per-validator activity map up to
// the current LSN.
func (a *AwardsEngine) Checkpoint() { a.activity.Checkpoint() }

// RollbackToLSN restores per-validator activity to what it was at lsn.
func (a *AwardsEngine) RollbackToLSN(lsn LSN) { a.activity.RollbackToLSN(lsn) }
