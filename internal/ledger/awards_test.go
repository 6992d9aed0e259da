package ledger

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestAwardsEngine_ApplyMicroBlockActivity_MarksSkippedLeadersFailed(t *testing.T) {
	a := NewAwardsEngine(5000, 1)
	result := ElectionResult{Validators: []ValidatorStake{
		{Validator: []byte{0x01}},
		{Validator: []byte{0x02}},
		{Validator: []byte{0x03}},
	}}
	lsn := LSN{Epoch: 0, Offset: 5}

	// viewChange=2 means slots 0 and 1 were skipped; slot 2 produced.
	a.ApplyMicroBlockActivity(lsn, result, 2, 0, 5)

	for i, want := range []bool{true, true, false} {
		state, ok := a.ActivityByValidator(result.Validators[i].Validator)
		if !ok {
			t.Fatalf("validator %d has no activity entry", i)
		}
		if state.Failed != want {
			t.Errorf("validator %d Failed = %v, want %v", i, state.Failed, want)
		}
	}
}

func TestAwardsEngine_MarkFailed_Idempotent(t *testing.T) {
	a := NewAwardsEngine(5000, 1)
	lsn1 := LSN{Epoch: 0, Offset: 1}
	lsn2 := LSN{Epoch: 0, Offset: 2}

	a.MarkFailed(lsn1, []byte{0x01}, 0, 1)
	a.MarkFailed(lsn2, []byte{0x01}, 0, 2)

	state, _ := a.ActivityByValidator([]byte{0x01})
	if state.FailedOffset != 1 {
		t.Fatalf("second MarkFailed overwrote the first: FailedOffset = %d, want 1", state.FailedOffset)
	}
}

func TestAwardsEngine_MarkActiveIfAbsent_DoesNotOverwriteFailed(t *testing.T) {
	a := NewAwardsEngine(5000, 1)
	lsn := LSN{Epoch: 0, Offset: 1}
	a.MarkFailed(lsn, []byte{0x01}, 0, 1)
	a.MarkActiveIfAbsent(lsn, []byte{0x01})

	state, _ := a.ActivityByValidator([]byte{0x01})
	if !state.Failed {
		t.Fatal("MarkActiveIfAbsent overwrote an existing Failed entry")
	}
}

func TestAwardsFromActiveEpoch_BitmapMatchesObservations(t *testing.T) {
	a := NewAwardsEngine(5000, 1)
	validators := []ValidatorStake{
		{Validator: []byte{0x01}},
		{Validator: []byte{0x02}},
		{Validator: []byte{0x03}},
	}
	a.MarkFailed(LSN{Epoch: 0, Offset: 1}, []byte{0x02}, 0, 1)

	accountOf := func(v []byte) (types.Address, bool) { return types.Address{v[0]}, true }
	bitmap, _, _, _ := a.AwardsFromActiveEpoch(validators, validators, accountOf, types.Hash{0x01})
	if !bitSet(bitmap, 0) || bitSet(bitmap, 1) || !bitSet(bitmap, 2) {
		t.Fatalf("bitmap = %08b, want bit0=1 bit1=0 bit2=1", bitmap)
	}
}

func TestEpochActivityFromMacroBlock_FailedDominatesActive(t *testing.T) {
	acctA := types.Address{0xAA}
	validators := []ValidatorStake{
		{Validator: []byte{0x01}},
		{Validator: []byte{0x02}},
	}
	accountOf := func(v []byte) (types.Address, bool) { return acctA, true } // both map to acctA

	// Bitmap: validator 0 active (bit set), validator 1 inactive (bit clear).
	bitmap := []byte{0b00000001}
	activities := EpochActivityFromMacroBlock(bitmap, validators, accountOf, 3, 0)

	state, ok := activities[acctA]
	if !ok {
		t.Fatal("account acctA missing from reconstructed activity")
	}
	if !state.Failed {
		t.Fatal("FailedAt should dominate Active when two validators share an account")
	}
}

func TestEpochActivityFromMacroBlock_AllActive(t *testing.T) {
	acctA := types.Address{0xAA}
	acctB := types.Address{0xBB}
	validators := []ValidatorStake{
		{Validator: []byte{0x01}},
		{Validator: []byte{0x02}},
	}
	accountOf := func(v []byte) (types.Address, bool) {
		if v[0] == 0x01 {
			return acctA, true
		}
		return acctB, true
	}
	bitmap := []byte{0b00000011}
	activities := EpochActivityFromMacroBlock(bitmap, validators, accountOf, 3, 0)

	if activities[acctA].Failed || activities[acctB].Failed {
		t.Fatal("both validators active, neither should be Failed")
	}
}

func TestAwardsEngine_CheckWinners_Deterministic(t *testing.T) {
	a := NewAwardsEngine(5000, 0) // difficulty 0: any hash qualifies
	a.FinalizeEpoch(map[types.Address]ValidatorAwardState{
		{0x01}: ActiveAwardState(),
		{0x02}: ActiveAwardState(),
		{0x03}: FailedAwardState(3, 0),
	})

	random := types.Hash{0xDE, 0xAD, 0xBE, 0xEF}
	w1, amount1, ok1 := a.CheckWinners(random)
	w2, amount2, ok2 := a.CheckWinners(random)

	if !ok1 || !ok2 {
		t.Fatal("CheckWinners found no winner with difficulty 0")
	}
	if w1 != w2 || amount1 != amount2 {
		t.Fatal("CheckWinners is not deterministic for identical inputs")
	}
	if w1 == (types.Address{0x03}) {
		t.Fatal("a Failed account must never win")
	}
	if amount1 != 5000 {
		t.Fatalf("winner amount = %d, want 5000", amount1)
	}
}

func TestAwardsEngine_CheckWinners_NoActiveAccounts(t *testing.T) {
	a := NewAwardsEngine(5000, 0)
	a.FinalizeEpoch(map[types.Address]ValidatorAwardState{
		{0x01}: FailedAwardState(1, 0),
	})
	_, _, ok := a.CheckWinners(types.Hash{0x01})
	if ok {
		t.Fatal("CheckWinners found a winner with no active accounts")
	}
}

func TestAwardsEngine_CheckWinners_ImpossibleDifficultyYieldsNoWinner(t *testing.T) {
	a := NewAwardsEngine(5000, 255) // near-impossible: 255 leading zero bits required
	a.FinalizeEpoch(map[types.Address]ValidatorAwardState{
		{0x01}: ActiveAwardState(),
	})
	_, _, ok := a.CheckWinners(types.Hash{0x01})
	if ok {
		t.Fatal("CheckWinners found a winner at an effectively impossible difficulty")
	}
}

func TestFullReward(t *testing.T) {
	got := FullReward(1000, 100, 5000)
	want := int64(1000*101 + 5000)
	if got != want {
		t.Fatalf("FullReward = %d, want %d", got, want)
	}
}

func TestFullReward_NoWinner(t *testing.T) {
	got := FullReward(1000, 100, 0)
	want := int64(1000 * 101)
	if got != want {
		t.Fatalf("FullReward(no winner) = %d, want %d", got, want)
	}
}
