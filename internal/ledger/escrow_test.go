package ledger

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestEscrow_StakeAndUnstake(t *testing.T) {
	e := NewEscrow()
	validator := []byte{0x01, 0x02, 0x03}
	recipient := types.Address{0xAA}
	utxo := types.Hash{0x01}

	e.Stake(LSN{Epoch: 0, Offset: 0}, validator, recipient, utxo, 0, 2, 1000)

	acct, ok := e.AccountByNetworkKey(validator)
	if !ok || acct != recipient {
		t.Fatalf("AccountByNetworkKey = %v, %v, want %v, true", acct, ok, recipient)
	}

	if err := e.Unstake(LSN{Epoch: 0, Offset: 1}, validator, utxo, 1); !errors.As(err, new(*ErrStakeIsLocked)) {
		t.Fatalf("Unstake before maturity err = %v, want ErrStakeIsLocked", err)
	}

	if err := e.Unstake(LSN{Epoch: 2, Offset: 0}, validator, utxo, 2); err != nil {
		t.Fatalf("Unstake at maturity: %v", err)
	}
	if _, ok := e.AccountByNetworkKey(validator); ok {
		t.Fatal("stake still present after maturity unstake")
	}
}

func TestEscrow_Unstake_MissingEntryIsNoop(t *testing.T) {
	e := NewEscrow()
	if err := e.Unstake(LSN{Epoch: 0, Offset: 0}, []byte{0x01}, types.Hash{0x01}, 5); err != nil {
		t.Fatalf("Unstake of untracked entry: %v", err)
	}
}

func TestEscrow_ForceUnstake_BypassesLock(t *testing.T) {
	e := NewEscrow()
	validator := []byte{0x01}
	utxo := types.Hash{0x02}
	e.Stake(LSN{Epoch: 0, Offset: 0}, validator, types.Address{0xBB}, utxo, 0, 10, 500)

	e.ForceUnstake(LSN{Epoch: 0, Offset: 1}, validator, utxo)
	if _, ok := e.AccountByNetworkKey(validator); ok {
		t.Fatal("ForceUnstake did not remove the entry")
	}
}

func TestEscrow_StakersMajority_ExcludesImmatureAndUnderMinimum(t *testing.T) {
	e := NewEscrow()
	e.Stake(LSN{Epoch: 0, Offset: 0}, []byte{0x01}, types.Address{}, types.Hash{0x01}, 0, 2, 5000) // matures at epoch 2
	e.Stake(LSN{Epoch: 0, Offset: 1}, []byte{0x02}, types.Address{}, types.Hash{0x02}, 0, 0, 100)  // matures at epoch 0, below minimum

	majority := e.StakersMajority(2, 1000)
	if len(majority) != 1 || !bytesEqual(majority[0].Validator, []byte{0x01}) {
		t.Fatalf("StakersMajority(epoch=2) = %v, want only validator 0x01", majority)
	}

	majority = e.StakersMajority(0, 1000)
	if len(majority) != 0 {
		t.Fatalf("StakersMajority(epoch=0) = %v, want empty (stake 0x01 not yet mature)", majority)
	}
}

func TestEscrow_StakersMajority_SumsMultipleStakesPerValidator(t *testing.T) {
	e := NewEscrow()
	e.Stake(LSN{Epoch: 0, Offset: 0}, []byte{0x01}, types.Address{}, types.Hash{0x01}, 0, 0, 600)
	e.Stake(LSN{Epoch: 0, Offset: 1}, []byte{0x01}, types.Address{}, types.Hash{0x02}, 0, 0, 600)

	majority := e.StakersMajority(0, 1000)
	if len(majority) != 1 || majority[0].Amount != 1200 {
		t.Fatalf("StakersMajority summed = %v, want one entry with amount 1200", majority)
	}
}

func TestEscrow_IterValidatorStakes(t *testing.T) {
	e := NewEscrow()
	validator := []byte{0x01}
	e.Stake(LSN{Epoch: 0, Offset: 0}, validator, types.Address{}, types.Hash{0x01}, 0, 0, 1)
	e.Stake(LSN{Epoch: 0, Offset: 1}, validator, types.Address{}, types.Hash{0x02}, 0, 0, 1)

	utxos := e.IterValidatorStakes(validator)
	if len(utxos) != 2 {
		t.Fatalf("IterValidatorStakes = %d entries, want 2", len(utxos))
	}
}

func TestEscrow_RollbackToLSN(t *testing.T) {
	e := NewEscrow()
	validator := []byte{0x01}
	utxo := types.Hash{0x01}
	lsn0 := LSN{Epoch: 0, Offset: 0}
	lsn1 := LSN{Epoch: 0, Offset: 1}

	e.Stake(lsn0, validator, types.Address{0xAA}, utxo, 0, 2, 1000)
	e.ForceUnstake(lsn1, validator, utxo)
	if _, ok := e.AccountByNetworkKey(validator); ok {
		t.Fatal("stake should be absent after ForceUnstake")
	}

	e.RollbackToLSN(lsn0)
	if _, ok := e.AccountByNetworkKey(validator); !ok {
		t.Fatal("rollback to lsn0 should restore the stake")
	}
}

func TestEscrow_ValidateStakes_RejectsLockedInput(t *testing.T) {
	e := NewEscrow()
	validator := []byte{0x01}
	input := &tx.StakeOutput{ValidatorNetworkKey: validator, RecipientAccountKey: types.Address{0xAA}, Amount: 1000, MaturityEpoch: 5}
	e.Stake(LSN{Epoch: 0, Offset: 0}, validator, types.Address{0xAA}, input.Hash(), 0, 5, 1000)

	err := e.ValidateStakes([]tx.Output{input}, nil, 2, 5)
	if !errors.As(err, new(*ErrStakeIsLocked)) {
		t.Fatalf("ValidateStakes before maturity = %v, want ErrStakeIsLocked", err)
	}
}

func TestEscrow_ValidateStakes_RejectsBadMaturityOnOutput(t *testing.T) {
	e := NewEscrow()
	output := &tx.StakeOutput{ValidatorNetworkKey: []byte{0x01}, RecipientAccountKey: types.Address{}, Amount: 1000, MaturityEpoch: 99}
	err := e.ValidateStakes(nil, []tx.Output{output}, 0, 2)
	if !errors.Is(err, ErrBadStakeMaturity) {
		t.Fatalf("ValidateStakes bad maturity = %v, want ErrBadStakeMaturity", err)
	}
}

func TestEscrow_ValidateStakes_AcceptsConsistentOutput(t *testing.T) {
	e := NewEscrow()
	output := &tx.StakeOutput{ValidatorNetworkKey: []byte{0x01}, RecipientAccountKey: types.Address{}, Amount: 1000, MaturityEpoch: 2}
	if err := e.ValidateStakes(nil, []tx.Output{output}, 0, 2); err != nil {
		t.Fatalf("ValidateStakes consistent output: %v", err)
	}
}
