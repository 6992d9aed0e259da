package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ErrBadStakeMaturity is returned when a newly created StakeOutput's
// maturity epoch does not equal epochNow + stakeEpochs.
var ErrBadStakeMaturity = errors.New("ledger: stake output maturity epoch is inconsistent with epoch_now + stake_epochs")

// ErrStakeIsLocked is returned when an unstake is attempted before a stake's
// maturity epoch, carrying enough detail for the caller to report the
// shortfall.
type ErrStakeIsLocked struct {
	Validator   string
	EpochNow    uint64
	ActiveUntil uint64
}

func (e *ErrStakeIsLocked) Error() string {
	return fmt.Sprintf("ledger: stake for validator %s is locked until epoch %d (now %d)",
		e.Validator, e.ActiveUntil, e.EpochNow)
}

// escrowKey identifies one staked output: a (validator, utxo) pair, since a
// validator may hold several stakes simultaneously.
type escrowKey struct {
	Validator string // hex-encoded compressed network key
	UTXO      types.Hash
}

// escrowEntry is the value bound to an escrowKey.
type escrowEntry struct {
	Account     types.Address
	Amount      uint64
	ActiveUntil uint64
}

// Escrow tracks every currently-staked output, keyed by (validator, utxo)
// so micro-block rollbacks restore precisely the prior escrow state.
type Escrow struct {
	m *mvm.Map[escrowKey, escrowEntry]
}

// NewEscrow returns an empty stake escrow.
func NewEscrow() *Escrow {
	return &Escrow{m: mvm.New[escrowKey, escrowEntry]()}
}

func keyFor(validator []byte, utxo types.Hash) escrowKey {
	return escrowKey{Validator: hex.EncodeToString(validator), UTXO: utxo}
}

// Stake records a new staked output, maturing at epochNow + stakeEpochs.
func (e *Escrow) Stake(lsn LSN, validator []byte, recipient types.Address, utxoHash types.Hash, epochNow, stakeEpochs, amount uint64) {
	e.m.Insert(lsn, keyFor(validator, utxoHash), escrowEntry{
		Account:     recipient,
		Amount:      amount,
		ActiveUntil: epochNow + stakeEpochs,
	})
}

// Unstake removes a staked output. Fails with ErrStakeIsLocked if epochNow
// is before the stake's maturity; ForceUnstake removes an entry without this
// check.
func (e *Escrow) Unstake(lsn LSN, validator []byte, utxoHash types.Hash, epochNow uint64) error {
	k := keyFor(validator, utxoHash)
	entry, ok := e.m.Get(k)
	if !ok {
		return nil
	}
	if epochNow < entry.ActiveUntil {
		return &ErrStakeIsLocked{
			Validator:   k.Validator,
			EpochNow:    epochNow,
			ActiveUntil: entry.ActiveUntil,
		}
	}
	e.m.Remove(lsn, k)
	return nil
}

// ForceUnstake removes a staked output unconditionally, bypassing the
// maturity lock. The ledger's apply path does not call it; a slashing
// transaction leaves the cheater's escrow entries in place.
func (e *Escrow) ForceUnstake(lsn LSN, validator []byte, utxoHash types.Hash) {
	e.m.Remove(lsn, keyFor(validator, utxoHash))
}

// ValidatorStake is one validator's currently mature aggregate stake.
type ValidatorStake struct {
	Validator []byte
	Amount    uint64
}

// StakersMajority returns every validator whose currently-mature aggregate
// stake meets minStake, ordered deterministically by network key.
func (e *Escrow) StakersMajority(epochNow, minStake uint64) []ValidatorStake {
	totals := make(map[string]uint64)
	for k, entry := range e.m.Inner() {
		if entry.ActiveUntil > epochNow {
			continue
		}
		totals[k.Validator] += entry.Amount
	}

	var out []ValidatorStake
	for hexKey, amount := range totals {
		if amount < minStake {
			continue
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			continue
		}
		out = append(out, ValidatorStake{Validator: key, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytesLess(out[i].Validator, out[j].Validator)
	})
	return out
}

// IterValidatorStakes returns every currently-live stake entry for
// validator, regardless of maturity.
func (e *Escrow) IterValidatorStakes(validator []byte) []types.Hash {
	hexKey := hex.EncodeToString(validator)
	var out []types.Hash
	for k := range e.m.Inner() {
		if k.Validator == hexKey {
			out = append(out, k.UTXO)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytesLess(out[i][:], out[j][:]) })
	return out
}

// AccountByNetworkKey returns the recipient account key of any one live
// stake held by validator, if any.
func (e *Escrow) AccountByNetworkKey(validator []byte) (types.Address, bool) {
	hexKey := hex.EncodeToString(validator)
	for k, entry := range e.m.Inner() {
		if k.Validator == hexKey {
			return entry.Account, true
		}
	}
	return types.Address{}, false
}

// EscrowInfoEntry is one live stake in an EscrowInfo snapshot.
type EscrowInfoEntry struct {
	Validator   string // hex-encoded compressed network key
	UTXO        types.Hash
	Account     types.Address
	Amount      uint64
	ActiveUntil uint64
}

// EscrowInfo is a deterministic snapshot of the entire escrow at epoch,
// comparable across a rollback boundary to confirm a pop restored escrow
// state exactly.
type EscrowInfo struct {
	Epoch   uint64
	Entries []EscrowInfoEntry
}

// Info returns a sorted snapshot of every live stake, tagged with epoch.
func (e *Escrow) Info(epoch uint64) EscrowInfo {
	info := EscrowInfo{Epoch: epoch}
	for k, entry := range e.m.Inner() {
		info.Entries = append(info.Entries, EscrowInfoEntry{
			Validator:   k.Validator,
			UTXO:        k.UTXO,
			Account:     entry.Account,
			Amount:      entry.Amount,
			ActiveUntil: entry.ActiveUntil,
		})
	}
	sort.Slice(info.Entries, func(i, j int) bool {
		if info.Entries[i].Validator != info.Entries[j].Validator {
			return info.Entries[i].Validator < info.Entries[j].Validator
		}
		return bytesLess(info.Entries[i].UTXO[:], info.Entries[j].UTXO[:])
	})
	return info
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Checkpoint discards undo history up to the current LSN, matching the
// macro-block boundary where prior-epoch stake mutations become permanent.
func (e *Escrow) Checkpoint() { e.m.Checkpoint() }

// RollbackToLSN restores escrow state to lsn, undoing any stake/unstake
// recorded after it.
func (e *Escrow) RollbackToLSN(lsn LSN) { e.m.RollbackToLSN(lsn) }

// ValidateStakes checks that any StakeOutput among inputs is mature (its
// tracked escrow entry's ActiveUntil <= epochNow), and that any StakeOutput
// among outputs carries the maturity epoch this validator's escrow entry
// would actually receive (epochNow + stakeEpochs). An input not currently
// tracked in escrow is not this function's concern — the apply path's
// output_by_hash lookup is what catches a spend of a nonexistent output.
func (e *Escrow) ValidateStakes(inputs, outputs []tx.Output, epochNow, stakeEpochs uint64) error {
	for _, in := range inputs {
		stake, ok := in.(*tx.StakeOutput)
		if !ok {
			continue
		}
		entry, tracked := e.m.Get(keyFor(stake.ValidatorNetworkKey, in.Hash()))
		if !tracked {
			continue
		}
		if epochNow < entry.ActiveUntil {
			return &ErrStakeIsLocked{
				Validator:   hex.EncodeToString(stake.ValidatorNetworkKey),
				EpochNow:    epochNow,
				ActiveUntil: entry.ActiveUntil,
			}
		}
	}
	for _, out := range outputs {
		stake, ok := out.(*tx.StakeOutput)
		if !ok {
			continue
		}
		want := epochNow + stakeEpochs
		if stake.MaturityEpoch != want {
			return fmt.Errorf("%w: got %d, want %d", ErrBadStakeMaturity, stake.MaturityEpoch, want)
		}
	}
	return nil
}
