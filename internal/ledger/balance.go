package ledger

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// ErrBalanceInvariantViolated marks a monetary balance equation failure.
// Per the single-writer apply contract, the caller treats this as fatal
// (process abort), since it means the ledger would otherwise continue in a
// corrupt state; it is returned rather than panicked here only so a test
// can assert on it directly.
var ErrBalanceInvariantViolated = errors.New("ledger: monetary balance invariant violated")

// Balance is the running total over the elliptic-curve group the monetary
// invariant is checked against: fee_a(block_reward) + burned - created =
// gamma*G.
type Balance struct {
	Created     crypto.Point
	Burned      crypto.Point
	Gamma       crypto.Scalar
	BlockReward int64
}

// checkEquation reports whether b satisfies the balance invariant.
func (b Balance) checkEquation() bool {
	lhs := crypto.FeeA(b.BlockReward).Add(b.Burned).Sub(b.Created)
	rhs := crypto.ScalarMult(&b.Gamma, crypto.G)
	return lhs.Equal(rhs)
}

// add returns b with delta folded in, pointwise.
func (b Balance) add(delta Balance) Balance {
	gamma := crypto.ScalarAdd(&b.Gamma, &delta.Gamma)
	return Balance{
		Created:     b.Created.Add(delta.Created),
		Burned:      b.Burned.Add(delta.Burned),
		Gamma:       gamma,
		BlockReward: b.BlockReward + delta.BlockReward,
	}
}

// balanceUnitKey is the single key the balance MVM is ever stored under:
// there is exactly one live global Balance at a time.
type balanceUnitKey struct{}

// BalanceLedger is an MVM-backed accumulator for the global Balance,
// enforcing the per-block and global balance equations on every update.
type BalanceLedger struct {
	m *mvm.Map[balanceUnitKey, Balance]
}

// NewBalanceLedger returns a balance ledger starting from the zero Balance
// (created = burned = identity, gamma = 0, block_reward = 0), which
// trivially satisfies the equation.
func NewBalanceLedger() *BalanceLedger {
	return &BalanceLedger{m: mvm.New[balanceUnitKey, Balance]()}
}

// Current returns the live global Balance.
func (l *BalanceLedger) Current() Balance {
	b, _ := l.m.Get(balanceUnitKey{})
	return b
}

// Apply asserts that delta alone satisfies the per-block balance equation,
// folds it into the global Balance, asserts the global equation still
// holds, and records the new global Balance at lsn.
func (l *BalanceLedger) Apply(lsn LSN, delta Balance) error {
	if !delta.checkEquation() {
		return fmt.Errorf("%w: per-block equation failed at %s", ErrBalanceInvariantViolated, lsn)
	}
	next := l.Current().add(delta)
	if !next.checkEquation() {
		return fmt.Errorf("%w: global equation failed at %s", ErrBalanceInvariantViolated, lsn)
	}
	l.m.Insert(lsn, balanceUnitKey{}, next)
	return nil
}

// Checkpoint discards undo history up to the current LSN.
func (l *BalanceLedger) Checkpoint() { l.m.Checkpoint() }

// RollbackToLSN restores the global Balance to what it was at lsn.
func (l *BalanceLedger) RollbackToLSN(lsn LSN) { l.m.RollbackToLSN(lsn) }
