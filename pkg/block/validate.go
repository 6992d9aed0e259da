package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Structural validation errors. These catch shape violations a leader or
// serializer could never legitimately produce; they say nothing about
// consensus validity (signatures, stake, balance), which is the pluggable
// validator boundary's job.
var (
	ErrBadBlockVersion     = errors.New("unsupported block version")
	ErrZeroBlockTimestamp  = errors.New("block timestamp is zero")
	ErrMissingLeaderKey    = errors.New("block missing leader public key")
	ErrTooManyTransactions = errors.New("too many transactions in micro-block")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrActivityMapTooLarge = errors.New("activity map exceeds validator set size")
)

// CurrentVersion is the block version produced by this software.
const CurrentVersion = 1

// MaxVersion is the highest block version this software understands.
const MaxVersion = 1

func (c Common) validate() error {
	if c.Version < 1 || c.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadBlockVersion, c.Version, MaxVersion)
	}
	if c.Timestamp == 0 {
		return ErrZeroBlockTimestamp
	}
	if len(c.LeaderKey) == 0 {
		return ErrMissingLeaderKey
	}
	return nil
}

// Validate checks MicroBlock structural shape: common fields, transaction
// count cap, and no input spent twice across its transactions (a per-
// transaction duplicate is caught by tx.Validate itself).
func (b *MicroBlock) Validate() error {
	if err := b.Common.validate(); err != nil {
		return err
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTransactions, len(b.Transactions), config.MaxBlockTxs)
	}

	seen := make(map[types.Hash]int)
	for i, t := range b.Transactions {
		if err := tx.ValidateSize(t); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		for _, in := range t.Inputs() {
			if prev, ok := seen[in]; ok {
				return fmt.Errorf("tx %d: %w: input %s also spent in tx %d", i, ErrDuplicateBlockInput, in, prev)
			}
			seen[in] = i
		}
	}
	return nil
}

// Validate checks MacroBlock structural shape: common fields, no input
// spent twice across outputs, and every output well-formed.
func (b *MacroBlock) Validate() error {
	if err := b.Common.validate(); err != nil {
		return err
	}

	seen := make(map[types.Hash]bool, len(b.Inputs))
	for _, h := range b.Inputs {
		if seen[h] {
			return fmt.Errorf("%w: input %s", ErrDuplicateBlockInput, h)
		}
		seen[h] = true
	}
	return nil
}
