package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
)

// Validation errors, checked with errors.Is against the wrapped cause.
var (
	ErrNoInputs                = errors.New("transaction has no inputs")
	ErrNoOutputs               = errors.New("transaction has no outputs")
	ErrDuplicateInput          = errors.New("duplicate input")
	ErrSignatureCountMismatch  = errors.New("signature/public key count does not match input count")
	ErrInvalidSig              = errors.New("invalid signature")
	ErrCoinbaseOutputNotPublic = errors.New("coinbase-style output must be a public payment output")
	ErrRestakeOutputNotStake   = errors.New("restake output must be a stake output")
	ErrMissingCheaterKey       = errors.New("slashing transaction missing cheater network key")
	ErrMissingEvidence         = errors.New("slashing transaction missing evidence")
	ErrUnknownTransactionKind  = errors.New("unknown transaction kind")
	ErrTooManyInputs           = errors.New("too many inputs")
	ErrTooManyOutputs          = errors.New("too many outputs")
	ErrAmountOverflow          = errors.New("amount overflow")
	ErrInsufficientInputs      = errors.New("spent amount is less than the requested payout")
)

// ValidateSize additionally enforces the configured input/output caps, which
// Validate() alone does not know about.
func ValidateSize(t Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if n := len(t.Inputs()); n > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, n, config.MaxTxInputs)
	}
	if n := len(t.TxOutputs()); n > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, n, config.MaxTxOutputs)
	}
	return nil
}
