package ledger

import "errors"

// Sentinel errors for the ledger core's read paths and recoverable apply
// failures (storage I/O, malformed input to the public setters). A block
// that reaches applyMicro/applyMacro is assumed already validated by the
// caller against Validator; epoch/offset/previous/timestamp mismatches and a
// macro-block reward mismatch are a caller contract breach, not a
// recoverable condition, and panic instead
// (see applyMicro/applyMacro) — these sentinels are kept only as the text
// wrapped into those panics, so a recovered panic can still be matched with
// errors.Is against the underlying message.
var (
	ErrIncompatibleGenesis    = errors.New("ledger: first block in log does not match supplied genesis hash")
	ErrBlockNotFound          = errors.New("ledger: block not found")
	ErrOutputNotFound         = errors.New("ledger: output not found")
	ErrEpochMismatch          = errors.New("ledger: block epoch does not match current epoch")
	ErrOffsetMismatch         = errors.New("ledger: block offset does not match current offset")
	ErrOffsetOutOfRange       = errors.New("ledger: micro-block offset exceeds micro_blocks_in_epoch")
	ErrPreviousMismatch       = errors.New("ledger: block.previous does not match last block hash")
	ErrTimestampNotIncreasing = errors.New("ledger: block timestamp does not exceed the last applied block's")
	ErrRewardMismatch         = errors.New("ledger: macro-block reward does not match the expected full reward")
	ErrCannotPopMacroBlock    = errors.New("ledger: macro-blocks are never popped")
	ErrCannotPopGenesis       = errors.New("ledger: cannot pop the genesis block")
	ErrViewChangeNotForward   = errors.New("ledger: new view change must exceed the current one")
)
