// Package ledger implements the chain's authoritative state: applying and
// reverting blocks, tracking stake and validator schedules, and enforcing
// the monetary balance invariant.
package ledger

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validator is the pluggable external boundary for full block validation
// (signatures, proofs, structural checks against resolved inputs). The
// ledger core contains no signature- or proof-verification code itself; it
// only invokes this on recovery when ForceCheck is set.
type Validator interface {
	ValidateMicroBlock(b *block.MicroBlock, inputs []tx.Output, now uint64) error
	ValidateMacroBlock(b *block.MacroBlock, inputs []tx.Output, now uint64) error
}

// VDF is the pluggable external boundary for verifiable-delay-function
// evaluation: VDF evaluation is an external collaborator of the ledger
// core, same as signature/proof verification is to Validator. The core
// never solves a VDF itself; VDFSolver only closes over the inputs a
// caller-supplied VDF needs.
type VDF interface {
	Solve(challenge []byte, difficulty uint64) []byte
}

// ElectionInfo is a snapshot of the election schedule's externally
// interesting state, as returned by ElectionInfo.
type ElectionInfo struct {
	Epoch         uint64
	Offset        uint32
	ViewChange    uint32
	SlotsCount    uint32
	CurrentLeader ValidatorStake
	NextLeader    ValidatorStake
}

// OutputKey locates a live UTXO: either inside a macro-block's flat output
// list (TxIndex == -1) or inside one transaction's output list within a
// micro-block.
type OutputKey struct {
	LSN      LSN
	TxIndex  int // -1 for a macro-block output
	OutIndex int
}

// RestoredOutputs is returned by PopMicroBlock: the outputs the rollback
// restored (previously spent, now live again) and the outputs it discarded
// (created by the popped block, now gone), so callers like the mempool or
// wallet can react.
type RestoredOutputs struct {
	Restored  []tx.Output
	Discarded []tx.Output
}

// Ledger is the single-writer, many-reader authoritative chain state
// described by the component design: a block log, the MVM-backed indexes
// over it, stake escrow, election schedule, award tracking, and the
// monetary balance.
type Ledger struct {
	mu sync.RWMutex

	log    *BlockLog
	cfg    *config.ChainConfig
	valid  Validator
	genesisHash types.Hash

	blockByHash  *indexedSet
	outputByHash *outputIndex
	balance      *BalanceLedger
	escrow       *Escrow
	election     *ElectionStore
	awards       *AwardsEngine

	epoch                   uint64
	offset                  uint32
	lastBlockHash           types.Hash
	lastBlockTimestamp      uint64
	lastMacroBlockHash      types.Hash
	lastMacroBlockTimestamp uint64
	lastMacroBlockRandom    types.Hash
	difficulty              uint64
	viewChangeProof         []byte

	validatorsAtEpochStart []ValidatorStake
}

// Open constructs the ledger by opening db as its block log. If the log is
// empty, genesis is applied as the first macro-block. Otherwise the log is
// replayed in order; the first stored block must hash to genesisHash.
// forceCheck, when true, runs validator against every replayed block.
func Open(db storage.DB, cfg *config.ChainConfig, genesis *block.MacroBlock, validator Validator, forceCheck bool) (*Ledger, error) {
	l := &Ledger{
		log:          NewBlockLog(db),
		cfg:          cfg,
		valid:        validator,
		blockByHash:  newIndexedSet(),
		outputByHash: newOutputIndex(),
		balance:      NewBalanceLedger(),
		escrow:       NewEscrow(),
		election:     NewElectionStore(),
		awards:       NewAwardsEngine(cfg.ServiceAwardPerEpoch, cfg.AwardsDifficulty),
	}

	if genesis == nil {
		return nil, fmt.Errorf("ledger: genesis block is required")
	}
	l.genesisHash = genesis.Hash()

	entries, err := l.log.All()
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		if _, _, err := l.applyMacro(genesis, genesis.Timestamp, true); err != nil {
			return nil, err
		}
		log.Ledger.Info().Uint64("epoch", l.epoch).Msg("applied genesis macro-block")
		return l, nil
	}

	first, err := block.UnmarshalBlock(entries[0].Data)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode first log entry: %w", err)
	}
	if first.Hash() != l.genesisHash {
		return nil, ErrIncompatibleGenesis
	}

	for i, entry := range entries {
		b, err := block.UnmarshalBlock(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("ledger: decode log entry %d: %w", i, err)
		}
		if forceCheck && l.valid != nil {
			inputs, err := l.resolveInputs(b)
			if err != nil {
				return nil, err
			}
			if err := l.validateBlock(b, inputs); err != nil {
				return nil, err
			}
		}
		switch typed := b.(type) {
		case *block.MicroBlock:
			if _, _, _, err := l.applyMicro(typed, typed.Timestamp, false); err != nil {
				return nil, err
			}
		case *block.MacroBlock:
			if _, _, err := l.applyMacro(typed, typed.Timestamp, false); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("ledger: %w: %T", block.ErrUnknownBlockKind, b)
		}
	}
	log.Ledger.Info().Uint64("epoch", l.epoch).Uint32("offset", l.offset).Msg("recovered ledger from log")
	return l, nil
}

func (l *Ledger) validateBlock(b block.Block, inputs []tx.Output) error {
	switch typed := b.(type) {
	case *block.MicroBlock:
		return l.valid.ValidateMicroBlock(typed, inputs, typed.Timestamp)
	case *block.MacroBlock:
		return l.valid.ValidateMacroBlock(typed, inputs, typed.Timestamp)
	default:
		return fmt.Errorf("%w: %T", block.ErrUnknownBlockKind, b)
	}
}

func (l *Ledger) resolveInputs(b block.Block) ([]tx.Output, error) {
	var hashes []types.Hash
	switch typed := b.(type) {
	case *block.MicroBlock:
		for _, t := range typed.Transactions {
			hashes = append(hashes, t.Inputs()...)
		}
	case *block.MacroBlock:
		hashes = typed.Inputs
	}
	outs := make([]tx.Output, 0, len(hashes))
	for _, h := range hashes {
		out, err := l.OutputByHash(h)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Epoch returns the current epoch number.
func (l *Ledger) Epoch() uint64 { l.mu.RLock(); defer l.mu.RUnlock(); return l.epoch }

// Offset returns the current micro-block offset within the epoch.
func (l *Ledger) Offset() uint32 { l.mu.RLock(); defer l.mu.RUnlock(); return l.offset }

// LastBlockHash returns the hash of the last applied block (micro or macro).
func (l *Ledger) LastBlockHash() types.Hash { l.mu.RLock(); defer l.mu.RUnlock(); return l.lastBlockHash }

// CurrentLSN returns the LSN the ledger would assign to the next block.
func (l *Ledger) CurrentLSN() LSN { l.mu.RLock(); defer l.mu.RUnlock(); return LSN{Epoch: l.epoch, Offset: l.offset} }

// Balance returns the current global monetary Balance.
func (l *Ledger) Balance() Balance { l.mu.RLock(); defer l.mu.RUnlock(); return l.balance.Current() }

// Validators returns the current epoch's election result, if any.
func (l *Ledger) Validators() (ElectionResult, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.election.Current()
}

// ViewChange returns the current election result's view_change counter.
func (l *Ledger) ViewChange() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, ok := l.election.Current()
	if !ok {
		return 0
	}
	return result.ViewChange
}

// ViewChangeProof returns the proof recorded by the last SetViewChange call.
func (l *Ledger) ViewChangeProof() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewChangeProof
}

// Difficulty returns the difficulty carried by the last applied macro-block.
func (l *Ledger) Difficulty() uint64 { l.mu.RLock(); defer l.mu.RUnlock(); return l.difficulty }

// LastMacroBlockHash returns the hash of the last applied macro-block.
func (l *Ledger) LastMacroBlockHash() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastMacroBlockHash
}

// LastMacroBlockRandom returns the VRF randomness carried by the last
// applied macro-block.
func (l *Ledger) LastMacroBlockRandom() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastMacroBlockRandom
}

// LastBlockTimestamp returns the timestamp of the last applied block.
func (l *Ledger) LastBlockTimestamp() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastBlockTimestamp
}

// LastMacroBlockTimestamp returns the timestamp of the last applied
// macro-block.
func (l *Ledger) LastMacroBlockTimestamp() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastMacroBlockTimestamp
}

// LastRandom returns the current election result's VRF randomness.
func (l *Ledger) LastRandom() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, ok := l.election.Current()
	if !ok {
		return types.Hash{}
	}
	return result.Random
}

// ValidatorsAtEpochStart returns the stake majority snapshot computed at the
// current epoch's opening macro-block.
func (l *Ledger) ValidatorsAtEpochStart() []ValidatorStake {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validatorsAtEpochStart
}

// IsValidator reports whether networkKey holds a slot in the current
// election result.
func (l *Ledger) IsValidator(networkKey []byte) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, ok := l.election.Current()
	if !ok {
		return false
	}
	return result.IsValidator(networkKey)
}

// Leader returns the current election result's leader for view change v.
func (l *Ledger) Leader(v uint32) (ValidatorStake, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, ok := l.election.Current()
	if !ok {
		return ValidatorStake{}, false
	}
	return result.Leader(v)
}

// SelectLeader is an alias for Leader, matching the query surface's naming:
// the leader a view change v would currently select.
func (l *Ledger) SelectLeader(v uint32) (ValidatorStake, bool) { return l.Leader(v) }

// Facilitator returns the current election result's slot-0 validator.
func (l *Ledger) Facilitator() (ValidatorStake, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, ok := l.election.Current()
	if !ok {
		return ValidatorStake{}, false
	}
	return result.Facilitator()
}

// ContainsBlock reports whether hash names a block already applied to the
// log.
func (l *Ledger) ContainsBlock(hash types.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blockByHash.contains(hash)
}

// ContainsOutput reports whether hash names a currently live (unspent)
// output.
func (l *Ledger) ContainsOutput(hash types.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outputByHash.contains(hash)
}

// Unspent returns the hash of every currently live output, in no particular
// order.
func (l *Ledger) Unspent() []types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outputByHash.keys()
}

// MicroBlock loads and decodes the micro-block at (epoch, offset).
func (l *Ledger) MicroBlock(epoch uint64, offset uint32) (*block.MicroBlock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, err := l.log.Get(LSN{Epoch: epoch, Offset: offset})
	if err != nil {
		return nil, err
	}
	b, err := block.UnmarshalBlock(data)
	if err != nil {
		return nil, err
	}
	micro, ok := b.(*block.MicroBlock)
	if !ok {
		return nil, fmt.Errorf("%w: %T at epoch %d offset %d is not a micro-block", block.ErrUnknownBlockKind, b, epoch, offset)
	}
	return micro, nil
}

// MacroBlock loads and decodes the closing macro-block of epoch.
func (l *Ledger) MacroBlock(epoch uint64) (*block.MacroBlock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, err := l.log.Get(LSN{Epoch: epoch, Offset: Sentinel})
	if err != nil {
		return nil, err
	}
	b, err := block.UnmarshalBlock(data)
	if err != nil {
		return nil, err
	}
	macro, ok := b.(*block.MacroBlock)
	if !ok {
		return nil, fmt.Errorf("%w: %T at epoch %d is not a macro-block", block.ErrUnknownBlockKind, b, epoch)
	}
	return macro, nil
}

// Blocks returns a lazy forward iterator over the entire log, from genesis.
func (l *Ledger) Blocks() (func(yield func(Entry) bool), error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.log.From(LSN{})
}

// IterValidatorStakes returns every currently-live stake entry for
// validator, regardless of maturity.
func (l *Ledger) IterValidatorStakes(validator []byte) []types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrow.IterValidatorStakes(validator)
}

// AccountByNetworkKey returns the recipient account key of any one live
// stake held by validator, if any.
func (l *Ledger) AccountByNetworkKey(validator []byte) (types.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrow.AccountByNetworkKey(validator)
}

// EscrowInfo returns a deterministic snapshot of the entire stake escrow.
func (l *Ledger) EscrowInfo() EscrowInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrow.Info(l.epoch)
}

// ElectionInfo returns a snapshot of the current election schedule: the
// epoch, offset, view change, configured slot count, and the leaders the
// current and next view changes would select.
func (l *Ledger) ElectionInfo() ElectionInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result, _ := l.election.Current()
	current, _ := result.Leader(result.ViewChange)
	next, _ := result.Leader(result.ViewChange + 1)
	return ElectionInfo{
		Epoch:         l.epoch,
		Offset:        l.offset,
		ViewChange:    result.ViewChange,
		SlotsCount:    l.cfg.MaxSlotCount,
		CurrentLeader: current,
		NextLeader:    next,
	}
}

// VDFSolver returns a closure that solves the VDF challenge the next
// macro-block's producer must answer: the current LastRandom() at the
// difficulty the last macro-block set. Evaluation itself is delegated to v.
func (l *Ledger) VDFSolver(v VDF) func() []byte {
	challenge := l.LastRandom()
	difficulty := l.Difficulty()
	return func() []byte { return v.Solve(challenge[:], difficulty) }
}

// AwardsFromActiveEpoch previews the activity bitmap and service-award
// winner a closing macro-block would carry if the epoch ended now, without
// mutating any tracked award state. See AwardsEngine.AwardsFromActiveEpoch.
func (l *Ledger) AwardsFromActiveEpoch(random types.Hash) (bitmap []byte, winner types.Address, amount uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	current, _ := l.election.Current()
	accountOf := func(v []byte) (types.Address, bool) { return l.escrow.AccountByNetworkKey(v) }
	return l.awards.AwardsFromActiveEpoch(l.validatorsAtEpochStart, current.Validators, accountOf, random)
}

// EpochActivity returns the most recently finalized epoch's per-account
// activity map.
func (l *Ledger) EpochActivity() map[types.Address]ValidatorAwardState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.awards.Finalized()
}

// ServiceAwards returns the live award-tracking engine.
func (l *Ledger) ServiceAwards() *AwardsEngine {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.awards
}

// TotalSlots returns the configured maximum validator slot count.
func (l *Ledger) TotalSlots() uint32 { return l.cfg.MaxSlotCount }

// Config returns the chain configuration the ledger was opened with.
func (l *Ledger) Config() *config.ChainConfig { return l.cfg }

// IsEpochFull reports whether the current epoch has reached
// MicroBlocksInEpoch micro-blocks and is ready to be closed by a
// macro-block.
func (l *Ledger) IsEpochFull() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offset >= l.cfg.MicroBlocksInEpoch
}

// PushMicroBlock applies b as the next micro-block and reports the outputs
// it spent, the outputs it created, and a map from transaction hash to the
// transaction that produced each of those outputs, so a caller (mempool,
// subscriber) can react without re-walking the block. now is the block's
// arrival time; the core itself never consults it, but it is threaded
// through to match the wider apply API. A malformed block
// that slips past the Validator boundary is a wiring bug, not a recoverable
// condition, and panics rather than returning an error — see applyMicro.
func (l *Ledger) PushMicroBlock(b *block.MicroBlock, now uint64) ([]tx.Output, []tx.Output, map[types.Hash]tx.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyMicro(b, now, true)
}

// PushMacroBlock applies b as the current epoch's closing macro-block and
// reports the outputs it spent and the outputs it created. See
// PushMicroBlock for the now parameter and panic-on-invariant-violation
// policy.
func (l *Ledger) PushMacroBlock(b *block.MacroBlock, now uint64) ([]tx.Output, []tx.Output, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyMacro(b, now, true)
}

func (l *Ledger) applyMicro(b *block.MicroBlock, now uint64, persist bool) ([]tx.Output, []tx.Output, map[types.Hash]tx.Transaction, error) {
	_ = now
	if b.Epoch != l.epoch {
		panic(fmt.Errorf("%w: block epoch %d, ledger epoch %d", ErrEpochMismatch, b.Epoch, l.epoch))
	}
	if l.hasEntries() {
		if b.Previous != l.lastBlockHash {
			panic(ErrPreviousMismatch)
		}
		if b.Timestamp <= l.lastBlockTimestamp {
			panic(ErrTimestampNotIncreasing)
		}
	}
	if l.offset >= l.cfg.MicroBlocksInEpoch {
		panic(ErrOffsetOutOfRange)
	}

	lsn := LSN{Epoch: l.epoch, Offset: l.offset}
	hash := b.Hash()

	if persist {
		data, err := block.MarshalBlock(b)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := l.log.Put(lsn, data); err != nil {
			return nil, nil, nil, err
		}
	}

	var inputHashes []types.Hash
	var outputs [][]tx.Output
	txMap := make(map[types.Hash]tx.Transaction, len(b.Transactions))
	delta := Balance{Created: crypto.IdentityPoint(), Burned: crypto.IdentityPoint(), Gamma: crypto.ZeroScalar()}

	for _, t := range b.Transactions {
		inputHashes = append(inputHashes, t.Inputs()...)
		outputs = append(outputs, t.TxOutputs())
		txMap[t.Hash()] = t
		gamma := t.Gamma()
		delta.Gamma = crypto.ScalarAdd(&delta.Gamma, &gamma)
		if cb, ok := t.(*tx.CoinbaseTransaction); ok {
			delta.BlockReward += cb.BlockReward
		}
		if st, ok := t.(*tx.SlashingTransaction); ok {
			result, ok := l.election.Current()
			if ok {
				l.election.Set(lsn, result.RemoveValidator(st.CheaterNetworkKey))
			}
		}
	}

	spent := l.registerInputsAndOutputs(lsn, hash, inputHashes, outputs, false, delta)

	if result, ok := l.election.Current(); ok {
		l.awards.ApplyMicroBlockActivity(lsn, result, b.ViewChange, l.epoch, l.offset)
	}

	l.lastBlockHash = hash
	l.lastBlockTimestamp = b.Timestamp
	l.offset++

	if result, ok := l.election.Current(); ok {
		next := result
		next.ViewChange = 0
		next.Random = b.Random
		l.election.Set(lsn, next)
	}

	log.Ledger.Debug().Uint64("epoch", l.epoch).Uint32("offset", l.offset).Str("hash", hex.EncodeToString(hash[:])).Msg("applied micro-block")

	var created []tx.Output
	for _, outs := range outputs {
		created = append(created, outs...)
	}
	return spent, created, txMap, nil
}

func (l *Ledger) applyMacro(b *block.MacroBlock, now uint64, persist bool) ([]tx.Output, []tx.Output, error) {
	_ = now
	if l.hasEntries() {
		if b.Epoch != l.epoch {
			panic(fmt.Errorf("%w: block epoch %d, ledger epoch %d", ErrEpochMismatch, b.Epoch, l.epoch))
		}
		if b.Previous != l.lastMacroBlockHash {
			panic(ErrPreviousMismatch)
		}
		if b.Timestamp <= l.lastMacroBlockTimestamp {
			panic(ErrTimestampNotIncreasing)
		}
	}

	lsn := LSN{Epoch: l.epoch, Offset: Sentinel}
	hash := b.Hash()

	if persist {
		data, err := block.MarshalBlock(b)
		if err != nil {
			return nil, nil, err
		}
		if err := l.log.Put(lsn, data); err != nil {
			return nil, nil, err
		}
	}

	var winnerAmount uint64
	if l.epoch > 0 {
		accountOf := func(v []byte) (types.Address, bool) { return l.escrow.AccountByNetworkKey(v) }
		activities := EpochActivityFromMacroBlock(b.ActivityMap, l.validatorsAtEpochStart, accountOf, l.epoch, l.offset)
		l.awards.FinalizeEpoch(activities)
		_, amount, hasWinner := l.awards.CheckWinners(b.Random)
		if hasWinner {
			winnerAmount = amount
		}
		expected := FullReward(l.cfg.BlockReward, l.cfg.MicroBlocksInEpoch, winnerAmount)
		if expected != b.BlockReward {
			panic(fmt.Errorf("%w: got %d, want %d", ErrRewardMismatch, b.BlockReward, expected))
		}
	}

	created := make([]tx.Output, len(b.Outputs))
	copy(created, b.Outputs)
	delta := Balance{
		Created:     crypto.IdentityPoint(),
		Burned:      crypto.IdentityPoint(),
		Gamma:       b.Gamma,
		BlockReward: b.BlockReward,
	}
	spent := l.registerInputsAndOutputs(lsn, hash, b.Inputs, [][]tx.Output{created}, true, delta)

	l.epoch++
	l.offset = 0
	l.lastMacroBlockHash = hash
	l.lastMacroBlockTimestamp = b.Timestamp
	l.lastMacroBlockRandom = b.Random
	l.lastBlockHash = hash
	l.lastBlockTimestamp = b.Timestamp
	l.difficulty = b.Difficulty

	majority := l.escrow.StakersMajority(l.epoch, l.cfg.MinStakeAmount)
	l.validatorsAtEpochStart = majority
	result := SelectValidatorSlots(majority, b.Random, l.cfg.MaxSlotCount)
	l.election.Set(lsn, result)

	l.blockByHash.checkpoint()
	l.outputByHash.checkpoint()
	l.balance.Checkpoint()
	l.escrow.Checkpoint()
	// election_result and epoch_activity are deliberately never checkpointed
	// here, so their undo history stays reachable across this boundary.

	log.Ledger.Info().Uint64("epoch", l.epoch).Msg("applied macro-block")
	return spent, created, nil
}

// registerInputsAndOutputs is the shared apply step for both block kinds: it resolves
// and removes spent inputs, inserts new outputs, folds the per-tx outputs
// list into a single output_key-addressable list, and asserts the balance
// equation. Every failure here is a caller contract breach (a block that
// reached this point is assumed already checked against Validator) and
// panics; it returns the resolved spent outputs for the caller to report
// alongside the created ones.
func (l *Ledger) registerInputsAndOutputs(lsn LSN, hash types.Hash, inputHashes []types.Hash, outputsByTx [][]tx.Output, isMacro bool, delta Balance) []tx.Output {
	if !l.blockByHash.insert(lsn, hash) {
		panic(fmt.Sprintf("ledger: block hash collision at %s", lsn))
	}

	spent := make([]tx.Output, 0, len(inputHashes))
	for _, h := range inputHashes {
		key, ok := l.outputByHash.lookup(h)
		if !ok {
			panic(fmt.Sprintf("ledger: missing input %x at %s", h, lsn))
		}
		out, err := l.loadOutput(key)
		if err != nil {
			panic(fmt.Sprintf("ledger: failed to load resolved input %x: %v", h, err))
		}
		l.outputByHash.remove(lsn, h)
		spent = append(spent, out)
		delta.Burned = delta.Burned.Add(out.PedersenCommitment())
		if stake, ok := out.(*tx.StakeOutput); ok {
			if err := l.escrow.Unstake(lsn, stake.ValidatorNetworkKey, h, lsn.Epoch); err != nil {
				panic(fmt.Sprintf("ledger: unstake of pre-validated input failed: %v", err))
			}
		}
	}

	for txIdx, outs := range outputsByTx {
		idx := txIdx
		if isMacro {
			// Macro-blocks pass a single flat list; TxIndex -1 marks it as
			// belonging to the macro output list rather than a transaction.
			idx = -1
		}
		for outIdx, out := range outs {
			key := OutputKey{LSN: lsn, TxIndex: idx, OutIndex: outIdx}
			h := out.Hash()
			if !l.outputByHash.insert(lsn, h, key) {
				panic(fmt.Sprintf("ledger: output hash collision at %s: %x", lsn, h))
			}
			delta.Created = delta.Created.Add(out.PedersenCommitment())
			if stake, ok := out.(*tx.StakeOutput); ok {
				l.escrow.Stake(lsn, stake.ValidatorNetworkKey, stake.RecipientAccountKey, h, lsn.Epoch, l.cfg.StakeEpochs, stake.Amount)
			}
		}
	}

	if err := l.balance.Apply(lsn, delta); err != nil {
		panic(err.Error())
	}
	return spent
}

func (l *Ledger) hasEntries() bool {
	return l.epoch != 0 || l.offset != 0
}

// loadOutput resolves an OutputKey back to the concrete Output by loading
// its containing block from the log and indexing into it.
func (l *Ledger) loadOutput(key OutputKey) (tx.Output, error) {
	data, err := l.log.Get(key.LSN)
	if err != nil {
		return nil, err
	}
	b, err := block.UnmarshalBlock(data)
	if err != nil {
		return nil, err
	}
	switch typed := b.(type) {
	case *block.MacroBlock:
		if key.OutIndex >= len(typed.Outputs) {
			return nil, fmt.Errorf("%w: macro output index %d out of range", ErrOutputNotFound, key.OutIndex)
		}
		return typed.Outputs[key.OutIndex], nil
	case *block.MicroBlock:
		if key.TxIndex < 0 || key.TxIndex >= len(typed.Transactions) {
			return nil, fmt.Errorf("%w: tx index %d out of range", ErrOutputNotFound, key.TxIndex)
		}
		txOuts := typed.Transactions[key.TxIndex].TxOutputs()
		if key.OutIndex >= len(txOuts) {
			return nil, fmt.Errorf("%w: output index %d out of range", ErrOutputNotFound, key.OutIndex)
		}
		return txOuts[key.OutIndex], nil
	default:
		return nil, fmt.Errorf("%w: %T", block.ErrUnknownBlockKind, b)
	}
}

// OutputByHash resolves a live UTXO by its hash.
func (l *Ledger) OutputByHash(hash types.Hash) (tx.Output, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.outputByHash.lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrOutputNotFound, hash)
	}
	return l.loadOutput(key)
}

// BlocksStarting returns a lazy forward iterator over the log from
// (epoch, offset).
func (l *Ledger) BlocksStarting(epoch uint64, offset uint32) (func(yield func(Entry) bool), error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.log.From(LSN{Epoch: epoch, Offset: offset})
}

// PopMicroBlock reverts the last applied micro-block.
func (l *Ledger) PopMicroBlock() (RestoredOutputs, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offset == 0 {
		if l.epoch == 0 {
			return RestoredOutputs{}, ErrCannotPopGenesis
		}
		return RestoredOutputs{}, ErrCannotPopMacroBlock
	}

	poppedLSN := LSN{Epoch: l.epoch, Offset: l.offset - 1}
	data, err := l.log.Get(poppedLSN)
	if err != nil {
		return RestoredOutputs{}, err
	}
	popped, err := block.UnmarshalBlock(data)
	if err != nil {
		return RestoredOutputs{}, err
	}
	microPopped, ok := popped.(*block.MicroBlock)
	if !ok {
		return RestoredOutputs{}, ErrCannotPopMacroBlock
	}

	var priorLSN LSN
	if l.offset >= 2 {
		priorLSN = LSN{Epoch: l.epoch, Offset: l.offset - 2}
	} else {
		priorLSN = LSN{Epoch: l.epoch - 1, Offset: Sentinel}
	}

	var restored RestoredOutputs
	for _, t := range microPopped.Transactions {
		restored.Discarded = append(restored.Discarded, t.TxOutputs()...)
	}

	if err := l.log.Delete(poppedLSN); err != nil {
		return RestoredOutputs{}, err
	}

	l.blockByHash.rollbackToLSN(priorLSN)
	l.outputByHash.rollbackToLSN(priorLSN)
	l.balance.RollbackToLSN(priorLSN)
	l.escrow.RollbackToLSN(priorLSN)
	l.awards.RollbackToLSN(priorLSN)
	l.election.RollbackToLSN(priorLSN)

	for _, t := range microPopped.Transactions {
		for _, h := range t.Inputs() {
			if key, ok := l.outputByHash.lookup(h); ok {
				if out, err := l.loadOutput(key); err == nil {
					restored.Restored = append(restored.Restored, out)
				}
			}
		}
	}

	l.offset--

	priorData, err := l.log.Get(priorLSN)
	if err == nil {
		if priorBlock, err := block.UnmarshalBlock(priorData); err == nil {
			l.lastBlockHash = priorBlock.Hash()
			l.lastBlockTimestamp = priorBlock.Header().Timestamp
		}
	} else if l.offset == 0 && l.epoch == 0 {
		l.lastBlockHash = types.Hash{}
		l.lastBlockTimestamp = 0
	}

	if result, ok := l.election.Current(); ok {
		result.ViewChange = 0
		l.election.Set(LSN{Epoch: l.epoch, Offset: l.offset}, result)
	}

	log.Ledger.Debug().Uint64("epoch", l.epoch).Uint32("offset", l.offset).Msg("popped micro-block")
	return restored, nil
}

// SetViewChange records a view change proof and bumps the live election
// result's view_change at the current LSN. new must exceed the current
// value.
func (l *Ledger) SetViewChange(newViewChange uint32, proof []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, ok := l.election.Current()
	if !ok {
		return fmt.Errorf("ledger: no election result to apply a view change to")
	}
	if newViewChange <= result.ViewChange {
		return ErrViewChangeNotForward
	}
	result.ViewChange = newViewChange
	l.viewChangeProof = proof
	l.election.Set(LSN{Epoch: l.epoch, Offset: l.offset}, result)
	return nil
}

// ResetViewChange restores view_change to 0 at the current LSN and drops
// the stored proof.
func (l *Ledger) ResetViewChange() {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, ok := l.election.Current()
	if !ok {
		return
	}
	result.ViewChange = 0
	l.viewChangeProof = nil
	l.election.Set(LSN{Epoch: l.epoch, Offset: l.offset}, result)
}

// ElectionResultByOffset answers "what was the election result offset
// micro-blocks into the current epoch" without mutating the live schedule,
// by rolling back a transient clone.
func (l *Ledger) ElectionResultByOffset(offset uint32) (ElectionResult, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var target LSN
	if offset == 0 {
		target = LSN{Epoch: l.epoch - 1, Offset: Sentinel}
	} else {
		target = LSN{Epoch: l.epoch, Offset: offset - 1}
	}
	clone := l.election.Clone()
	clone.RollbackToLSN(target)
	return clone.Current()
}

// AccountRecovery is one recoverable output discovered by RecoverAccounts.
type AccountRecovery struct {
	Output  *tx.PaymentOutput
	Amount  uint64
	Gamma   crypto.Scalar
	Epoch   uint64
	Final   bool
	Timestamp uint64
}

// RecoverAccounts scans the full log once, trying every (secretKey,
// publicKey) pair supplied against every PaymentOutput, keeping only
// outputs still present in output_by_hash.
func (l *Ledger) RecoverAccounts(keys []*crypto.PrivateKey) (map[string][]AccountRecovery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := l.log.All()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]AccountRecovery)
	for _, entry := range entries {
		b, err := block.UnmarshalBlock(entry.Data)
		if err != nil {
			return nil, err
		}
		final := b.Kind() == block.KindMacro
		var outputLists [][]tx.Output
		switch typed := b.(type) {
		case *block.MicroBlock:
			for _, t := range typed.Transactions {
				outputLists = append(outputLists, t.TxOutputs())
			}
		case *block.MacroBlock:
			outputLists = append(outputLists, typed.Outputs)
		}
		for _, outs := range outputLists {
			for _, o := range outs {
				pay, ok := o.(*tx.PaymentOutput)
				if !ok {
					continue
				}
				if _, live := l.outputByHash.lookup(pay.Hash()); !live {
					continue
				}
				for _, sk := range keys {
					amount, gamma, err := pay.DecryptPayload(sk)
					if err != nil {
						continue
					}
					pub := hex.EncodeToString(sk.PublicKey())
					out[pub] = append(out[pub], AccountRecovery{
						Output:    pay,
						Amount:    amount,
						Gamma:     gamma,
						Epoch:     b.Header().Epoch,
						Final:     final,
						Timestamp: b.Header().Timestamp,
					})
					break
				}
			}
		}
	}
	return out, nil
}
