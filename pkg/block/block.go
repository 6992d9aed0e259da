// Package block defines the MacroBlock/MicroBlock tagged union and the
// common header fields shared by both, plus the wire envelope that lets the
// ledger log and transport treat them as one Block.
package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Kind discriminates a Block's concrete type.
type Kind uint8

const (
	KindMicro Kind = iota
	KindMacro
)

func (k Kind) String() string {
	switch k {
	case KindMicro:
		return "micro"
	case KindMacro:
		return "macro"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var ErrUnknownBlockKind = errors.New("unknown block kind")

// Common holds the fields every block variant carries.
type Common struct {
	Version    uint32     `json:"version"`
	Epoch      uint64     `json:"epoch"`
	Previous   types.Hash `json:"previous"`
	Timestamp  uint64     `json:"timestamp"`
	ViewChange uint32     `json:"view_change"`
	Random     types.Hash `json:"random"`
	LeaderKey  []byte     `json:"leader_key"`
}

// Block is the tagged union of MicroBlock and MacroBlock.
type Block interface {
	Kind() Kind
	Header() Common
	Hash() types.Hash
	SigningBytes() []byte
	Validate() error
}

// MicroBlock carries the per-slot transaction batch. Its Epoch/offset pair
// is implicit in the ledger's LSN at apply time; the block itself only
// records what happened during that slot.
type MicroBlock struct {
	Common
	Transactions []tx.Transaction
}

func (b *MicroBlock) Kind() Kind     { return KindMicro }
func (b *MicroBlock) Header() Common { return b.Common }

// SigningBytes is the canonical byte form hashed and signed by the leader.
// Format: version(4) | epoch(8) | previous(32) | timestamp(8) | view_change(4)
// | random(32) | leader_key | merkle_root(32).
func (b *MicroBlock) SigningBytes() []byte {
	buf := commonSigningBytes(b.Common)
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	root := ComputeMerkleRoot(hashes)
	buf = append(buf, root[:]...)
	return buf
}

func (b *MicroBlock) Hash() types.Hash {
	return crypto.Hash(b.SigningBytes())
}

// MacroBlock closes an epoch: it carries the epoch-wide flat input/output
// lists, the aggregated blinding-factor delta, the epoch's block reward, the
// validator activity bitmap, and the next epoch's difficulty.
type MacroBlock struct {
	Common
	Inputs      []types.Hash
	Outputs     []tx.Output
	Gamma       crypto.Scalar
	BlockReward int64
	ActivityMap []byte
	Difficulty  uint64
}

func (b *MacroBlock) Kind() Kind     { return KindMacro }
func (b *MacroBlock) Header() Common { return b.Common }

// SigningBytes format: common fields | inputs | output hashes | gamma(32)
// | block_reward(8) | activity_map | difficulty(8).
func (b *MacroBlock) SigningBytes() []byte {
	buf := commonSigningBytes(b.Common)
	for _, h := range b.Inputs {
		buf = append(buf, h[:]...)
	}
	for _, out := range b.Outputs {
		h := out.Hash()
		buf = append(buf, h[:]...)
	}
	gammaBytes := b.Gamma.Bytes()
	buf = append(buf, gammaBytes[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.BlockReward))
	buf = append(buf, b.ActivityMap...)
	buf = binary.BigEndian.AppendUint64(buf, b.Difficulty)
	return buf
}

func (b *MacroBlock) Hash() types.Hash {
	return crypto.Hash(b.SigningBytes())
}

func commonSigningBytes(c Common) []byte {
	buf := make([]byte, 0, 4+8+32+8+4+32+len(c.LeaderKey))
	buf = binary.BigEndian.AppendUint32(buf, c.Version)
	buf = binary.BigEndian.AppendUint64(buf, c.Epoch)
	buf = append(buf, c.Previous[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, c.ViewChange)
	buf = append(buf, c.Random[:]...)
	buf = append(buf, c.LeaderKey...)
	return buf
}

// blockEnvelope is the discriminated-union wire format for Block.
type blockEnvelope struct {
	Kind  Kind            `json:"kind"`
	Micro *microBlockJSON `json:"micro,omitempty"`
	Macro *macroBlockJSON `json:"macro,omitempty"`
}

type commonJSON struct {
	Version    uint32     `json:"version"`
	Epoch      uint64     `json:"epoch"`
	Previous   types.Hash `json:"previous"`
	Timestamp  uint64     `json:"timestamp"`
	ViewChange uint32     `json:"view_change"`
	Random     types.Hash `json:"random"`
	LeaderKey  string     `json:"leader_key"`
}

func toCommonJSON(c Common) commonJSON {
	return commonJSON{
		Version:    c.Version,
		Epoch:      c.Epoch,
		Previous:   c.Previous,
		Timestamp:  c.Timestamp,
		ViewChange: c.ViewChange,
		Random:     c.Random,
		LeaderKey:  hex.EncodeToString(c.LeaderKey),
	}
}

func (j commonJSON) toCommon() (Common, error) {
	leaderKey, err := hex.DecodeString(j.LeaderKey)
	if err != nil {
		return Common{}, fmt.Errorf("decode leader_key: %w", err)
	}
	return Common{
		Version:    j.Version,
		Epoch:      j.Epoch,
		Previous:   j.Previous,
		Timestamp:  j.Timestamp,
		ViewChange: j.ViewChange,
		Random:     j.Random,
		LeaderKey:  leaderKey,
	}, nil
}

type microBlockJSON struct {
	commonJSON
	Transactions []json.RawMessage `json:"transactions"`
}

type macroBlockJSON struct {
	commonJSON
	Inputs      []types.Hash      `json:"inputs"`
	Outputs     []json.RawMessage `json:"outputs"`
	Gamma       string            `json:"gamma"`
	BlockReward int64             `json:"block_reward"`
	ActivityMap string            `json:"activity_map"`
	Difficulty  uint64            `json:"difficulty"`
}

// MarshalBlock encodes a Block into its discriminated-union wire form.
func MarshalBlock(b Block) ([]byte, error) {
	switch v := b.(type) {
	case *MicroBlock:
		txs := make([]json.RawMessage, len(v.Transactions))
		for i, t := range v.Transactions {
			data, err := tx.MarshalTransaction(t)
			if err != nil {
				return nil, fmt.Errorf("marshal transaction %d: %w", i, err)
			}
			txs[i] = data
		}
		env := blockEnvelope{Kind: KindMicro, Micro: &microBlockJSON{
			commonJSON:   toCommonJSON(v.Common),
			Transactions: txs,
		}}
		return json.Marshal(env)
	case *MacroBlock:
		outs := make([]json.RawMessage, len(v.Outputs))
		for i, o := range v.Outputs {
			data, err := tx.MarshalOutput(o)
			if err != nil {
				return nil, fmt.Errorf("marshal output %d: %w", i, err)
			}
			outs[i] = data
		}
		gammaBytes := v.Gamma.Bytes()
		env := blockEnvelope{Kind: KindMacro, Macro: &macroBlockJSON{
			commonJSON:  toCommonJSON(v.Common),
			Inputs:      v.Inputs,
			Outputs:     outs,
			Gamma:       hex.EncodeToString(gammaBytes[:]),
			BlockReward: v.BlockReward,
			ActivityMap: hex.EncodeToString(v.ActivityMap),
			Difficulty:  v.Difficulty,
		}}
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownBlockKind, b)
	}
}

// UnmarshalBlock decodes a Block from its discriminated-union wire form.
func UnmarshalBlock(data []byte) (Block, error) {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal block envelope: %w", err)
	}
	switch env.Kind {
	case KindMicro:
		if env.Micro == nil {
			return nil, fmt.Errorf("%w: missing micro payload", ErrUnknownBlockKind)
		}
		common, err := env.Micro.commonJSON.toCommon()
		if err != nil {
			return nil, err
		}
		txs := make([]tx.Transaction, len(env.Micro.Transactions))
		for i, raw := range env.Micro.Transactions {
			t, err := tx.UnmarshalTransaction(raw)
			if err != nil {
				return nil, fmt.Errorf("unmarshal transaction %d: %w", i, err)
			}
			txs[i] = t
		}
		return &MicroBlock{Common: common, Transactions: txs}, nil
	case KindMacro:
		if env.Macro == nil {
			return nil, fmt.Errorf("%w: missing macro payload", ErrUnknownBlockKind)
		}
		common, err := env.Macro.commonJSON.toCommon()
		if err != nil {
			return nil, err
		}
		outs := make([]tx.Output, len(env.Macro.Outputs))
		for i, raw := range env.Macro.Outputs {
			o, err := tx.UnmarshalOutput(raw)
			if err != nil {
				return nil, fmt.Errorf("unmarshal output %d: %w", i, err)
			}
			outs[i] = o
		}
		gammaBytes, err := hex.DecodeString(env.Macro.Gamma)
		if err != nil {
			return nil, fmt.Errorf("decode gamma: %w", err)
		}
		var gammaArr [32]byte
		copy(gammaArr[len(gammaArr)-len(gammaBytes):], gammaBytes)
		var gamma crypto.Scalar
		gamma.SetBytes(&gammaArr)
		activityMap, err := hex.DecodeString(env.Macro.ActivityMap)
		if err != nil {
			return nil, fmt.Errorf("decode activity_map: %w", err)
		}
		return &MacroBlock{
			Common:      common,
			Inputs:      env.Macro.Inputs,
			Outputs:     outs,
			Gamma:       gamma,
			BlockReward: env.Macro.BlockReward,
			ActivityMap: activityMap,
			Difficulty:  env.Macro.Difficulty,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownBlockKind, env.Kind)
	}
}
