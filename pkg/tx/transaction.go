package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Kind identifies the concrete type behind a Transaction.
type Kind uint8

const (
	KindCoinbase Kind = iota
	KindPayment
	KindRestake
	KindSlashing
	KindServiceAward
)

func (k Kind) String() string {
	switch k {
	case KindCoinbase:
		return "Coinbase"
	case KindPayment:
		return "Payment"
	case KindRestake:
		return "Restake"
	case KindSlashing:
		return "Slashing"
	case KindServiceAward:
		return "ServiceAward"
	default:
		return "Unknown"
	}
}

// Transaction is a ledger mutation: it spends zero or more existing outputs
// (named by hash) and creates zero or more new ones, contributing a gamma
// delta to the block's (and the chain's) running monetary balance.
type Transaction interface {
	Kind() Kind
	Hash() types.Hash
	Inputs() []types.Hash
	TxOutputs() []Output
	Gamma() crypto.Scalar
	Validate() error
}

// CoinbaseTransaction mints the block reward and any accumulated fees into
// new outputs. It spends no inputs.
type CoinbaseTransaction struct {
	BlockReward int64
	BlockFee    uint64
	GammaValue  crypto.Scalar
	Outputs     []Output
}

func (t *CoinbaseTransaction) Kind() Kind          { return KindCoinbase }
func (t *CoinbaseTransaction) Inputs() []types.Hash { return nil }
func (t *CoinbaseTransaction) TxOutputs() []Output  { return t.Outputs }
func (t *CoinbaseTransaction) Gamma() crypto.Scalar { return t.GammaValue }

// Hash computes the transaction ID from the signing bytes.
func (t *CoinbaseTransaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation of the transaction.
func (t *CoinbaseTransaction) SigningBytes() []byte {
	var buf []byte
	buf = append(buf, byte(KindCoinbase))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.BlockReward))
	buf = binary.BigEndian.AppendUint64(buf, t.BlockFee)
	gammaBytes := t.GammaValue.Bytes()
	buf = append(buf, gammaBytes[:]...)
	buf = appendOutputHashes(buf, t.Outputs)
	return buf
}

// Validate checks structural invariants that do not require external state.
func (t *CoinbaseTransaction) Validate() error {
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	for i, out := range t.Outputs {
		if _, ok := out.(*PublicPaymentOutput); !ok {
			return fmt.Errorf("coinbase output %d: %w", i, ErrCoinbaseOutputNotPublic)
		}
	}
	return nil
}

// PaymentTransaction spends existing outputs and creates new ones, paying an
// explicit fee to the block producer.
type PaymentTransaction struct {
	InputHashes []types.Hash
	Outputs     []Output
	GammaValue  crypto.Scalar
	Fee         uint64
	Signatures  [][]byte // one signature per input, over Hash()
	PublicKeys  [][]byte // one public key per input
}

func (t *PaymentTransaction) Kind() Kind           { return KindPayment }
func (t *PaymentTransaction) Inputs() []types.Hash { return t.InputHashes }
func (t *PaymentTransaction) TxOutputs() []Output  { return t.Outputs }
func (t *PaymentTransaction) Gamma() crypto.Scalar { return t.GammaValue }

// Hash computes the transaction ID from the signing bytes.
func (t *PaymentTransaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing
// and hashing. Signatures themselves are excluded to avoid circularity.
func (t *PaymentTransaction) SigningBytes() []byte {
	var buf []byte
	buf = append(buf, byte(KindPayment))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.InputHashes)))
	for _, h := range t.InputHashes {
		buf = append(buf, h[:]...)
	}
	gammaBytes := t.GammaValue.Bytes()
	buf = append(buf, gammaBytes[:]...)
	buf = binary.BigEndian.AppendUint64(buf, t.Fee)
	buf = appendOutputHashes(buf, t.Outputs)
	return buf
}

// Validate checks structural invariants that do not require external state.
func (t *PaymentTransaction) Validate() error {
	if len(t.InputHashes) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(t.Signatures) != len(t.InputHashes) || len(t.PublicKeys) != len(t.InputHashes) {
		return ErrSignatureCountMismatch
	}
	seen := make(map[types.Hash]bool, len(t.InputHashes))
	for i, h := range t.InputHashes {
		if seen[h] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[h] = true
	}
	return nil
}

// VerifySignatures checks that every input signature is valid for this
// transaction's hash under its matching public key.
func (t *PaymentTransaction) VerifySignatures() error {
	hash := t.Hash()
	for i := range t.InputHashes {
		if !crypto.VerifySignature(hash[:], t.Signatures[i], t.PublicKeys[i]) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}

// RestakeTransaction spends and creates StakeOutputs only, letting a
// validator roll a maturing stake forward without passing through a
// PaymentOutput.
type RestakeTransaction struct {
	InputHashes []types.Hash
	Outputs     []Output
	Signatures  [][]byte
	PublicKeys  [][]byte
}

func (t *RestakeTransaction) Kind() Kind           { return KindRestake }
func (t *RestakeTransaction) Inputs() []types.Hash { return t.InputHashes }
func (t *RestakeTransaction) TxOutputs() []Output  { return t.Outputs }

// Gamma is always zero: restaking never hides an amount behind a blinding
// factor, since both sides of the transaction are public StakeOutputs.
func (t *RestakeTransaction) Gamma() crypto.Scalar { return crypto.ZeroScalar() }

// Hash computes the transaction ID from the signing bytes.
func (t *RestakeTransaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
func (t *RestakeTransaction) SigningBytes() []byte {
	var buf []byte
	buf = append(buf, byte(KindRestake))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.InputHashes)))
	for _, h := range t.InputHashes {
		buf = append(buf, h[:]...)
	}
	buf = appendOutputHashes(buf, t.Outputs)
	return buf
}

// Validate checks structural invariants that do not require external state.
func (t *RestakeTransaction) Validate() error {
	if len(t.InputHashes) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(t.Signatures) != len(t.InputHashes) || len(t.PublicKeys) != len(t.InputHashes) {
		return ErrSignatureCountMismatch
	}
	for i, out := range t.Outputs {
		if !out.IsStake() {
			return fmt.Errorf("restake output %d: %w", i, ErrRestakeOutputNotStake)
		}
	}
	return nil
}

// SlashingTransaction removes a validator's stake as punishment for
// equivocation, redistributing it through ordinary compensation outputs and
// evicting the cheater from the current election result.
type SlashingTransaction struct {
	CheaterNetworkKey []byte
	Evidence          []byte // opaque proof of equivocation (e.g. two conflicting signed headers)
	Outputs           []Output
}

func (t *SlashingTransaction) Kind() Kind           { return KindSlashing }
func (t *SlashingTransaction) Inputs() []types.Hash { return nil }
func (t *SlashingTransaction) TxOutputs() []Output  { return t.Outputs }

// Gamma is always zero: slashing redistributes an existing mature stake
// through public outputs, so no new value (and no blinding factor) enters
// the chain.
func (t *SlashingTransaction) Gamma() crypto.Scalar { return crypto.ZeroScalar() }

// Hash computes the transaction ID from the signing bytes.
func (t *SlashingTransaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
func (t *SlashingTransaction) SigningBytes() []byte {
	var buf []byte
	buf = append(buf, byte(KindSlashing))
	buf = append(buf, t.CheaterNetworkKey...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Evidence)))
	buf = append(buf, t.Evidence...)
	buf = appendOutputHashes(buf, t.Outputs)
	return buf
}

// Validate checks structural invariants that do not require external state.
func (t *SlashingTransaction) Validate() error {
	if len(t.CheaterNetworkKey) == 0 {
		return ErrMissingCheaterKey
	}
	if len(t.Evidence) == 0 {
		return ErrMissingEvidence
	}
	return nil
}

// ServiceAwardTransaction pays the epoch's accumulated service award pool to
// the winning validator's account. It only ever appears inside a
// MacroBlock.
type ServiceAwardTransaction struct {
	WinnerAccountKey types.Address
	Outputs          []Output
}

func (t *ServiceAwardTransaction) Kind() Kind           { return KindServiceAward }
func (t *ServiceAwardTransaction) Inputs() []types.Hash { return nil }
func (t *ServiceAwardTransaction) TxOutputs() []Output  { return t.Outputs }

// Gamma is always zero: the award is paid through a PublicPaymentOutput.
func (t *ServiceAwardTransaction) Gamma() crypto.Scalar { return crypto.ZeroScalar() }

// Hash computes the transaction ID from the signing bytes.
func (t *ServiceAwardTransaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
func (t *ServiceAwardTransaction) SigningBytes() []byte {
	var buf []byte
	buf = append(buf, byte(KindServiceAward))
	buf = append(buf, t.WinnerAccountKey[:]...)
	buf = appendOutputHashes(buf, t.Outputs)
	return buf
}

// Validate checks structural invariants that do not require external state.
func (t *ServiceAwardTransaction) Validate() error {
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	for i, out := range t.Outputs {
		if _, ok := out.(*PublicPaymentOutput); !ok {
			return fmt.Errorf("service award output %d: %w", i, ErrCoinbaseOutputNotPublic)
		}
	}
	return nil
}

// appendOutputHashes folds each output's own hash into a running signing
// buffer, so the transaction hash changes if any output field changes
// without needing to re-serialize every output variant inline.
func appendOutputHashes(buf []byte, outputs []Output) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(outputs)))
	for _, out := range outputs {
		h := out.Hash()
		buf = append(buf, h[:]...)
	}
	return buf
}

// transactionEnvelope is the discriminated-union wire format for a
// Transaction.
type transactionEnvelope struct {
	Kind         Kind                  `json:"kind"`
	Coinbase     *coinbaseJSON         `json:"coinbase,omitempty"`
	Payment      *paymentJSON          `json:"payment,omitempty"`
	Restake      *restakeJSON          `json:"restake,omitempty"`
	Slashing     *slashingJSON         `json:"slashing,omitempty"`
	ServiceAward *serviceAwardJSON     `json:"service_award,omitempty"`
}

type coinbaseJSON struct {
	BlockReward int64             `json:"block_reward"`
	BlockFee    uint64            `json:"block_fee"`
	Gamma       string            `json:"gamma"`
	Outputs     []json.RawMessage `json:"outputs"`
}

type paymentJSON struct {
	InputHashes []types.Hash      `json:"input_hashes"`
	Outputs     []json.RawMessage `json:"outputs"`
	Gamma       string            `json:"gamma"`
	Fee         uint64            `json:"fee"`
	Signatures  []string          `json:"signatures"`
	PublicKeys  []string          `json:"public_keys"`
}

type restakeJSON struct {
	InputHashes []types.Hash      `json:"input_hashes"`
	Outputs     []json.RawMessage `json:"outputs"`
	Signatures  []string          `json:"signatures"`
	PublicKeys  []string          `json:"public_keys"`
}

type slashingJSON struct {
	CheaterNetworkKey string            `json:"cheater_network_key"`
	Evidence          string            `json:"evidence"`
	Outputs           []json.RawMessage `json:"outputs"`
}

type serviceAwardJSON struct {
	WinnerAccountKey types.Address     `json:"winner_account_key"`
	Outputs          []json.RawMessage `json:"outputs"`
}

func marshalOutputs(outputs []Output) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(outputs))
	for i, out := range outputs {
		b, err := MarshalOutput(out)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return raw, nil
}

func unmarshalOutputs(raw []json.RawMessage) ([]Output, error) {
	outputs := make([]Output, len(raw))
	for i, b := range raw {
		out, err := UnmarshalOutput(b)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	return outputs, nil
}

func hexSlice(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = hex.EncodeToString(b)
	}
	return out
}

func unhexSlice(in []string) ([][]byte, error) {
	out := make([][]byte, len(in))
	for i, s := range in {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// MarshalTransaction encodes a Transaction into its discriminated JSON
// envelope.
func MarshalTransaction(t Transaction) ([]byte, error) {
	switch v := t.(type) {
	case *CoinbaseTransaction:
		outputs, err := marshalOutputs(v.Outputs)
		if err != nil {
			return nil, err
		}
		gammaBytes := v.GammaValue.Bytes()
		return json.Marshal(transactionEnvelope{
			Kind: KindCoinbase,
			Coinbase: &coinbaseJSON{
				BlockReward: v.BlockReward,
				BlockFee:    v.BlockFee,
				Gamma:       hex.EncodeToString(gammaBytes[:]),
				Outputs:     outputs,
			},
		})
	case *PaymentTransaction:
		outputs, err := marshalOutputs(v.Outputs)
		if err != nil {
			return nil, err
		}
		gammaBytes := v.GammaValue.Bytes()
		return json.Marshal(transactionEnvelope{
			Kind: KindPayment,
			Payment: &paymentJSON{
				InputHashes: v.InputHashes,
				Outputs:     outputs,
				Gamma:       hex.EncodeToString(gammaBytes[:]),
				Fee:         v.Fee,
				Signatures:  hexSlice(v.Signatures),
				PublicKeys:  hexSlice(v.PublicKeys),
			},
		})
	case *RestakeTransaction:
		outputs, err := marshalOutputs(v.Outputs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(transactionEnvelope{
			Kind: KindRestake,
			Restake: &restakeJSON{
				InputHashes: v.InputHashes,
				Outputs:     outputs,
				Signatures:  hexSlice(v.Signatures),
				PublicKeys:  hexSlice(v.PublicKeys),
			},
		})
	case *SlashingTransaction:
		outputs, err := marshalOutputs(v.Outputs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(transactionEnvelope{
			Kind: KindSlashing,
			Slashing: &slashingJSON{
				CheaterNetworkKey: hex.EncodeToString(v.CheaterNetworkKey),
				Evidence:          hex.EncodeToString(v.Evidence),
				Outputs:           outputs,
			},
		})
	case *ServiceAwardTransaction:
		outputs, err := marshalOutputs(v.Outputs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(transactionEnvelope{
			Kind: KindServiceAward,
			ServiceAward: &serviceAwardJSON{
				WinnerAccountKey: v.WinnerAccountKey,
				Outputs:          outputs,
			},
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTransactionKind, t)
	}
}

// UnmarshalTransaction decodes a Transaction from its discriminated JSON
// envelope.
func UnmarshalTransaction(data []byte) (Transaction, error) {
	var env transactionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindCoinbase:
		if env.Coinbase == nil {
			return nil, fmt.Errorf("%w: missing coinbase body", ErrMalformedPayload)
		}
		outputs, err := unmarshalOutputs(env.Coinbase.Outputs)
		if err != nil {
			return nil, err
		}
		gamma, err := decodeScalar(env.Coinbase.Gamma)
		if err != nil {
			return nil, err
		}
		return &CoinbaseTransaction{
			BlockReward: env.Coinbase.BlockReward,
			BlockFee:    env.Coinbase.BlockFee,
			GammaValue:  gamma,
			Outputs:     outputs,
		}, nil
	case KindPayment:
		if env.Payment == nil {
			return nil, fmt.Errorf("%w: missing payment body", ErrMalformedPayload)
		}
		outputs, err := unmarshalOutputs(env.Payment.Outputs)
		if err != nil {
			return nil, err
		}
		gamma, err := decodeScalar(env.Payment.Gamma)
		if err != nil {
			return nil, err
		}
		sigs, err := unhexSlice(env.Payment.Signatures)
		if err != nil {
			return nil, err
		}
		pubKeys, err := unhexSlice(env.Payment.PublicKeys)
		if err != nil {
			return nil, err
		}
		return &PaymentTransaction{
			InputHashes: env.Payment.InputHashes,
			Outputs:     outputs,
			GammaValue:  gamma,
			Fee:         env.Payment.Fee,
			Signatures:  sigs,
			PublicKeys:  pubKeys,
		}, nil
	case KindRestake:
		if env.Restake == nil {
			return nil, fmt.Errorf("%w: missing restake body", ErrMalformedPayload)
		}
		outputs, err := unmarshalOutputs(env.Restake.Outputs)
		if err != nil {
			return nil, err
		}
		sigs, err := unhexSlice(env.Restake.Signatures)
		if err != nil {
			return nil, err
		}
		pubKeys, err := unhexSlice(env.Restake.PublicKeys)
		if err != nil {
			return nil, err
		}
		return &RestakeTransaction{
			InputHashes: env.Restake.InputHashes,
			Outputs:     outputs,
			Signatures:  sigs,
			PublicKeys:  pubKeys,
		}, nil
	case KindSlashing:
		if env.Slashing == nil {
			return nil, fmt.Errorf("%w: missing slashing body", ErrMalformedPayload)
		}
		outputs, err := unmarshalOutputs(env.Slashing.Outputs)
		if err != nil {
			return nil, err
		}
		cheater, err := hex.DecodeString(env.Slashing.CheaterNetworkKey)
		if err != nil {
			return nil, err
		}
		evidence, err := hex.DecodeString(env.Slashing.Evidence)
		if err != nil {
			return nil, err
		}
		return &SlashingTransaction{
			CheaterNetworkKey: cheater,
			Evidence:          evidence,
			Outputs:           outputs,
		}, nil
	case KindServiceAward:
		if env.ServiceAward == nil {
			return nil, fmt.Errorf("%w: missing service_award body", ErrMalformedPayload)
		}
		outputs, err := unmarshalOutputs(env.ServiceAward.Outputs)
		if err != nil {
			return nil, err
		}
		return &ServiceAwardTransaction{
			WinnerAccountKey: env.ServiceAward.WinnerAccountKey,
			Outputs:          outputs,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransactionKind, env.Kind)
	}
}

func decodeScalar(s string) (crypto.Scalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return crypto.Scalar{}, err
	}
	if len(b) != 32 {
		return crypto.Scalar{}, fmt.Errorf("%w: gamma must be 32 bytes, got %d", ErrMalformedPayload, len(b))
	}
	var fixed [32]byte
	copy(fixed[:], b)
	var scalar crypto.Scalar
	scalar.SetBytes(&fixed)
	return scalar, nil
}
