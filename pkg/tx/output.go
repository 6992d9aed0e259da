// Package tx defines transaction and output types and their validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// OutputKind identifies the concrete type behind an Output.
type OutputKind uint8

const (
	OutputKindPayment OutputKind = iota
	OutputKindPublicPayment
	OutputKindStake
)

func (k OutputKind) String() string {
	switch k {
	case OutputKindPayment:
		return "Payment"
	case OutputKindPublicPayment:
		return "PublicPayment"
	case OutputKindStake:
		return "Stake"
	default:
		return "Unknown"
	}
}

// Output is a single unspent transaction output. Each variant commits its
// amount to the curve (confidentially or in the clear) so the ledger's
// monetary balance equation can sum outputs without knowing their kind.
type Output interface {
	Kind() OutputKind
	Hash() types.Hash
	PedersenCommitment() crypto.Point
	IsStake() bool
}

// Output errors.
var (
	ErrNotMyOutput       = errors.New("output was not sealed for this account key")
	ErrMalformedPayload  = errors.New("malformed output payload")
	ErrUnknownOutputKind = errors.New("unknown output kind")
	ErrInvalidCommitment = errors.New("invalid pedersen commitment encoding")
	ErrZeroOutputAmount  = errors.New("output amount is zero")
)

// PaymentOutput hides its amount and blinding factor behind a Pedersen
// commitment and an encrypted payload readable only by the recipient.
type PaymentOutput struct {
	RecipientPubKey []byte // 33-byte compressed recipient account key
	EphemeralPubKey []byte // 33-byte compressed ephemeral key from SealPayload
	Commitment      []byte // 33-byte compressed Pedersen commitment to (amount, gamma)
	Payload         []byte // SealPayload(amount || gamma), readable by RecipientPubKey's owner
}

// NewPaymentOutput builds a PaymentOutput paying amount (blinded by gamma) to
// recipientPubKey, sealing the cleartext amount and gamma so only the holder
// of the matching private key can recover them.
func NewPaymentOutput(recipientPubKey []byte, amount uint64, gamma *crypto.Scalar) (*PaymentOutput, error) {
	commitment := crypto.PedersenCommit(amount, gamma)

	plaintext := make([]byte, 40)
	binary.BigEndian.PutUint64(plaintext[:8], amount)
	gammaBytes := gamma.Bytes()
	copy(plaintext[8:], gammaBytes[:])

	ephemeral, sealed, err := crypto.SealPayload(recipientPubKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal payment payload: %w", err)
	}

	recipient := make([]byte, len(recipientPubKey))
	copy(recipient, recipientPubKey)

	return &PaymentOutput{
		RecipientPubKey: recipient,
		EphemeralPubKey: ephemeral,
		Commitment:      commitment.Bytes(),
		Payload:         sealed,
	}, nil
}

// Kind identifies this as a PaymentOutput.
func (o *PaymentOutput) Kind() OutputKind { return OutputKindPayment }

// Hash computes a canonical identifier for this output.
func (o *PaymentOutput) Hash() types.Hash {
	var buf []byte
	buf = append(buf, byte(OutputKindPayment))
	buf = append(buf, o.RecipientPubKey...)
	buf = append(buf, o.EphemeralPubKey...)
	buf = append(buf, o.Commitment...)
	buf = append(buf, o.Payload...)
	return crypto.Hash(buf)
}

// PedersenCommitment parses the stored commitment bytes.
func (o *PaymentOutput) PedersenCommitment() crypto.Point {
	p, err := crypto.PointFromBytes(o.Commitment)
	if err != nil {
		// A commitment that fails to parse is a corrupt output; the caller
		// (the ledger apply path) always validates before trusting the point.
		return crypto.IdentityPoint()
	}
	return p
}

// IsStake reports that a PaymentOutput never carries a validator stake.
func (o *PaymentOutput) IsStake() bool { return false }

// DecryptPayload recovers the cleartext amount and blinding factor using the
// recipient's private key. Returns ErrNotMyOutput if sk does not match
// RecipientPubKey (the seal fails to open).
func (o *PaymentOutput) DecryptPayload(sk *crypto.PrivateKey) (amount uint64, gamma crypto.Scalar, err error) {
	plaintext, err := crypto.OpenPayload(sk, o.EphemeralPubKey, o.Payload)
	if err != nil {
		return 0, crypto.Scalar{}, fmt.Errorf("%w: %v", ErrNotMyOutput, err)
	}
	if len(plaintext) != 40 {
		return 0, crypto.Scalar{}, ErrMalformedPayload
	}
	amount = binary.BigEndian.Uint64(plaintext[:8])
	var gammaBytes [32]byte
	copy(gammaBytes[:], plaintext[8:])
	gamma.SetBytes(&gammaBytes)
	return amount, gamma, nil
}

// IsMyOutput reports whether sk can open this output's payload, without
// returning the decrypted values.
func (o *PaymentOutput) IsMyOutput(sk *crypto.PrivateKey) bool {
	_, _, err := o.DecryptPayload(sk)
	return err == nil
}

// PublicPaymentOutput pays a cleartext amount to an address. Used for
// outputs (coinbase change, service awards) where there is no reason to hide
// the amount.
type PublicPaymentOutput struct {
	Recipient types.Address
	Amount    uint64
}

// Kind identifies this as a PublicPaymentOutput.
func (o *PublicPaymentOutput) Kind() OutputKind { return OutputKindPublicPayment }

// Hash computes a canonical identifier for this output.
func (o *PublicPaymentOutput) Hash() types.Hash {
	buf := make([]byte, 1+types.AddressSize+8)
	buf[0] = byte(OutputKindPublicPayment)
	copy(buf[1:], o.Recipient[:])
	binary.BigEndian.PutUint64(buf[1+types.AddressSize:], o.Amount)
	return crypto.Hash(buf)
}

// PedersenCommitment commits to Amount with a zero blinding factor, since the
// amount is already public; this lets the balance equation sum public and
// confidential outputs uniformly.
func (o *PublicPaymentOutput) PedersenCommitment() crypto.Point {
	zero := crypto.ZeroScalar()
	return crypto.PedersenCommit(o.Amount, &zero)
}

// IsStake reports that a PublicPaymentOutput never carries a validator stake.
func (o *PublicPaymentOutput) IsStake() bool { return false }

// StakeOutput locks Amount against a validator's network key until
// MaturityEpoch, crediting RecipientAccountKey on unstake or slashing
// compensation.
type StakeOutput struct {
	ValidatorNetworkKey []byte // 33-byte compressed validator network key
	RecipientAccountKey types.Address
	Amount              uint64
	MaturityEpoch       uint64
}

// Kind identifies this as a StakeOutput.
func (o *StakeOutput) Kind() OutputKind { return OutputKindStake }

// Hash computes a canonical identifier for this output.
func (o *StakeOutput) Hash() types.Hash {
	var buf []byte
	buf = append(buf, byte(OutputKindStake))
	buf = append(buf, o.ValidatorNetworkKey...)
	buf = append(buf, o.RecipientAccountKey[:]...)
	buf = binary.BigEndian.AppendUint64(buf, o.Amount)
	buf = binary.BigEndian.AppendUint64(buf, o.MaturityEpoch)
	return crypto.Hash(buf)
}

// PedersenCommitment commits to Amount with a zero blinding factor; stake
// amounts are always public so escrow accounting can sum them directly.
func (o *StakeOutput) PedersenCommitment() crypto.Point {
	zero := crypto.ZeroScalar()
	return crypto.PedersenCommit(o.Amount, &zero)
}

// IsStake reports that a StakeOutput locks a validator stake.
func (o *StakeOutput) IsStake() bool { return true }

// outputEnvelope is the discriminated-union wire format for an Output: a kind
// tag plus the hex-encoded-byte-field JSON shape used throughout this
// package, extended to a sum type.
type outputEnvelope struct {
	Kind          OutputKind               `json:"kind"`
	Payment       *paymentOutputJSON       `json:"payment,omitempty"`
	PublicPayment *publicPaymentOutputJSON `json:"public_payment,omitempty"`
	Stake         *stakeOutputJSON         `json:"stake,omitempty"`
}

type paymentOutputJSON struct {
	RecipientPubKey string `json:"recipient_pubkey"`
	EphemeralPubKey string `json:"ephemeral_pubkey"`
	Commitment      string `json:"commitment"`
	Payload         string `json:"payload"`
}

type publicPaymentOutputJSON struct {
	Recipient types.Address `json:"recipient"`
	Amount    uint64        `json:"amount"`
}

type stakeOutputJSON struct {
	ValidatorNetworkKey string        `json:"validator_network_key"`
	RecipientAccountKey types.Address `json:"recipient_account_key"`
	Amount              uint64        `json:"amount"`
	MaturityEpoch       uint64        `json:"maturity_epoch"`
}

// MarshalOutput encodes an Output into its discriminated JSON envelope.
func MarshalOutput(o Output) ([]byte, error) {
	switch v := o.(type) {
	case *PaymentOutput:
		return json.Marshal(outputEnvelope{
			Kind: OutputKindPayment,
			Payment: &paymentOutputJSON{
				RecipientPubKey: hex.EncodeToString(v.RecipientPubKey),
				EphemeralPubKey: hex.EncodeToString(v.EphemeralPubKey),
				Commitment:      hex.EncodeToString(v.Commitment),
				Payload:         hex.EncodeToString(v.Payload),
			},
		})
	case *PublicPaymentOutput:
		return json.Marshal(outputEnvelope{
			Kind:          OutputKindPublicPayment,
			PublicPayment: &publicPaymentOutputJSON{Recipient: v.Recipient, Amount: v.Amount},
		})
	case *StakeOutput:
		return json.Marshal(outputEnvelope{
			Kind: OutputKindStake,
			Stake: &stakeOutputJSON{
				ValidatorNetworkKey: hex.EncodeToString(v.ValidatorNetworkKey),
				RecipientAccountKey: v.RecipientAccountKey,
				Amount:              v.Amount,
				MaturityEpoch:       v.MaturityEpoch,
			},
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOutputKind, o)
	}
}

// UnmarshalOutput decodes an Output from its discriminated JSON envelope.
func UnmarshalOutput(data []byte) (Output, error) {
	var env outputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case OutputKindPayment:
		if env.Payment == nil {
			return nil, fmt.Errorf("%w: missing payment body", ErrMalformedPayload)
		}
		recipient, err := hex.DecodeString(env.Payment.RecipientPubKey)
		if err != nil {
			return nil, err
		}
		ephemeral, err := hex.DecodeString(env.Payment.EphemeralPubKey)
		if err != nil {
			return nil, err
		}
		commitment, err := hex.DecodeString(env.Payment.Commitment)
		if err != nil {
			return nil, err
		}
		payload, err := hex.DecodeString(env.Payment.Payload)
		if err != nil {
			return nil, err
		}
		return &PaymentOutput{
			RecipientPubKey: recipient,
			EphemeralPubKey: ephemeral,
			Commitment:      commitment,
			Payload:         payload,
		}, nil
	case OutputKindPublicPayment:
		if env.PublicPayment == nil {
			return nil, fmt.Errorf("%w: missing public_payment body", ErrMalformedPayload)
		}
		return &PublicPaymentOutput{
			Recipient: env.PublicPayment.Recipient,
			Amount:    env.PublicPayment.Amount,
		}, nil
	case OutputKindStake:
		if env.Stake == nil {
			return nil, fmt.Errorf("%w: missing stake body", ErrMalformedPayload)
		}
		validator, err := hex.DecodeString(env.Stake.ValidatorNetworkKey)
		if err != nil {
			return nil, err
		}
		return &StakeOutput{
			ValidatorNetworkKey: validator,
			RecipientAccountKey: env.Stake.RecipientAccountKey,
			Amount:              env.Stake.Amount,
			MaturityEpoch:       env.Stake.MaturityEpoch,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOutputKind, env.Kind)
	}
}
