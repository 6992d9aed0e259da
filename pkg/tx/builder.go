package tx

import (
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// spentOutput is what the builder needs to know about an output it is about
// to spend: the values are only known to whoever can decrypt it, so the
// caller supplies them rather than the builder re-deriving them.
type spentOutput struct {
	hash   types.Hash
	amount uint64
	gamma  crypto.Scalar
	signer *crypto.PrivateKey
}

// plannedOutput is a new PaymentOutput the builder has not yet sealed.
type plannedOutput struct {
	recipientPubKey []byte
	amount          uint64
}

// PaymentBuilder constructs a PaymentTransaction, tracking the running
// balance of spent and created amounts so Build can compute Fee and
// GammaValue without the caller doing the arithmetic.
type PaymentBuilder struct {
	spent   []spentOutput
	planned []plannedOutput
	err     error
}

// NewPaymentBuilder creates an empty payment transaction builder.
func NewPaymentBuilder() *PaymentBuilder {
	return &PaymentBuilder{}
}

// Spend adds an input: a previously-received PaymentOutput this account can
// decrypt, along with the private key that will sign for it.
func (b *PaymentBuilder) Spend(output *PaymentOutput, signer *crypto.PrivateKey) *PaymentBuilder {
	if b.err != nil {
		return b
	}
	amount, gamma, err := output.DecryptPayload(signer)
	if err != nil {
		b.err = fmt.Errorf("spend %s: %w", output.Hash(), err)
		return b
	}
	b.spent = append(b.spent, spentOutput{
		hash:   output.Hash(),
		amount: amount,
		gamma:  gamma,
		signer: signer,
	})
	return b
}

// Pay adds a new confidential output paying amount to recipientPubKey.
func (b *PaymentBuilder) Pay(recipientPubKey []byte, amount uint64) *PaymentBuilder {
	if b.err != nil {
		return b
	}
	if amount == 0 {
		b.err = ErrZeroOutputAmount
		return b
	}
	b.planned = append(b.planned, plannedOutput{recipientPubKey: recipientPubKey, amount: amount})
	return b
}

// Build seals every planned output, computes the fee and blinding-factor
// delta, signs every input, and returns the finished transaction.
func (b *PaymentBuilder) Build() (*PaymentTransaction, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.spent) == 0 {
		return nil, ErrNoInputs
	}
	if len(b.planned) == 0 {
		return nil, ErrNoOutputs
	}

	var totalIn, totalOut uint64
	for _, s := range b.spent {
		if totalIn > math.MaxUint64-s.amount {
			return nil, fmt.Errorf("spent total: %w", ErrAmountOverflow)
		}
		totalIn += s.amount
	}

	outputs := make([]Output, 0, len(b.planned))
	outGamma := crypto.ZeroScalar()
	for _, p := range b.planned {
		if totalOut > math.MaxUint64-p.amount {
			return nil, fmt.Errorf("output total: %w", ErrAmountOverflow)
		}
		totalOut += p.amount

		gamma, err := crypto.RandomScalar()
		if err != nil {
			return nil, err
		}
		out, err := NewPaymentOutput(p.recipientPubKey, p.amount, &gamma)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
		outGamma = crypto.ScalarAdd(&outGamma, &gamma)
	}

	if totalIn < totalOut {
		return nil, fmt.Errorf("%w: spending %d, paying out %d", ErrInsufficientInputs, totalIn, totalOut)
	}
	fee := totalIn - totalOut

	inGamma := crypto.ZeroScalar()
	inputHashes := make([]types.Hash, len(b.spent))
	for i, s := range b.spent {
		inputHashes[i] = s.hash
		inGamma = crypto.ScalarAdd(&inGamma, &s.gamma)
	}
	negOutGamma := crypto.ScalarNegate(&outGamma)
	txGamma := crypto.ScalarAdd(&inGamma, &negOutGamma)

	transaction := &PaymentTransaction{
		InputHashes: inputHashes,
		Outputs:     outputs,
		GammaValue:  txGamma,
		Fee:         fee,
		Signatures:  make([][]byte, len(b.spent)),
		PublicKeys:  make([][]byte, len(b.spent)),
	}

	hash := transaction.Hash()
	for i, s := range b.spent {
		sig, err := s.signer.Sign(hash[:])
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		transaction.Signatures[i] = sig
		transaction.PublicKeys[i] = s.signer.PublicKey()
	}

	return transaction, nil
}
