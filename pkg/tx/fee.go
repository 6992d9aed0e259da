package tx

import "github.com/Klingon-tech/klingnet-chain/pkg/crypto"

// SumCommitments folds a list of outputs' Pedersen commitments into a single
// point, the building block for checking a transaction's contribution to the
// monetary balance equation.
func SumCommitments(outputs []Output) crypto.Point {
	sum := crypto.IdentityPoint()
	for _, out := range outputs {
		sum = sum.Add(out.PedersenCommitment())
	}
	return sum
}

// EstimateTxFee returns a rough minimum fee for a PaymentTransaction with the
// given number of inputs and outputs at the given fee rate (base units per
// byte), based on the fixed-size portion of SigningBytes. Confidential
// outputs dominate the size; extraOutputBytes lets the caller add a
// per-output allowance for payload variance.
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64, extraOutputBytes ...int) uint64 {
	const overhead = 1 + 4 + 32 + 8 // kind + inputCount + gamma + fee
	const perInput = 32             // output hash
	const perOutput = 32            // output hash folded into the signing bytes

	extra := 0
	if len(extraOutputBytes) > 0 {
		extra = extraOutputBytes[0]
	}

	size := overhead + perInput*numInputs + (perOutput+extra)*numOutputs
	return uint64(size) * feeRate
}
