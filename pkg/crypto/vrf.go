package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// EvalVRF deterministically evaluates a verifiable-random-function-shaped
// output for a leader: a Schnorr signature over the seed, hashed down to a
// fixed-size random value. The signature makes the output both deterministic
// for a given (key, seed) pair and checkable by anyone holding the public key,
// without the signer having to reveal the private key.
func EvalVRF(pk *PrivateKey, seed types.Hash) (random types.Hash, proof []byte, err error) {
	sig, err := pk.Sign(seed[:])
	if err != nil {
		return types.Hash{}, nil, err
	}
	return Hash(sig), sig, nil
}

// VerifyVRF checks that proof is a valid Schnorr signature over seed for
// publicKey, and that random is its hash.
func VerifyVRF(seed, random types.Hash, proof, publicKey []byte) bool {
	if !VerifySignature(seed[:], proof, publicKey) {
		return false
	}
	return Hash(proof) == random
}

// MixSeed derives the per-view-change randomness seed from the last
// macro-block's VRF output and the current view change counter. The domain
// prefix keeps this hash from colliding with any other blake3 usage in the
// core (block hashing, merkle trees, address derivation).
func MixSeed(lastMacroRandom types.Hash, viewChange uint32) types.Hash {
	buf := make([]byte, 0, len("klingnet/vrf/mix")+32+4)
	buf = append(buf, []byte("klingnet/vrf/mix")...)
	buf = append(buf, lastMacroRandom[:]...)
	buf = binary.BigEndian.AppendUint32(buf, viewChange)
	return Hash(buf)
}
