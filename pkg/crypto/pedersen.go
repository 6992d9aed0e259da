package crypto

import (
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Scalar is a secp256k1 scalar modulo the group order, used for blinding
// factors (gamma) and amounts in Pedersen commitments.
type Scalar = secp256k1.ModNScalar

// Point is a secp256k1 curve point in Jacobian form. It is the group element
// that Pedersen commitments and the monetary balance live in.
type Point struct {
	j secp256k1.JacobianPoint
}

// IdentityPoint returns the group identity (point at infinity).
func IdentityPoint() Point {
	var p Point
	p.j.Z.SetInt(0)
	return p
}

// IsIdentity reports whether p is the group identity.
func (p Point) IsIdentity() bool {
	p.j.ToAffine()
	return p.j.Z.IsZero() || (p.j.X.IsZero() && p.j.Y.IsZero())
}

// baseGenerator returns G, the standard secp256k1 base point.
func baseGenerator() Point {
	var one secp256k1.ModNScalar
	one.SetInt(1)
	var p Point
	secp256k1.ScalarBaseMultNonConst(&one, &p.j)
	return p
}

// G is the blinding-factor generator: the standard secp256k1 base point.
// The monetary balance invariant is stated in terms of it (gamma·G).
var G = baseGenerator()

// H is the amount generator. It is derived from a fixed domain string by a
// hash-and-increment search for a valid curve point, so nobody (including
// the implementers) knows its discrete log with respect to G — a
// nothing-up-my-sleeve construction that keeps the amount term unforgeable.
var H = computeH()

func computeH() Point {
	for counter := uint32(0); ; counter++ {
		buf := make([]byte, 0, len("klingnet/pedersen/H")+4)
		buf = append(buf, []byte("klingnet/pedersen/H")...)
		buf = binary.BigEndian.AppendUint32(buf, counter)
		digest := Hash(buf)
		candidate := make([]byte, 33)
		candidate[0] = 0x02
		copy(candidate[1:], digest[:])
		pub, err := secp256k1.ParsePubKey(candidate)
		if err != nil {
			continue
		}
		var p Point
		pub.AsJacobian(&p.j)
		return p
	}
}

// Add returns p + q.
func (p Point) Add(q Point) Point {
	var r Point
	secp256k1.AddNonConst(&p.j, &q.j, &r.j)
	return r
}

// Negate returns -p.
func (p Point) Negate() Point {
	r := p
	r.j.ToAffine()
	r.j.Y.Negate(1).Normalize()
	r.j.Z.SetInt(1)
	return r
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return p.Add(q.Negate())
}

// ScalarMult returns k*p.
func ScalarMult(k *Scalar, p Point) Point {
	var r Point
	secp256k1.ScalarMultNonConst(k, &p.j, &r.j)
	return r
}

// Equal reports whether p and q represent the same group element.
func (p Point) Equal(q Point) bool {
	a, b := p, q
	a.j.ToAffine()
	b.j.ToAffine()
	if a.IsIdentity() && b.IsIdentity() {
		return true
	}
	return a.j.X.Equals(&b.j.X) && a.j.Y.Equals(&b.j.Y)
}

// Bytes returns the compressed 33-byte encoding of p.
func (p Point) Bytes() []byte {
	p.j.ToAffine()
	if p.IsIdentity() {
		return make([]byte, 33)
	}
	pub := secp256k1.NewPublicKey(&p.j.X, &p.j.Y)
	return pub.SerializeCompressed()
}

// PointFromBytes parses a compressed 33-byte point. An all-zero input
// decodes to the identity, matching Bytes' encoding of it.
func PointFromBytes(b []byte) (Point, error) {
	if len(b) == 33 && allZero(b) {
		return IdentityPoint(), nil
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("parse point: %w", err)
	}
	var p Point
	pub.AsJacobian(&p.j)
	return p, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ScalarFromUint64 builds a scalar from a plain uint64 amount.
func ScalarFromUint64(v uint64) Scalar {
	var s Scalar
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[24:], v)
	s.SetBytes(&buf)
	return s
}

// PedersenCommit computes amount*H + gamma*G, hiding amount behind the
// blinding factor gamma while remaining additively homomorphic. Folding a
// block's commitments together cancels the G term whenever the integer
// amounts balance, leaving a pure multiple of G equal to the accumulated
// gamma — the form the monetary balance check relies on.
func PedersenCommit(amount uint64, gamma *Scalar) Point {
	av := ScalarFromUint64(amount)
	return ScalarMult(&av, H).Add(ScalarMult(gamma, G))
}

// FeeA maps a signed integer (typically a block reward) onto a curve point
// via the H basis, matching the amount term of PedersenCommit so it folds
// into the same monetary balance equation.
func FeeA(amount int64) Point {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := ScalarFromUint64(uint64(amount))
	p := ScalarMult(&s, H)
	if neg {
		return p.Negate()
	}
	return p
}

// ScalarAdd returns a+b.
func ScalarAdd(a, b *Scalar) Scalar {
	r := *a
	r.Add(b)
	return r
}

// ScalarNegate returns -a.
func ScalarNegate(a *Scalar) Scalar {
	r := *a
	r.Negate()
	return r
}

// ZeroScalar returns the additive identity scalar.
func ZeroScalar() Scalar {
	var s Scalar
	return s
}

// RandomScalar draws a uniformly random blinding factor, used whenever a
// transaction builder needs a fresh gamma for a new confidential output.
func RandomScalar() (Scalar, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Scalar{}, fmt.Errorf("random scalar: %w", err)
	}
	return key.Key, nil
}
