package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sharedSecret computes priv*pubKey as a compressed point, the
// Diffie-Hellman input to the payload sealing key.
func sharedSecret(priv *PrivateKey, pubKey []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	var p Point
	pub.AsJacobian(&p.j)
	shared := ScalarMult(&priv.key.Key, p)
	return shared.Bytes(), nil
}

func sealKey(shared []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("klingnet/payload/seal"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// SealPayload encrypts plaintext for recipientPubKey (a 33-byte compressed
// secp256k1 point) using an ephemeral Diffie-Hellman exchange. It returns the
// ephemeral public key the recipient needs to recompute the shared secret and
// the sealed payload (nonce || ciphertext). Used to hide a PaymentOutput's
// amount and blinding factor from everyone but its recipient.
func SealPayload(recipientPubKey, plaintext []byte) (ephemeralPubKey, sealed []byte, err error) {
	ephemeral, err := GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := sharedSecret(ephemeral, recipientPubKey)
	if err != nil {
		return nil, nil, err
	}
	key, err := sealKey(shared)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed = aead.Seal(nonce, nonce, plaintext, nil)
	return ephemeral.PublicKey(), sealed, nil
}

// OpenPayload reverses SealPayload given the recipient's own private key and
// the sender's ephemeral public key. Returns an error (not a panic) when the
// payload was sealed for someone else, since a ledger scan tries every
// account key against every output it encounters.
func OpenPayload(recipient *PrivateKey, ephemeralPubKey, sealed []byte) ([]byte, error) {
	shared, err := sharedSecret(recipient, ephemeralPubKey)
	if err != nil {
		return nil, err
	}
	key, err := sealKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}
