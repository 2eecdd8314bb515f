// Package local is the reference Signer implementation: a raw secp256k1
// private key held in memory, signing with BIP-340 Schnorr signatures.
// NIP-04/NIP-44 encryption are cipher suites the core spec explicitly treats
// as out-of-scope external primitives (see signer.Signer doc); Encrypt/
// Decrypt here report not_implemented rather than reimplementing them.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/nostr-dev-kit/ndk-go/nerrors"
	"github.com/nostr-dev-kit/ndk-go/signer"
)

// Signer holds a secp256k1 private key and signs with it.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// New builds a Signer from a 32-byte raw private key.
func New(rawPrivateKey []byte) (*Signer, error) {
	if len(rawPrivateKey) != 32 {
		return nil, nerrors.New(nerrors.Validation, nerrors.CodeInvalidPrivateKey).
			With("reason", "private key must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(rawPrivateKey)
	return &Signer{priv: priv, pubHex: hex.EncodeToString(schnorrXOnly(pub))}, nil
}

// NewFromHex builds a Signer from a hex-encoded 32-byte private key.
func NewFromHex(rawHex string) (*Signer, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidPrivateKey, err)
	}
	return New(raw)
}

func schnorrXOnly(pub *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(pub)
}

// PubKey returns the signer's lowercase-hex x-only public key.
func (s *Signer) PubKey(_ context.Context) (string, error) {
	return s.pubHex, nil
}

// Sign computes the BIP-340 Schnorr signature over idDigest, the 32-byte
// canonical id hash (the same bytes hex-encoded into Event.ID). It does not
// hash its input again: the caller (publish.Engine, via nevent.ComputeIDBytes) is
// responsible for producing the digest.
func (s *Signer) Sign(_ context.Context, idDigest []byte) (string, error) {
	if len(idDigest) != sha256.Size {
		return "", nerrors.New(nerrors.Validation, nerrors.CodeInvalidEventID).
			With("reason", "sign expects a 32-byte id digest")
	}
	sig, err := schnorr.Sign(s.priv, idDigest)
	if err != nil {
		return "", nerrors.Wrap(nerrors.Crypto, nerrors.CodeSigningFailed, err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a hex-encoded Schnorr signature over digest against a
// hex-encoded x-only public key. Exposed standalone since C1's id-signature
// round trip property is testable without a Signer instance.
func Verify(pubKeyHex string, digest [32]byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidPublicKey, err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidPublicKey, err)
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidSignature, err)
	}
	return sig.Verify(digest[:], pub), nil
}

// Encrypt is intentionally not implemented: NIP-04/NIP-44 cipher suites are
// out of the core's scope (external collaborator), so the reference signer
// only supports the sign/pubkey surface the core actually calls.
func (s *Signer) Encrypt(_ context.Context, _ string, _ string, _ signer.Scheme) (string, error) {
	return "", nerrors.New(nerrors.Runtime, nerrors.CodeNotImplemented).With("reason", "nip04/nip44 out of core scope")
}

// Decrypt mirrors Encrypt's scope decision.
func (s *Signer) Decrypt(_ context.Context, _ string, _ string, _ signer.Scheme) (string, error) {
	return "", nerrors.New(nerrors.Runtime, nerrors.CodeNotImplemented).With("reason", "nip04/nip44 out of core scope")
}
