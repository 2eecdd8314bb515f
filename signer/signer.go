// Package signer defines the Signer interface consumed by the publish engine
// and reference local-key implementation. Remote signers (e.g. NIP-46
// bunkers) implement the same interface out of core scope.
package signer

import "context"

// Scheme selects an encryption cipher suite for encrypt/decrypt.
type Scheme int

const (
	NIP04 Scheme = iota
	NIP44
)

// Signer is the interface the core consumes for identity and cryptography.
// Implementations must be safe for concurrent use.
type Signer interface {
	PubKey(ctx context.Context) (string, error)
	// Sign signs idDigest, the 32-byte canonical id hash (nevent.ComputeIDBytes),
	// and returns a hex-encoded signature.
	Sign(ctx context.Context, idDigest []byte) (string, error)
	Encrypt(ctx context.Context, peerPubKey string, plaintext string, scheme Scheme) (string, error)
	Decrypt(ctx context.Context, peerPubKey string, ciphertext string, scheme Scheme) (string, error)
}
