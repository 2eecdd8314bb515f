package local

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := New(randomKey(t))
	require.NoError(t, err)

	pub, err := s.PubKey(context.Background())
	require.NoError(t, err)

	evt := &nevent.Event{PubKey: pub, CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	digest, err := evt.ComputeIDBytes()
	require.NoError(t, err)

	sig, err := s.Sign(context.Background(), digest[:])
	require.NoError(t, err)

	ok, err := Verify(pub, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutatingEventChangesDigestAndInvalidatesSignature(t *testing.T) {
	t.Parallel()
	s, err := New(randomKey(t))
	require.NoError(t, err)
	pub, _ := s.PubKey(context.Background())

	evt := &nevent.Event{PubKey: pub, CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	digest, err := evt.ComputeIDBytes()
	require.NoError(t, err)
	sig, err := s.Sign(context.Background(), digest[:])
	require.NoError(t, err)

	mutated := *evt
	mutated.Content = "hellp"
	mutatedDigest, err := mutated.ComputeIDBytes()
	require.NoError(t, err)
	assert.NotEqual(t, digest, mutatedDigest)

	ok, err := Verify(pub, mutatedDigest, sig)
	require.NoError(t, err)
	assert.False(t, ok, "a signature computed over the original digest must not verify against a mutated digest")
}

func TestSignRejectsWrongDigestLength(t *testing.T) {
	t.Parallel()
	s, err := New(randomKey(t))
	require.NoError(t, err)
	_, err = s.Sign(context.Background(), []byte("too short"))
	assert.Error(t, err)
}
