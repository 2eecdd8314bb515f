package publish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter"
	"github.com/nostr-dev-kit/ndk-go/cacheadapter/memory"
	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/nostr-dev-kit/ndk-go/outbox"
	"github.com/nostr-dev-kit/ndk-go/retry"
	"github.com/nostr-dev-kit/ndk-go/signer/local"
	"github.com/nostr-dev-kit/ndk-go/wire"
)

func randomSigner(t *testing.T) *local.Signer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := local.New(key)
	require.NoError(t, err)
	return s
}

// scriptedConn decodes the EVENT frame it is sent and answers via responder,
// simulating one relay's OK behavior without a real socket.
type scriptedConn struct {
	engine    *Engine
	relayURL  string
	responder func(evt *nevent.Event) *wire.OKMessage
	delay     time.Duration
}

func (c *scriptedConn) Send(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	var evt nevent.Event
	if err := json.Unmarshal(arr[1], &evt); err != nil {
		return err
	}
	go func() {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		if ok := c.responder(&evt); ok != nil {
			c.engine.NotifyOK(c.relayURL, ok)
		}
	}()
	return nil
}

type fakeConnProvider struct {
	conns map[string]ConnectionSender
}

func (f *fakeConnProvider) Connection(_ context.Context, relayURL string) (ConnectionSender, error) {
	return f.conns[relayURL], nil
}

func buildSelector(author string, writeRelays []string) *outbox.Selector {
	tr := outbox.NewTracker(nil)
	tr.Track(author, nil, writeRelays, outbox.SourceNip65)
	return outbox.NewSelector(tr, outbox.NewRanker(tr, outbox.DefaultRankWeights()))
}

func TestPublishSucceedsOnAcceptedOK(t *testing.T) {
	t.Parallel()
	s := randomSigner(t)
	pub, err := s.PubKey(context.Background())
	require.NoError(t, err)
	sel := buildSelector(pub, []string{"wss://relay1/"})
	adapter := memory.New()

	engine := NewEngine(s, sel, adapter, nil, DefaultConfig())
	conn := &scriptedConn{engine: engine, relayURL: "wss://relay1/", responder: func(evt *nevent.Event) *wire.OKMessage {
		return &wire.OKMessage{EventID: evt.ID, Accepted: true}
	}}
	engine.conns = &fakeConnProvider{conns: map[string]ConnectionSender{"wss://relay1/": conn}}

	evt := &nevent.Event{Kind: 1, Content: "hello", CreatedAt: time.Now().Unix()}
	res, err := engine.Publish(context.Background(), evt, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, cacheadapter.StatusSucceeded, res.Statuses["wss://relay1/"].Status)

	unpub, err := adapter.ListUnpublished(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unpub, "a fully-succeeded publish must not appear in list_unpublished")
}

func TestPublishPersistsUnpublishedOnAuthRequired(t *testing.T) {
	t.Parallel()
	s := randomSigner(t)
	pub, _ := s.PubKey(context.Background())
	sel := buildSelector(pub, []string{"wss://relay1/"})
	adapter := memory.New()

	engine := NewEngine(s, sel, adapter, nil, DefaultConfig())
	conn := &scriptedConn{engine: engine, relayURL: "wss://relay1/", responder: func(evt *nevent.Event) *wire.OKMessage {
		return &wire.OKMessage{EventID: evt.ID, Accepted: false, Message: "auth-required: please authenticate", Prefix: wire.PrefixAuthRequired}
	}}
	engine.conns = &fakeConnProvider{conns: map[string]ConnectionSender{"wss://relay1/": conn}}

	evt := &nevent.Event{Kind: 1, Content: "hello", CreatedAt: time.Now().Unix()}
	res, err := engine.Publish(context.Background(), evt, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)

	unpub, err := adapter.ListUnpublished(context.Background())
	require.NoError(t, err)
	require.Len(t, unpub, 1)
	assert.Equal(t, evt.ID, unpub[0].Event.ID)
}

func TestPublishEscalatesPoWAndResubmits(t *testing.T) {
	t.Parallel()
	s := randomSigner(t)
	pub, _ := s.PubKey(context.Background())
	sel := buildSelector(pub, []string{"wss://relay1/"})
	adapter := memory.New()

	const requiredDifficulty = 4 // small enough for a fast unit test

	cfg := DefaultConfig()
	cfg.MaxPoWDifficulty = 16
	engine := NewEngine(s, sel, adapter, nil, cfg)

	conn := &scriptedConn{engine: engine, relayURL: "wss://relay1/", responder: func(evt *nevent.Event) *wire.OKMessage {
		idBytes, err := hex.DecodeString(evt.ID)
		if err != nil {
			return &wire.OKMessage{EventID: evt.ID, Accepted: false, Message: "error: bad id"}
		}
		if leadingZeroBits(idBytes) >= requiredDifficulty {
			return &wire.OKMessage{EventID: evt.ID, Accepted: true}
		}
		return &wire.OKMessage{EventID: evt.ID, Accepted: false, Message: "pow: difficulty 4 required", Prefix: wire.PrefixPow}
	}}
	engine.conns = &fakeConnProvider{conns: map[string]ConnectionSender{"wss://relay1/": conn}}

	evt := &nevent.Event{Kind: 1, Content: "mine me", CreatedAt: time.Now().Unix()}
	res, err := engine.Publish(context.Background(), evt, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, cacheadapter.StatusSucceeded, res.Statuses["wss://relay1/"].Status)
	assert.Equal(t, requiredDifficulty, res.PoWDifficulty, "mined difficulty must be reported even on eventual success")

	idBytes, err := hex.DecodeString(evt.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, leadingZeroBits(idBytes), requiredDifficulty)
}

func TestPublishRetriesOnRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()
	s := randomSigner(t)
	pub, _ := s.PubKey(context.Background())
	sel := buildSelector(pub, []string{"wss://relay1/"})
	adapter := memory.New()

	cfg := DefaultConfig()
	cfg.RetryParams = retry.Params{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	engine := NewEngine(s, sel, adapter, nil, cfg)

	attempts := 0
	conn := &scriptedConn{engine: engine, relayURL: "wss://relay1/", responder: func(evt *nevent.Event) *wire.OKMessage {
		attempts++
		if attempts < 2 {
			return &wire.OKMessage{EventID: evt.ID, Accepted: false, Message: "rate-limited: slow down", Prefix: wire.PrefixRateLimited}
		}
		return &wire.OKMessage{EventID: evt.ID, Accepted: true}
	}}
	engine.conns = &fakeConnProvider{conns: map[string]ConnectionSender{"wss://relay1/": conn}}

	evt := &nevent.Event{Kind: 1, Content: "retry me", CreatedAt: time.Now().Unix()}
	res, err := engine.Publish(context.Background(), evt, PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestPublishHonorsTargetOverride(t *testing.T) {
	t.Parallel()
	s := randomSigner(t)
	pub, _ := s.PubKey(context.Background())
	sel := buildSelector(pub, []string{"wss://relay1/"})
	adapter := memory.New()

	engine := NewEngine(s, sel, adapter, nil, DefaultConfig())
	conn := &scriptedConn{engine: engine, relayURL: "wss://override/", responder: func(evt *nevent.Event) *wire.OKMessage {
		return &wire.OKMessage{EventID: evt.ID, Accepted: true}
	}}
	engine.conns = &fakeConnProvider{conns: map[string]ConnectionSender{"wss://override/": conn}}

	evt := &nevent.Event{Kind: 1, Content: "override", CreatedAt: time.Now().Unix()}
	res, err := engine.Publish(context.Background(), evt, PublishOptions{TargetOverride: []string{"wss://override/"}})
	require.NoError(t, err)
	assert.Contains(t, res.Statuses, "wss://override/")
	assert.NotContains(t, res.Statuses, "wss://relay1/")
}
