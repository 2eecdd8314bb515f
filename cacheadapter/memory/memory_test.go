package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter"
	"github.com/nostr-dev-kit/ndk-go/nevent"
)

func TestSaveAndQuery(t *testing.T) {
	t.Parallel()
	a := New()
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, &nevent.Event{ID: "e1", Kind: 1, PubKey: "aa"}))
	require.NoError(t, a.Save(ctx, &nevent.Event{ID: "e2", Kind: 2, PubKey: "bb"}))

	found, err := a.Query(ctx, nevent.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "e1", found[0].ID)
}

func TestUnpublishedLifecycle(t *testing.T) {
	t.Parallel()
	a := New()
	ctx := context.Background()
	evt := &nevent.Event{ID: "e1"}
	require.NoError(t, a.StoreUnpublished(ctx, evt, []string{"wss://r1", "wss://r2"}))

	list, err := a.ListUnpublished(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Statuses, 2)

	require.NoError(t, a.UpdateUnpublishedStatus(ctx, "e1", "wss://r1", cacheadapter.RelayStatus{Status: cacheadapter.StatusSucceeded}))
	list, _ = a.ListUnpublished(ctx)
	assert.Equal(t, cacheadapter.StatusSucceeded, list[0].Statuses[0].Status)
	assert.Equal(t, 1, list[0].Attempts)

	require.NoError(t, a.MarkPublished(ctx, "e1"))
	list, _ = a.ListUnpublished(ctx)
	assert.Empty(t, list)
}

func TestUpdateUnknownEventFails(t *testing.T) {
	t.Parallel()
	a := New()
	err := a.UpdateUnpublishedStatus(context.Background(), "missing", "wss://r1", cacheadapter.RelayStatus{})
	assert.Error(t, err)
}
