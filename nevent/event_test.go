package nevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIDDeterministic(t *testing.T) {
	t.Parallel()
	e1 := &Event{PubKey: "aa", CreatedAt: 1700000000, Kind: 1, Tags: Tags{{"p", "bb"}}, Content: "hello"}
	e2 := &Event{PubKey: "aa", CreatedAt: 1700000000, Kind: 1, Tags: Tags{{"p", "bb"}}, Content: "hello"}

	id1, err := e1.ComputeID()
	require.NoError(t, err)
	id2, err := e2.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestComputeIDChangesOnMutation(t *testing.T) {
	t.Parallel()
	base := &Event{PubKey: "aa", CreatedAt: 1700000000, Kind: 1, Content: "hello"}
	baseID, err := base.ComputeID()
	require.NoError(t, err)

	mutated := *base
	mutated.Content = "hellp"
	mutatedID, err := mutated.ComputeID()
	require.NoError(t, err)

	assert.NotEqual(t, baseID, mutatedID)
}

func TestSerializeHasNoEscapedSlashesOrWhitespace(t *testing.T) {
	t.Parallel()
	e := &Event{PubKey: "aa", Content: "a/b"}
	raw, err := e.Serialize()
	require.NoError(t, err)
	s := string(raw)
	assert.NotContains(t, s, `\/`)
	assert.NotContains(t, s, "\n")
	assert.Contains(t, s, "a/b")
}

func TestFinalizeAssignsID(t *testing.T) {
	t.Parallel()
	e := &Event{PubKey: "aa", Content: "x"}
	require.NoError(t, e.Finalize())
	assert.NotEmpty(t, e.ID)
}
