package wire

import (
	"testing"

	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReqCarriesTypeAndSubID(t *testing.T) {
	t.Parallel()
	limit := 5
	raw, err := EncodeReq(ReqMessage{SubID: "sub1", Filters: []nevent.Filter{{Kinds: []int{1}, Limit: &limit}}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"REQ"`)
	assert.Contains(t, string(raw), `"sub1"`)
}

func TestDecodeEventTolerantOfMissingSubID(t *testing.T) {
	t.Parallel()
	withSub := []byte(`["EVENT","sub1",{"id":"a","pubkey":"b","created_at":1,"kind":1,"tags":[],"content":"","sig":""}]`)
	withoutSub := []byte(`["EVENT",{"id":"a","pubkey":"b","created_at":1,"kind":1,"tags":[],"content":"","sig":""}]`)

	m1, err := Decode(withSub)
	require.NoError(t, err)
	assert.Equal(t, "sub1", m1.Event.SubID)

	m2, err := Decode(withoutSub)
	require.NoError(t, err)
	assert.Equal(t, "", m2.Event.SubID)
	assert.Equal(t, "a", m2.Event.Event.ID)
}

func TestDecodeEoseOkNoticeAuthCount(t *testing.T) {
	t.Parallel()

	eose, err := Decode([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	assert.Equal(t, "sub1", eose.Eose.SubID)

	ok, err := Decode([]byte(`["OK","eid",false,"pow: 8 bits required"]`))
	require.NoError(t, err)
	assert.False(t, ok.OK.Accepted)
	assert.Equal(t, PrefixPow, ok.OK.Prefix)

	notice, err := Decode([]byte(`["NOTICE","hello"]`))
	require.NoError(t, err)
	assert.Equal(t, "hello", notice.Notice.Message)

	auth, err := Decode([]byte(`["AUTH","challenge-str"]`))
	require.NoError(t, err)
	assert.Equal(t, "challenge-str", auth.Auth.Challenge)

	count, err := Decode([]byte(`["COUNT","sub1",{"count":42}]`))
	require.NoError(t, err)
	assert.Equal(t, 42, count.Count.Count)
}

func TestDecodeNeverPanicsOnAdversarialInput(t *testing.T) {
	t.Parallel()
	inputs := []string{
		``,
		`null`,
		`{}`,
		`[]`,
		`[123]`,
		`["EVENT"]`,
		`["EVENT", 1, 2, 3, 4]`,
		`["EOSE"]`,
		`["OK","x"]`,
		`["COUNT","x"]`,
		`["COUNT","x",{}]`,
		`["UNKNOWN","x"]`,
		`[[[[[[[[[[`,
		`"not an array"`,
		`{"0":"EVENT"}`,
	}
	for _, in := range inputs {
		in := in
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			assert.NotPanics(t, func() {
				_, _ = Decode([]byte(in))
			})
		})
	}
}

func TestFilterMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()
	since := int64(100)
	f := nevent.Filter{
		Kinds:   []int{1, 2},
		Authors: []string{"aa"},
		Since:   &since,
		Tags:    map[string][]string{"p": {"bb", "cc"}},
	}
	raw, err := MarshalFilter(f)
	require.NoError(t, err)
	back, err := UnmarshalFilter(raw)
	require.NoError(t, err)
	assert.ElementsMatch(t, f.Kinds, back.Kinds)
	assert.ElementsMatch(t, f.Authors, back.Authors)
	assert.Equal(t, *f.Since, *back.Since)
	assert.ElementsMatch(t, f.Tags["p"], back.Tags["p"])
}
