package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleID = "6f1c1a52-2a3e-4f0e-9d38-0c4c2f7b9a11"

func TestParseActionNameRoundTrip(t *testing.T) {
	for _, kind := range []ActionKind{KindEvent, KindEventFollow, KindImmediate, KindManual} {
		name := FormatActionName(kind, sampleID)
		parsed, ok := ParseActionName(name)
		require.True(t, ok, name)
		assert.Equal(t, kind, parsed.Kind)
		assert.Equal(t, sampleID, parsed.ID)
		assert.Equal(t, name, parsed.String())
	}
}

func TestParseActionNameRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"no separator":     "e" + sampleID,
		"unknown kind":     "x/" + sampleID,
		"short id":         "e/6f1c1a52",
		"not a uuid":       "e/zzzzzzzz-2a3e-4f0e-9d38-0c4c2f7b9a11",
		"braced uuid":      "e/{6f1c1a52-2a3e-4f0e-9d38-0c4c2f7b9a11}",
		"immediate follow": ImmediateFollowActionName(sampleID),
		"trailing segment": "ef/" + sampleID + "/extra",
		"uppercase kind":   "E/" + sampleID,
	}
	for label, name := range cases {
		name := name
		t.Run(label, func(t *testing.T) {
			_, ok := ParseActionName(name)
			assert.False(t, ok)
		})
	}
}

func TestKindSpecificParsers(t *testing.T) {
	id, ok := ParseEventActionName(EventActionName(sampleID))
	require.True(t, ok)
	assert.Equal(t, sampleID, id)

	_, ok = ParseEventActionName(EventFollowActionName(sampleID))
	assert.False(t, ok, "event-follow names are not event names")

	id, ok = ParseEventFollowActionName(EventFollowActionName(sampleID))
	require.True(t, ok)
	assert.Equal(t, sampleID, id)

	id, ok = ParseImmediateActionName(ImmediateActionName(sampleID))
	require.True(t, ok)
	assert.Equal(t, sampleID, id)

	id, ok = ParseManualActionName(ManualActionName(sampleID))
	require.True(t, ok)
	assert.Equal(t, sampleID, id)

	_, ok = ParseManualActionName(ImmediateActionName(sampleID))
	assert.False(t, ok)
}
