package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/model"
)

func TestAnchorAcceptsNumericTypes(t *testing.T) {
	cases := []struct {
		name string
		val  any
		want int64
	}{
		{"int64", int64(42), 42},
		{"int", 42, 42},
		{"float64 from JSON decode", float64(42), 42},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := model.Envelope{model.AnchorKey: c.val}
			got, ok := model.Anchor(env)
			require.True(t, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestAnchorMissingOrWrongType(t *testing.T) {
	_, ok := model.Anchor(model.Envelope{"text": "hello"})
	assert.False(t, ok)

	_, ok = model.Anchor(model.Envelope{model.AnchorKey: "not-a-number"})
	assert.False(t, ok)
}

func TestBoxUnboxRoundTrip(t *testing.T) {
	rec := model.Record{"text": "hello", "score": 3}
	env := model.Box(rec, 7)

	idx, ok := model.Anchor(env)
	require.True(t, ok)
	assert.Equal(t, int64(7), idx)

	back := model.Unbox(env)
	assert.Equal(t, rec, back)
	_, hasAnchor := back[model.AnchorKey]
	assert.False(t, hasAnchor, "Unbox must strip the anchor field")
}

func TestChildIndexDerivation(t *testing.T) {
	assert.Equal(t, int64(30000), model.ChildIndex(3, 0))
	assert.Equal(t, int64(30005), model.ChildIndex(3, 5))
	assert.Equal(t, int64(0), model.ChildIndex(0, 0))
}

func TestChildIndexDoesNotCollideAcrossParents(t *testing.T) {
	seen := make(map[int64]bool)
	for parent := int64(0); parent < 5; parent++ {
		for child := 0; child < 10; child++ {
			idx := model.ChildIndex(parent, child)
			assert.False(t, seen[idx], "collision at parent=%d child=%d idx=%d", parent, child, idx)
			seen[idx] = true
		}
	}
}
