package element

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowedElement_Explode(t *testing.T) {
	t.Run("case-1", func(t *testing.T) {
		e := Of("k", 1, 10)
		exploded := e.Explode()
		assert.Len(t, exploded, 1)
		assert.Equal(t, GlobalWindow{}, exploded[0].Window())
	})
	t.Run("case-2", func(t *testing.T) {
		e := Of("k", 1, 10, IntervalWindow{0, 10}, IntervalWindow{5, 15})
		exploded := e.Explode()
		assert.Len(t, exploded, 2)
		assert.Equal(t, IntervalWindow{0, 10}, exploded[0].Window())
		assert.Equal(t, IntervalWindow{5, 15}, exploded[1].Window())
		assert.Len(t, e.Windows, 2)
	})
}

func TestWindowedElement_WithValue(t *testing.T) {
	e := Of("k", 1, 10, IntervalWindow{0, 10})
	derived := e.WithValue("v")
	derived.Windows[0] = GlobalWindow{}
	assert.Equal(t, IntervalWindow{0, 10}, e.Windows[0])
	assert.Equal(t, 1, e.Value)
}

func TestParseWindow(t *testing.T) {
	for _, w := range []Window{GlobalWindow{}, IntervalWindow{-5, 10}} {
		parsed, err := ParseWindow(w.String())
		require.NoError(t, err)
		assert.Equal(t, w, parsed)
	}
	_, err := ParseWindow("[1;2)")
	assert.Error(t, err)
}

func TestTime(t *testing.T) {
	assert.True(t, MaxTimestamp.IsTerminal())
	assert.False(t, EndOfGlobalWindow.IsTerminal())
	assert.Equal(t, "+inf", MaxTimestamp.String())
	assert.Equal(t, "-inf", MinTimestamp.String())
	assert.Equal(t, Time(3), Min(3, 4))
	assert.Equal(t, Time(4), Max(3, 4))
	assert.Equal(t, GlobalWindow{}.MaxTimestamp(), EndOfGlobalWindow)
}

func TestMarshalElement(t *testing.T) {
	e := Of("key", "value", -42, IntervalWindow{0, 100}, GlobalWindow{})
	e.Pane = Pane{Index: 3, IsLast: true, Timing: PaneLate}
	b, err := MarshalElement(e, GobCoder{})
	require.NoError(t, err)
	decoded, err := UnmarshalElement(b, GobCoder{})
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}
