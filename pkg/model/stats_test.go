package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsAdd(t *testing.T) {
	s := &Stats{InputTokens: Int64(10), Cost: Float64(0.5)}
	s.Add(&Stats{InputTokens: Int64(5), OutputTokens: Int64(7)})

	require.Equal(t, int64(15), *s.InputTokens)
	require.Equal(t, int64(7), *s.OutputTokens)
	require.Equal(t, 0.5, *s.Cost)
	// never sourced on either side
	require.Nil(t, s.TotalTokens)
	require.Nil(t, s.Errors)
}

func TestStatsAddNilKeepsAbsence(t *testing.T) {
	s := &Stats{Duration: Int64(100)}
	s.Add(nil)

	require.Equal(t, int64(100), *s.Duration)
	require.Nil(t, s.InputTokens)
}

func TestStatsAddZeroIsPresent(t *testing.T) {
	// an explicit zero is a real observation, not absence
	s := &Stats{}
	s.Add(&Stats{Errors: Int64(0)})

	require.NotNil(t, s.Errors)
	require.Equal(t, int64(0), *s.Errors)
}

func TestStatsClone(t *testing.T) {
	orig := &Stats{InputTokens: Int64(3), Cost: Float64(1.25)}
	c := orig.Clone()

	require.True(t, c.Equal(orig))

	*c.InputTokens = 99
	require.Equal(t, int64(3), *orig.InputTokens)

	require.NotNil(t, (*Stats)(nil).Clone())
}

func TestStatsEqual(t *testing.T) {
	require.True(t, (&Stats{InputTokens: Int64(1)}).Equal(&Stats{InputTokens: Int64(1)}))
	require.False(t, (&Stats{InputTokens: Int64(1)}).Equal(&Stats{InputTokens: Int64(2)}))
	// nil vs explicit zero is a difference
	require.False(t, (&Stats{}).Equal(&Stats{Errors: Int64(0)}))
	require.True(t, (*Stats)(nil).Equal(nil))
	require.False(t, (&Stats{}).Equal(nil))
}

func TestStatsNumericFields(t *testing.T) {
	s := &Stats{InputTokens: Int64(10), Cost: Float64(0.25), Duration: Int64(200)}

	require.Equal(t, map[string]float64{
		"inputTokens": 10,
		"cost":        0.25,
		"duration":    200,
	}, s.NumericFields())

	require.Nil(t, (*Stats)(nil).NumericFields())
}
