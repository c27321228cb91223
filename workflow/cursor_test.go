package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor_LookupMarksVisited(t *testing.T) {
	events := []Event{
		{Location: Location{0}, Kind: KindActivityOutput},
		{Location: Location{1}, Kind: KindSignalReceived},
	}
	c := NewCursor(events)
	require.Equal(t, 2, c.Len())

	require.Len(t, c.Unvisited(), 2, "nothing looked up yet")

	_, ok := c.Lookup(Location{0})
	require.True(t, ok)
	require.Len(t, c.Unvisited(), 1)

	_, ok = c.Lookup(Location{1})
	require.True(t, ok)
	require.Empty(t, c.Unvisited())
}

func TestCursor_UnvisitedDetectsLocationTotalityViolation(t *testing.T) {
	// Simulates a workflow body that recorded two primitive calls but,
	// on replay, only visits the first of them before diverging onto a
	// different path through its primitives.
	events := []Event{
		{Location: Location{0}, Kind: KindActivityOutput},
		{Location: Location{1}, Kind: KindSleepComplete},
	}
	c := NewCursor(events)
	c.Lookup(Location{0})

	unvisited := c.Unvisited()
	require.Len(t, unvisited, 1)
	require.Equal(t, Location{1}, unvisited[0])
}

func TestExpectKind_ReturnsHistoryDivergenceOnMismatch(t *testing.T) {
	err := expectKind(Location{2}, KindSleepStart, KindSignalReceived)
	require.Error(t, err)
	ee, ok := err.(*EngineError)
	require.True(t, ok)
	require.Equal(t, ErrorKindHistoryDivergence, ee.Kind)
}

func TestExpectKind_NoErrorWhenKindMatches(t *testing.T) {
	err := expectKind(Location{2}, KindSignalReceived, KindSignalReceived, KindSleepStart)
	require.NoError(t, err)
}
