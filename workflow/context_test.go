package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBareContext(events []Event) *Context {
	p := &pass{
		instance: &Instance{ID: "wf-test"},
		cursor:   NewCursor(events),
		now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	return newRootContext(context.Background(), p)
}

func TestLoop_LiveRecordsItersAndBreak(t *testing.T) {
	c := newBareContext(nil)

	runs := 0
	err := Loop(c, func(iter *Context, n int) (LoopOutcome, error) {
		runs++
		if n == 2 {
			return Break, nil
		}
		return Continue, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, runs)

	recorded := c.p.recorded
	require.Len(t, recorded, 3)
	require.Equal(t, Location{0, 0}, recorded[0].Location)
	require.Equal(t, KindLoopIter, recorded[0].Kind)
	require.Equal(t, KindLoopIter, recorded[1].Kind)
	require.Equal(t, Location{0, 2}, recorded[2].Location)
	require.Equal(t, KindLoopBreak, recorded[2].Kind)
}

func TestLoop_ReplayReentersRecordedIterationsWithoutRerecording(t *testing.T) {
	history := []Event{
		{Location: Location{0, 0}, Kind: KindLoopIter},
		{Location: Location{0, 1}, Kind: KindLoopIter},
		{Location: Location{0, 2}, Kind: KindLoopBreak},
	}
	c := newBareContext(history)

	var seen []int
	err := Loop(c, func(iter *Context, n int) (LoopOutcome, error) {
		seen = append(seen, n)
		if n == 2 {
			return Break, nil
		}
		return Continue, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, seen, "the recorded break iteration is not re-entered")
	require.Empty(t, c.p.recorded, "pure replay must not record new events")
}

func TestLoop_DivergentKindFailsReplay(t *testing.T) {
	history := []Event{
		{Location: Location{0, 0}, Kind: KindSleepStart},
	}
	c := newBareContext(history)

	err := Loop(c, func(iter *Context, n int) (LoopOutcome, error) {
		return Break, nil
	})
	require.Error(t, err)
	require.ErrorIs(t, err, HistoryDivergence)
}

func TestState_RoundTripWithinOnePass(t *testing.T) {
	c := newBareContext(nil)

	_, ok := State[int](c, "counter")
	require.False(t, ok)

	SetState(c, "counter", 7)
	got, ok := State[int](c, "counter")
	require.True(t, ok)
	require.Equal(t, 7, got)

	_, ok = State[string](c, "counter")
	require.False(t, ok, "a type mismatch reads as absent, not a panic")
}

func TestVersion_RecordsCurrentOnFirstReachAndPinsOnReplay(t *testing.T) {
	live := newBareContext(nil)
	v, err := Version(live, 3)
	require.NoError(t, err)
	require.Equal(t, 3, v)
	require.Len(t, live.p.recorded, 1)
	require.Equal(t, KindBranch, live.p.recorded[0].Kind)

	replay := newBareContext([]Event{
		{Location: Location{0}, Kind: KindBranch, Body: []byte("2")},
	})
	v, err = Version(replay, 3)
	require.NoError(t, err)
	require.Equal(t, 2, v, "replay steers down the recorded version, not the current one")
}
