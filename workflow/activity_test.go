package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunActivity_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	meta := ActivityMeta{
		Name: "noop",
		Fn: func(actx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return input, nil
		},
		MaxRetries: 3,
		Timeout:    time.Second,
	}
	actx := &ActivityContext{}
	out, events, err := runActivity(context.Background(), meta, actx, json.RawMessage(`"hi"`))
	require.NoError(t, err)
	require.Equal(t, `"hi"`, string(out))
	require.Empty(t, events)
	require.Equal(t, 1, calls)
}

func TestRunActivity_RetriesTransientFailureWithBackoff(t *testing.T) {
	calls := 0
	meta := ActivityMeta{
		Name: "flaky",
		Fn: func(actx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient boom")
			}
			return json.RawMessage(`"ok"`), nil
		},
		MaxRetries: 5,
		Timeout:    time.Second,
	}
	actx := &ActivityContext{}
	out, events, err := runActivity(context.Background(), meta, actx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(out))
	require.Equal(t, 3, calls)
	require.Len(t, events, 2, "two failed attempts before the success")
	for _, ev := range events {
		require.Equal(t, KindActivityError, ev.Kind)
	}
}

func TestRunActivity_NonRetriableStopsImmediately(t *testing.T) {
	calls := 0
	meta := ActivityMeta{
		Name: "fatal",
		Fn: func(actx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, &NonRetriable{Err: errors.New("bad input")}
		},
		MaxRetries: 5,
		Timeout:    time.Second,
	}
	actx := &ActivityContext{}
	_, events, err := runActivity(context.Background(), meta, actx, json.RawMessage(`{}`))
	require.Error(t, err)
	require.Equal(t, 1, calls, "a NonRetriable error must not be retried")
	require.Len(t, events, 1)
}

func TestRunActivity_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	meta := ActivityMeta{
		Name: "alwaysFails",
		Fn: func(actx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, errors.New("nope")
		},
		MaxRetries: 3,
		Timeout:    time.Second,
	}
	actx := &ActivityContext{}
	_, events, err := runActivity(context.Background(), meta, actx, json.RawMessage(`{}`))
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, events, 3)
	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	require.Equal(t, ErrorKindPermanent, ee.Kind)
}

func TestHashInput_StableAcrossCalls(t *testing.T) {
	input := json.RawMessage(`{"a":1}`)
	require.Equal(t, hashInput(input), hashInput(input))
	require.NotEqual(t, hashInput(input), hashInput(json.RawMessage(`{"a":2}`)))
}

func TestNewActivityStartBody_CarriesHashAndInput(t *testing.T) {
	input := json.RawMessage(`{"a":1}`)
	body := newActivityStartBody(input)

	var decoded activityStartBody
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, hashInput(input), decoded.Hash)
	require.JSONEq(t, string(input), string(decoded.Input))
}
