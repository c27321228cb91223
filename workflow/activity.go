package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/sirupsen/logrus"
)

// ActivityContext is the per-call context an activity body observes. It
// exposes the store, cache, and logging handles but never the history
// log, so activities cannot peek at workflow state directly.
type ActivityContext struct {
	Ctx        context.Context
	WorkflowID string
	Store      *kv.Store
	Cache      Cache
	Logger     *logrus.Entry
	Attempt    int
}

// hashInput returns a stable hex digest of an activity's input, recorded
// alongside ActivityStart so an operator can tell two attempts used the
// same input without storing it twice.
func hashInput(input json.RawMessage) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// activityStartBody is the ActivityStart event's recorded body: the
// input plus its hash, so an operator inspecting history can confirm a
// re-executed activity saw the same input without re-hashing the
// stored bytes themselves.
type activityStartBody struct {
	Hash  string          `json:"hash"`
	Input json.RawMessage `json:"input"`
}

func newActivityStartBody(input json.RawMessage) json.RawMessage {
	body, _ := json.Marshal(activityStartBody{Hash: hashInput(input), Input: input})
	return body
}

// runActivity executes meta.Fn with the registered timeout and retry
// policy, classifying failures: a context deadline is a
// transient failure retried with exponential backoff
// (min(base*2^attempt, cap)); an error tagged NonRetriable short-circuits
// to a terminal failure immediately. Retries run synchronously within
// this one live pass — the engine commits once, at the final outcome,
// rather than yielding the driving task between attempts, keeping the
// single-pass execution model the worker loop drives (see worker/pool.go).
func runActivity(parent context.Context, meta ActivityMeta, actx *ActivityContext, input json.RawMessage) (json.RawMessage, []Event, error) {
	const (
		baseBackoff = 100 * time.Millisecond
		capBackoff  = 10 * time.Second
	)

	maxRetries := meta.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var attemptEvents []Event
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		actx.Attempt = attempt
		callCtx, cancel := context.WithTimeout(parent, timeout)
		actx.Ctx = callCtx

		output, err := meta.Fn(actx, input)
		cancel()

		if err == nil {
			return output, attemptEvents, nil
		}

		lastErr = err
		if callCtx.Err() == context.DeadlineExceeded {
			lastErr = newError(ErrorKindTransient, "activity timeout", callCtx.Err())
		}

		nonRetriable := IsNonRetriable(err)
		if nonRetriable || attempt == maxRetries {
			attemptEvents = append(attemptEvents, Event{
				Kind:    KindActivityError,
				Attempt: attempt,
			})
			return nil, attemptEvents, newError(ErrorKindPermanent, fmt.Sprintf("activity %q failed after %d attempt(s)", meta.Name, attempt), lastErr)
		}

		attemptEvents = append(attemptEvents, Event{
			Kind:    KindActivityError,
			Attempt: attempt,
		})

		backoff := baseBackoff << uint(attempt-1)
		if backoff > capBackoff {
			backoff = capBackoff
		}
		select {
		case <-parent.Done():
			return nil, attemptEvents, newError(ErrorKindCancelled, "activity retry interrupted", parent.Err())
		case <-time.After(backoff):
		}
	}

	return nil, attemptEvents, lastErr
}
