// Package retry classifies job failures and schedules re-enqueue with
// exponential backoff. Every failure passes through one classification
// funnel; the attempt/backoff sequence is computed by
// github.com/cenkalti/backoff/v4.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/editnori/metamaprunner/internal/model"
)

// retriable classifies which error kinds are eligible for re-enqueue.
// parse is deliberately excluded: the annotator output is
// deterministically bad and a retry cannot help.
var retriable = map[model.ErrorKind]bool{
	model.ErrorKindTimeout:       true,
	model.ErrorKindDaemonUnreach: true,
	model.ErrorKindIO:            true,
	model.ErrorKindPoolExhausted: true,
	model.ErrorKindUnknown:       true,
	model.ErrorKindParse:         false,
}

// Policy holds the tunables for the backoff schedule and attempt cap.
type Policy struct {
	BaseSeconds int
	CapSeconds  int
	MaxAttempts int
}

// DefaultPolicy is a 5s base, 60s cap, and 3 attempts.
func DefaultPolicy() Policy {
	return Policy{BaseSeconds: 5, CapSeconds: 60, MaxAttempts: 3}
}

// Controller decides, for one failed attempt, whether to retry and
// how long to wait before doing so.
type Controller struct {
	policy Policy
}

// New creates a Controller with the given policy.
func New(policy Policy) *Controller {
	return &Controller{policy: policy}
}

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Classify maps a component-reported error into an ErrorKind. Callers
// pass the concrete error returned by the annotator invoker, XML
// parser, daemon supervisor, or pool so this is the single
// classification funnel every failure passes through.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	switch {
	case isTimeout(err):
		return model.ErrorKindTimeout
	case isParse(err):
		return model.ErrorKindParse
	case isDaemonUnreachable(err):
		return model.ErrorKindDaemonUnreach
	case isPoolExhausted(err):
		return model.ErrorKindPoolExhausted
	case isIO(err):
		return model.ErrorKindIO
	default:
		return model.ErrorKindUnknown
	}
}

// Decide returns whether attempt number `attempt` (1-based, the
// attempt that just failed) should be retried and, if so, the backoff
// delay before the next attempt begins. Attempt k waits
// min(base * 2^(k-1), cap) seconds.
func (c *Controller) Decide(kind model.ErrorKind, attempt int) Decision {
	if !retriable[kind] {
		return Decision{Retry: false}
	}
	if attempt >= c.policy.MaxAttempts {
		return Decision{Retry: false}
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(c.policy.BaseSeconds) * time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(c.policy.CapSeconds) * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var delay time.Duration
	for k := 1; k <= attempt; k++ {
		delay = b.NextBackOff()
	}
	if delay > time.Duration(c.policy.CapSeconds)*time.Second {
		delay = time.Duration(c.policy.CapSeconds) * time.Second
	}

	return Decision{Retry: true, Delay: delay}
}

// IsRetriable reports whether kind is ever eligible for retry,
// independent of the attempt count.
func IsRetriable(kind model.ErrorKind) bool {
	return retriable[kind]
}

// Summary reports retry-queue statistics: how many failed files are
// ready-for-retry now, how many are still in their backoff window, and
// how many have exhausted max attempts.
type Summary struct {
	ReadyForRetry int
	InBackoff     int
	Exhausted     int
}

// Summarize classifies every failed record's current retry standing.
// records is the Files map of a state manager snapshot; now is
// injected for testability.
func (c *Controller) Summarize(records map[string]model.FileRecord, now time.Time) Summary {
	var s Summary
	for _, rec := range records {
		if rec.Status != model.FileFailed {
			continue
		}
		if !IsRetriable(rec.LastErrorKind) || rec.Attempts >= c.policy.MaxAttempts {
			s.Exhausted++
			continue
		}
		d := c.Decide(rec.LastErrorKind, rec.Attempts)
		if rec.LastAttemptAt != nil && now.Sub(*rec.LastAttemptAt) >= d.Delay {
			s.ReadyForRetry++
		} else {
			s.InBackoff++
		}
	}
	return s
}
