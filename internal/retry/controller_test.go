package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/editnori/metamaprunner/internal/annotator"
	"github.com/editnori/metamaprunner/internal/daemon"
	"github.com/editnori/metamaprunner/internal/model"
	"github.com/editnori/metamaprunner/internal/pool"
	"github.com/editnori/metamaprunner/internal/xmlresult"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"timeout", &annotator.TimeoutError{Elapsed: time.Second}, model.ErrorKindTimeout},
		{"parse", &xmlresult.ParseError{Err: fmt.Errorf("bad xml")}, model.ErrorKindParse},
		{"daemon unreachable", daemon.ErrDaemonUnreachable, model.ErrorKindDaemonUnreach},
		{"pool exhausted", pool.ErrPoolExhausted, model.ErrorKindPoolExhausted},
		{"unknown", fmt.Errorf("something else"), model.ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDecide_ParseNeverRetries(t *testing.T) {
	c := New(DefaultPolicy())
	d := c.Decide(model.ErrorKindParse, 1)
	if d.Retry {
		t.Errorf("parse errors must never be retriable")
	}
}

func TestDecide_BackoffSchedule(t *testing.T) {
	c := New(Policy{BaseSeconds: 5, CapSeconds: 60, MaxAttempts: 5})

	d1 := c.Decide(model.ErrorKindTimeout, 1)
	if !d1.Retry || d1.Delay != 5*time.Second {
		t.Errorf("attempt 1 delay = %v retry=%v, want 5s true", d1.Delay, d1.Retry)
	}

	d2 := c.Decide(model.ErrorKindTimeout, 2)
	if !d2.Retry || d2.Delay != 10*time.Second {
		t.Errorf("attempt 2 delay = %v retry=%v, want 10s true", d2.Delay, d2.Retry)
	}

	d3 := c.Decide(model.ErrorKindTimeout, 3)
	if !d3.Retry || d3.Delay != 20*time.Second {
		t.Errorf("attempt 3 delay = %v retry=%v, want 20s true", d3.Delay, d3.Retry)
	}
}

func TestDecide_CapsAtMaxInterval(t *testing.T) {
	c := New(Policy{BaseSeconds: 5, CapSeconds: 60, MaxAttempts: 10})
	d := c.Decide(model.ErrorKindTimeout, 5) // 5*2^4 = 80s, capped to 60s
	if d.Delay != 60*time.Second {
		t.Errorf("delay = %v, want capped at 60s", d.Delay)
	}
}

func TestDecide_ExhaustsAtMaxAttempts(t *testing.T) {
	c := New(Policy{BaseSeconds: 5, CapSeconds: 60, MaxAttempts: 3})
	d := c.Decide(model.ErrorKindTimeout, 3)
	if d.Retry {
		t.Errorf("attempt at MaxAttempts should not be retried")
	}
}

func TestSummarize(t *testing.T) {
	c := New(Policy{BaseSeconds: 5, CapSeconds: 60, MaxAttempts: 3})
	now := time.Now()
	recent := now.Add(-1 * time.Second)
	old := now.Add(-time.Hour)

	records := map[string]model.FileRecord{
		"ready":     {Status: model.FileFailed, Attempts: 1, LastErrorKind: model.ErrorKindTimeout, LastAttemptAt: &old},
		"backoff":   {Status: model.FileFailed, Attempts: 1, LastErrorKind: model.ErrorKindTimeout, LastAttemptAt: &recent},
		"exhausted": {Status: model.FileFailed, Attempts: 3, LastErrorKind: model.ErrorKindTimeout, LastAttemptAt: &old},
		"parse":     {Status: model.FileFailed, Attempts: 1, LastErrorKind: model.ErrorKindParse, LastAttemptAt: &old},
		"ok":        {Status: model.FileCompleted},
	}

	s := c.Summarize(records, now)
	if s.ReadyForRetry != 1 {
		t.Errorf("ReadyForRetry = %d, want 1", s.ReadyForRetry)
	}
	if s.InBackoff != 1 {
		t.Errorf("InBackoff = %d, want 1", s.InBackoff)
	}
	if s.Exhausted != 2 {
		t.Errorf("Exhausted = %d, want 2 (max-attempts + non-retriable parse)", s.Exhausted)
	}
}
