package dispatch

import (
	"context"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/replicate"
)

// The pipeline accepts exactly one result per job, but a multi-target
// job fans out into one execution per destination. Tracker sits between
// the executions and the real notifier: the job succeeds when its last
// execution succeeds, fails on its first failed execution, and every
// other outcome is absorbed.
type Tracker struct {
	inner replicate.Notifier

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	// remaining counts executions still owing an outcome.
	remaining int

	// decided is set once an outcome has chosen the job's result;
	// delivered once that result reached the pipeline.
	decided   bool
	delivered bool

	failed bool
	cause  string
}

var _ replicate.Notifier = (*Tracker)(nil)

func NewTracker(inner replicate.Notifier) *Tracker {
	return &Tracker{inner: inner, jobs: map[string]*jobState{}}
}

// Expect declares how many executions will report for the job. It must
// be called before the first of them starts.
func (t *Tracker) Expect(jobID string, executions int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = &jobState{remaining: executions}
}

// Abort fails a job some of whose executions never started. outstanding
// is the number already running; their eventual outcomes are absorbed
// without reaching the pipeline.
func (t *Tracker) Abort(ctx context.Context, jobID, cause string, outstanding int) {
	t.mu.Lock()
	t.jobs[jobID] = &jobState{remaining: outstanding, decided: true, failed: true, cause: cause}
	t.mu.Unlock()

	if err := t.deliver(ctx, jobID); err != nil {
		clog.FromContext(ctx).Warn("dropping job failure notification", "job", jobID, "error", err)
	}
}

func (t *Tracker) JobSuccess(ctx context.Context, jobID string) error {
	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return t.inner.JobSuccess(ctx, jobID)
	}

	switch {
	case st.decided && st.delivered:
		// Outcome for a job already closed.
		st.remaining--
		t.reapLocked(jobID, st)
		t.mu.Unlock()
		return nil
	case st.decided:
		// Retry of the deciding outcome's delivery.
		t.mu.Unlock()
		return t.deliver(ctx, jobID)
	}

	st.remaining--
	if st.remaining > 0 {
		t.mu.Unlock()
		return nil
	}
	st.decided = true
	t.mu.Unlock()
	return t.deliver(ctx, jobID)
}

func (t *Tracker) JobFailure(ctx context.Context, jobID, cause string) error {
	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return t.inner.JobFailure(ctx, jobID, cause)
	}

	switch {
	case st.decided && st.delivered:
		st.remaining--
		t.reapLocked(jobID, st)
		t.mu.Unlock()
		return nil
	case st.decided:
		t.mu.Unlock()
		return t.deliver(ctx, jobID)
	}

	st.remaining--
	st.decided = true
	st.failed = true
	st.cause = cause
	t.mu.Unlock()
	return t.deliver(ctx, jobID)
}

// deliver sends the job's decided result to the real notifier and
// updates the state with how it went.
func (t *Tracker) deliver(ctx context.Context, jobID string) error {
	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	failed, cause := st.failed, st.cause
	t.mu.Unlock()

	var err error
	if failed {
		err = t.inner.JobFailure(ctx, jobID, cause)
	} else {
		err = t.inner.JobSuccess(ctx, jobID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok = t.jobs[jobID]
	if !ok {
		return err
	}
	if err == nil {
		st.delivered = true
	}
	// With no outcomes left to absorb the state has nothing to route;
	// a retried delivery for a dropped entry falls through to the real
	// notifier, which is the same thing.
	if st.remaining <= 0 {
		delete(t.jobs, jobID)
	}
	return err
}

func (t *Tracker) reapLocked(jobID string, st *jobState) {
	if st.remaining <= 0 {
		delete(t.jobs, jobID)
	}
}
