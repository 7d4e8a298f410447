package replicate

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/history"
	"github.com/snapship/snapship/internal/retry"
)

// OperationClient performs the provider operations for one execution.
// Each call is a single synchronous remote invocation with no internal
// retry; the machine layers the retry policy on top.
type OperationClient interface {
	// StartCopy begins copying the request's source snapshot into the
	// destination and returns the new snapshot's id.
	StartCopy(ctx context.Context, req Request) (string, error)

	// CheckProgress reports the copy's current state. Safe to call
	// repeatedly, including after the copy completed.
	CheckProgress(ctx context.Context, snapshotID string) (SnapshotState, error)

	// RegisterResult turns the completed snapshot into a usable image
	// and returns the image id.
	RegisterResult(ctx context.Context, snapshotID string) (string, error)
}

// Notifier reports the terminal outcome of an execution to the pipeline
// job that requested it.
type Notifier interface {
	JobSuccess(ctx context.Context, jobID string) error
	JobFailure(ctx context.Context, jobID, cause string) error
}

// Outcome is the terminal result of one execution.
type Outcome struct {
	Success    bool
	Cause      string
	SnapshotID string
	ImageID    string
	Duration   time.Duration
}

// MachineOptions configure a single execution.
type MachineOptions struct {
	Operations OperationClient
	Notifier   Notifier

	// Policy applies identically to every remote call the machine
	// makes.
	Policy retry.Policy

	// WaitInterval is the pause between consecutive progress checks.
	// Default: 30s.
	WaitInterval time.Duration

	// MaxPollDuration bounds the polling loop, measured from the moment
	// the copy starts. The provider puts no bound on copy duration
	// itself, so exceeding this fails the execution. Default: 6h.
	MaxPollDuration time.Duration

	History history.Store
}

func (o *MachineOptions) applyDefaults() {
	if o.Policy.MaxAttempts == 0 {
		o.Policy = retry.DefaultPolicy
	}
	if o.WaitInterval == 0 {
		o.WaitInterval = 30 * time.Second
	}
	if o.MaxPollDuration == 0 {
		o.MaxPollDuration = 6 * time.Hour
	}
	if o.History == nil {
		o.History = history.NewDiscard()
	}
}

func (o *MachineOptions) validate() error {
	if o.Operations == nil {
		return fmt.Errorf("operation client is required")
	}
	if o.Notifier == nil {
		return fmt.Errorf("notifier is required")
	}
	return nil
}

// Machine walks one replication request from CopySnapshot to a terminal
// state.
type Machine struct {
	req  Request
	opts MachineOptions

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewMachine(req Request, opts MachineOptions) (*Machine, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid replication request: %w", err)
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Machine{
		req:  req,
		opts: opts,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
		now: time.Now,
	}, nil
}

// Run executes the state machine and returns the outcome. The notifier
// is called exactly once, on whichever terminal path is reached first;
// a notification that still fails after retries is logged and dropped
// so it can never restart the replication work.
func (m *Machine) Run(ctx context.Context) Outcome {
	started := m.now()
	out := m.run(ctx)
	out.Duration = m.now().Sub(started)
	return out
}

func (m *Machine) run(ctx context.Context) Outcome {
	log := clog.FromContext(ctx)

	var (
		state      = StateCopySnapshot
		snapshotID string
		progress   SnapshotState
		imageID    string
		cause      string
		failure    error
		deadline   time.Time
	)

	m.record(ctx, "", state, "", "")

	for {
		switch state {
		case StateCopySnapshot:
			id, err := retry.DoValue(ctx, m.opts.Policy, "start copy", func(ctx context.Context) (string, error) {
				return m.opts.Operations.StartCopy(ctx, m.req)
			})
			if err != nil {
				failure, cause = err, CauseCopyFailed
				state = m.transition(ctx, state, StateFail, snapshotID, err.Error())
				continue
			}
			snapshotID = id
			deadline = m.now().Add(m.opts.MaxPollDuration)
			log.Info("snapshot copy started", "snapshot", snapshotID, "target", m.req.Target())
			state = m.transition(ctx, state, StateCheckSnapshot, snapshotID, "")

		case StateCheckSnapshot:
			st, err := retry.DoValue(ctx, m.opts.Policy, "check progress", func(ctx context.Context) (SnapshotState, error) {
				return m.opts.Operations.CheckProgress(ctx, snapshotID)
			})
			if err != nil {
				failure, cause = err, CauseCopyFailed
				state = m.transition(ctx, state, StateFail, snapshotID, err.Error())
				continue
			}
			progress = st
			state = m.transition(ctx, state, StateEvalProgress, snapshotID, string(progress))

		case StateEvalProgress:
			// Pure decision, no remote call.
			switch progress {
			case SnapshotCompleted:
				state = m.transition(ctx, state, StateRegisterImage, snapshotID, "")
			case SnapshotError:
				failure = fmt.Errorf("snapshot %s entered error state", snapshotID)
				cause = CauseCopyFailed
				state = m.transition(ctx, state, StateFail, snapshotID, failure.Error())
			default:
				state = m.transition(ctx, state, StateWaitThenRecheck, snapshotID, string(progress))
			}

		case StateWaitThenRecheck:
			if m.now().After(deadline) {
				failure = fmt.Errorf("snapshot %s still %s after %s", snapshotID, progress, m.opts.MaxPollDuration)
				cause = CauseTimedOut
				state = m.transition(ctx, state, StateFail, snapshotID, failure.Error())
				continue
			}
			log.Debug("snapshot copy in progress", "snapshot", snapshotID, "state", progress, "wait", m.opts.WaitInterval)
			if err := m.sleep(ctx, m.opts.WaitInterval); err != nil {
				failure, cause = err, CauseCopyFailed
				state = m.transition(ctx, state, StateFail, snapshotID, err.Error())
				continue
			}
			state = m.transition(ctx, state, StateCheckSnapshot, snapshotID, "")

		case StateRegisterImage:
			id, err := retry.DoValue(ctx, m.opts.Policy, "register image", func(ctx context.Context) (string, error) {
				return m.opts.Operations.RegisterResult(ctx, snapshotID)
			})
			if err != nil {
				failure, cause = err, CauseRegisterFailed
				state = m.transition(ctx, state, StateFail, snapshotID, err.Error())
				continue
			}
			imageID = id
			log.Info("image registered", "image", imageID, "snapshot", snapshotID)
			state = m.transition(ctx, state, StateNotifySuccess, snapshotID, imageID)

		case StateNotifySuccess:
			if err := retry.Do(ctx, m.opts.Policy, "notify success", func(ctx context.Context) error {
				return m.opts.Notifier.JobSuccess(ctx, m.req.JobID)
			}); err != nil {
				log.Warn("dropping success notification", "job", m.req.JobID, "error", err)
			}
			m.transition(ctx, state, StateSucceeded, snapshotID, imageID)
			return Outcome{Success: true, SnapshotID: snapshotID, ImageID: imageID}

		case StateFail:
			log.Error("replication failed", "cause", cause, "error", failure)
			if err := retry.Do(ctx, m.opts.Policy, "notify failure", func(ctx context.Context) error {
				return m.opts.Notifier.JobFailure(ctx, m.req.JobID, cause)
			}); err != nil {
				log.Warn("dropping failure notification", "job", m.req.JobID, "error", err)
			}
			m.transition(ctx, state, StateFailed, snapshotID, cause)
			return Outcome{Success: false, Cause: cause, SnapshotID: snapshotID}
		}
	}
}

// transition records the state change and returns the new state.
func (m *Machine) transition(ctx context.Context, from, to State, snapshotID, detail string) State {
	clog.FromContext(ctx).Debug("state transition", "from", from, "to", to)
	m.record(ctx, from, to, snapshotID, detail)
	return to
}

func (m *Machine) record(ctx context.Context, from, to State, snapshotID, detail string) {
	t := history.Transition{
		ExecutionID: m.req.ExecutionID,
		From:        string(from),
		To:          string(to),
		SnapshotID:  snapshotID,
		Detail:      detail,
		At:          m.now().UTC(),
	}
	if err := m.opts.History.Record(ctx, t); err != nil {
		clog.FromContext(ctx).Warn("failed to record transition", "to", to, "error", err)
	}
}
