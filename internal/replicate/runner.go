package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/history"
	execlog "github.com/snapship/snapship/internal/log"
	"github.com/snapship/snapship/internal/o11y"
	"github.com/snapship/snapship/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrDraining is returned by Start once Drain has been called.
var ErrDraining = errors.New("runner is draining")

// OperationClientFactory builds the operation client one execution will
// use. It runs synchronously inside Start so a rejected launch surfaces
// to the caller, which still owns reporting the job result at that
// point.
type OperationClientFactory func(ctx context.Context, req Request) (OperationClient, error)

// RunnerOptions configure the in-process execution launcher.
type RunnerOptions struct {
	NewOperations OperationClientFactory
	Notifier      Notifier

	Policy          retry.Policy
	WaitInterval    time.Duration
	MaxPollDuration time.Duration
	History         history.Store

	// LogsDirectory, when set, captures each execution's records to a
	// file under <dir>/<jobID>/ in addition to normal logging.
	LogsDirectory string

	// OnLaunch and OnOutcome observe execution lifecycle, typically for
	// metrics. Either may be nil.
	OnLaunch  func(req Request)
	OnOutcome func(req Request, out Outcome)
}

// Runner launches executions in the background, one goroutine each, and
// never waits for any of them. Outcomes reach the pipeline only through
// the notifier calls each machine makes.
type Runner struct {
	opts RunnerOptions

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.NewOperations == nil {
		return nil, fmt.Errorf("operation client factory is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	return &Runner{opts: opts}, nil
}

// Start validates the request, builds its operation client, and
// launches the execution in the background. It returns without waiting
// for any part of the replication. A non-nil error means no execution
// exists.
func (r *Runner) Start(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid replication request: %w", err)
	}

	// Claim the slot before building the client so Drain waits out a
	// Start already in progress.
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrDraining
	}
	r.wg.Add(1)
	r.mu.Unlock()

	ops, err := r.opts.NewOperations(ctx, req)
	if err != nil {
		r.wg.Done()
		return fmt.Errorf("building operation client: %w", err)
	}

	machine, err := NewMachine(req, MachineOptions{
		Operations:      ops,
		Notifier:        r.opts.Notifier,
		Policy:          r.opts.Policy,
		WaitInterval:    r.opts.WaitInterval,
		MaxPollDuration: r.opts.MaxPollDuration,
		History:         r.opts.History,
	})
	if err != nil {
		r.wg.Done()
		return err
	}

	// Acknowledging the pipeline action cancels the job context, so the
	// execution runs on a detached one.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer r.wg.Done()
		r.run(runCtx, machine, req)
	}()

	return nil
}

func (r *Runner) run(ctx context.Context, machine *Machine, req Request) {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With(
		o11y.AttrExecution, req.ExecutionID,
		o11y.AttrAccount, req.DestinationAccountID,
		o11y.AttrRegion, req.DestinationRegion,
	))

	ctx, closeLog := execlog.SetupExecutionLogging(ctx, r.opts.LogsDirectory, req.JobID, req.ExecutionID)
	defer closeLog()

	ctx, span := otel.Tracer("snapship").Start(ctx, "replicate",
		trace.WithAttributes(
			attribute.String(o11y.AttrExecution, req.ExecutionID),
			attribute.String(o11y.AttrAccount, req.DestinationAccountID),
			attribute.String(o11y.AttrRegion, req.DestinationRegion),
		))
	defer span.End()

	if r.opts.OnLaunch != nil {
		r.opts.OnLaunch(req)
	}

	log := clog.FromContext(ctx)
	log.Info("execution started", "image", req.SourceImageID, "name", req.ResourceName)

	out := machine.Run(ctx)
	if out.Success {
		log.Info("execution succeeded", "image", out.ImageID, "snapshot", out.SnapshotID)
	} else {
		span.SetStatus(codes.Error, out.Cause)
		log.Error("execution failed", "cause", out.Cause)
	}

	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(req, out)
	}
}

// Drain stops accepting new executions and waits for in-flight ones to
// reach a terminal state, or for ctx to expire.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
