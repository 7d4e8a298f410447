// Command replicate copies an AMI to one or more destination accounts
// synchronously, without a pipeline job attached. It runs the same
// state machine as the worker and exits non-zero if any target fails.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
	"github.com/snapship/snapship/internal/o11y"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/snapship/snapship/internal/snapcopy"
	"golang.org/x/sync/errgroup"
)

func main() {
	args := parseArgs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctx = setupLog(ctx, args.Debug)

	if err := run(ctx, args); err != nil {
		clog.FromContext(ctx).Error("replication failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, args Args) error {
	if len(args.Targets) == 0 {
		return fmt.Errorf("at least one -target account:region is required")
	}

	// Every target runs to a terminal state even when another fails;
	// the first error decides the exit code.
	var g errgroup.Group
	for _, target := range args.Targets {
		req := replicate.Request{
			SourceImageID:        args.Image,
			SourceRegion:         args.SourceRegion,
			DestinationAccountID: target.AccountID,
			DestinationRegion:    target.Region,
			DestinationRoleName:  args.RoleName,
			EncryptionKeyAlias:   args.KeyAlias,
			ResourceName:         args.Name,
			ExecutionID:          fmt.Sprintf("%s-%s-%s", slug.Make(args.Name), target.AccountID, target.Region),
		}
		g.Go(func() error {
			return replicateTo(ctx, args, req)
		})
	}
	return g.Wait()
}

func replicateTo(ctx context.Context, args Args, req replicate.Request) error {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With(
		o11y.AttrExecution, req.ExecutionID,
		o11y.AttrAccount, req.DestinationAccountID,
		o11y.AttrRegion, req.DestinationRegion,
	))
	log := clog.FromContext(ctx)

	ops, err := snapcopy.New(ctx, req)
	if err != nil {
		return fmt.Errorf("building operation client for %s: %w", req.Target(), err)
	}

	machine, err := replicate.NewMachine(req, replicate.MachineOptions{
		Operations:      ops,
		Notifier:        logNotifier{},
		WaitInterval:    args.WaitInterval,
		MaxPollDuration: args.Timeout,
	})
	if err != nil {
		return err
	}

	log.Info("replication started", "image", req.SourceImageID, "target", req.Target())
	out := machine.Run(ctx)
	if !out.Success {
		return fmt.Errorf("replication to %s failed: %s", req.Target(), out.Cause)
	}
	log.Info("replication finished", "image", out.ImageID, "snapshot", out.SnapshotID, "took", out.Duration.String())
	return nil
}

// logNotifier reports outcomes to the log; an ad-hoc run has no
// pipeline job to answer.
type logNotifier struct{}

var _ replicate.Notifier = logNotifier{}

func (logNotifier) JobSuccess(ctx context.Context, jobID string) error {
	clog.FromContext(ctx).Info("replication succeeded")
	return nil
}

func (logNotifier) JobFailure(ctx context.Context, jobID, cause string) error {
	clog.FromContext(ctx).Error("replication failed", "cause", cause)
	return nil
}

func setupLog(ctx context.Context, debug bool) context.Context {
	level := charmlog.InfoLevel
	if debug {
		level = charmlog.DebugLevel
	}
	console := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	logger := clog.New(slogmulti.Fanout(console))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
