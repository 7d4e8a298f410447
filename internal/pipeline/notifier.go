// pipeline connects the worker to its triggering pipeline: the Poller
// pulls custom-action jobs in, and the Notifier reports one result per
// job back out.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/snapship/snapship/internal/retry"
)

var (
	errJobSuccessReport = errors.New("failed to report job success")
	errJobFailureReport = errors.New("failed to report job failure")
)

// FailureDetails.Message caps out at 5000 characters.
const maxFailureMessage = 5000

// ResultAPI is the subset of the CodePipeline client the notifier uses.
type ResultAPI interface {
	PutJobSuccessResult(ctx context.Context, params *codepipeline.PutJobSuccessResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error)
	PutJobFailureResult(ctx context.Context, params *codepipeline.PutJobFailureResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error)
}

// Notifier reports job results to CodePipeline. Each method is a single
// SDK call; the callers' retry policies own the retrying.
type Notifier struct {
	client ResultAPI
}

var _ replicate.Notifier = (*Notifier)(nil)

func NewNotifier(client ResultAPI) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) JobSuccess(ctx context.Context, jobID string) error {
	clog.FromContext(ctx).Info("reporting job success", "job", jobID)

	if _, err := n.client.PutJobSuccessResult(ctx, &codepipeline.PutJobSuccessResultInput{
		JobId: aws.String(jobID),
	}); err != nil {
		return fmt.Errorf("%w: %w", errJobSuccessReport, retry.ClassifyAWS(err))
	}
	return nil
}

func (n *Notifier) JobFailure(ctx context.Context, jobID, cause string) error {
	clog.FromContext(ctx).Info("reporting job failure", "job", jobID, "cause", cause)

	if _, err := n.client.PutJobFailureResult(ctx, &codepipeline.PutJobFailureResultInput{
		JobId: aws.String(jobID),
		FailureDetails: &types.FailureDetails{
			Type:    types.FailureTypeJobFailed,
			Message: aws.String(truncate(cause, maxFailureMessage)),
		},
	}); err != nil {
		return fmt.Errorf("%w: %w", errJobFailureReport, retry.ClassifyAWS(err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
