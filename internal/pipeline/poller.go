package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/artifact"
	"github.com/snapship/snapship/internal/o11y"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/snapship/snapship/internal/retry"
)

var (
	errJobAcknowledge = errors.New("failed to acknowledge job")
	errJobShape       = errors.New("job is missing required data")
	errJobNoArtifact  = errors.New("job carries no input artifact")
)

// Custom actions deliver their parameter blob under this configuration
// property.
const configKeyUserParameters = "UserParameters"

// ActionType identifies the custom action this worker serves. The owner
// is always Custom.
type ActionType struct {
	Category string
	Provider string
	Version  string
}

// Job is one acknowledged unit of work from the pipeline.
type Job struct {
	ID       string
	Params   ActionParams
	Artifact artifact.Location
}

// Handler takes over an acknowledged job. It must return once launching
// is done; it never waits for executions to finish.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// JobAPI is the subset of the CodePipeline client the poller uses.
type JobAPI interface {
	PollForJobs(ctx context.Context, params *codepipeline.PollForJobsInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error)
	AcknowledgeJob(ctx context.Context, params *codepipeline.AcknowledgeJobInput, optFns ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error)
}

type PollerOptions struct {
	// ActionType selects which custom action's jobs to poll for.
	ActionType ActionType

	// Interval is the pause between polls. Defaults to 30 seconds.
	Interval time.Duration

	// Handler receives each decoded job.
	Handler Handler

	// Notifier reports jobs that fail before the handler can own them.
	Notifier replicate.Notifier
}

func (o *PollerOptions) applyDefaults() {
	if o.ActionType.Category == "" {
		o.ActionType.Category = string(types.ActionCategoryInvoke)
	}
	if o.ActionType.Version == "" {
		o.ActionType.Version = "1"
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
}

func (o *PollerOptions) validate() error {
	if o.ActionType.Provider == "" {
		return fmt.Errorf("action type provider is required")
	}
	if o.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	if o.Notifier == nil {
		return fmt.Errorf("notifier is required")
	}
	return nil
}

// Poller pulls jobs for one custom action and hands them to the
// handler, one at a time.
type Poller struct {
	client JobAPI
	opts   PollerOptions
}

func NewPoller(client JobAPI, opts PollerOptions) (*Poller, error) {
	if client == nil {
		return nil, fmt.Errorf("pipeline client is required")
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Poller{client: client, opts: opts}, nil
}

// Run polls until ctx ends. Poll and dispatch failures are logged and
// the loop carries on; only ctx ends it.
func (p *Poller) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.Info("polling for jobs",
		"category", p.opts.ActionType.Category,
		"provider", p.opts.ActionType.Provider,
		"version", p.opts.ActionType.Version,
		"interval", p.opts.Interval)

	for {
		p.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.Interval):
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	log := clog.FromContext(ctx)

	out, err := p.client.PollForJobs(ctx, &codepipeline.PollForJobsInput{
		ActionTypeId: &types.ActionTypeId{
			Category: types.ActionCategory(p.opts.ActionType.Category),
			Owner:    types.ActionOwnerCustom,
			Provider: aws.String(p.opts.ActionType.Provider),
			Version:  aws.String(p.opts.ActionType.Version),
		},
		MaxBatchSize: aws.Int32(1),
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("polling for jobs failed", "error", err)
		}
		return
	}

	for _, job := range out.Jobs {
		if err := p.dispatch(ctx, job); err != nil {
			log.Error("job handoff failed", "job", aws.ToString(job.Id), "error", err)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, job types.Job) error {
	jobID := aws.ToString(job.Id)
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With(o11y.AttrJob, jobID))
	log := clog.FromContext(ctx)

	// Acknowledge before anything else. An unacknowledged job comes
	// back on the next poll and would launch a second time.
	if _, err := p.client.AcknowledgeJob(ctx, &codepipeline.AcknowledgeJobInput{
		JobId: job.Id,
		Nonce: job.Nonce,
	}); err != nil {
		return fmt.Errorf("%w: %w", errJobAcknowledge, retry.ClassifyAWS(err))
	}

	decoded, err := decodeJob(job)
	if err != nil {
		// Acknowledged but unrunnable: the job still owes the pipeline
		// a result.
		if nerr := p.opts.Notifier.JobFailure(ctx, jobID, replicate.CauseStartFailed); nerr != nil {
			log.Warn("dropping job failure notification", "job", jobID, "error", nerr)
		}
		return err
	}

	return p.opts.Handler.HandleJob(ctx, decoded)
}

func decodeJob(job types.Job) (Job, error) {
	jobID := aws.ToString(job.Id)
	if job.Data == nil || job.Data.ActionConfiguration == nil {
		return Job{}, fmt.Errorf("%w: no action configuration", errJobShape)
	}

	params, err := ParseParams(job.Data.ActionConfiguration.Configuration[configKeyUserParameters])
	if err != nil {
		return Job{}, err
	}

	loc, err := artifactLocation(job.Data.InputArtifacts)
	if err != nil {
		return Job{}, err
	}

	return Job{ID: jobID, Params: params, Artifact: loc}, nil
}

func artifactLocation(artifacts []types.Artifact) (artifact.Location, error) {
	for _, a := range artifacts {
		if a.Location == nil || a.Location.S3Location == nil {
			continue
		}
		return artifact.Location{
			Bucket: aws.ToString(a.Location.S3Location.BucketName),
			Key:    aws.ToString(a.Location.S3Location.ObjectKey),
		}, nil
	}
	return artifact.Location{}, errJobNoArtifact
}
