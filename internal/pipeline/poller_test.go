package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/smithy-go"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	jobs []Job
	err  error
}

func (h *recordingHandler) HandleJob(_ context.Context, job Job) error {
	h.jobs = append(h.jobs, job)
	return h.err
}

type recordingNotifier struct {
	failures map[string][]string
}

func (n *recordingNotifier) JobSuccess(context.Context, string) error { return nil }

func (n *recordingNotifier) JobFailure(_ context.Context, jobID, cause string) error {
	if n.failures == nil {
		n.failures = map[string][]string{}
	}
	n.failures[jobID] = append(n.failures[jobID], cause)
	return nil
}

const validParams = `{
	"destinationAccountId": "111111111111",
	"destinationRegion": "us-west-2",
	"destinationRoleName": "snapship-replication",
	"kmsKeyAlias": "alias/snapship",
	"amiName": "hardened-base-2024-05-01"
}`

func pipelineJob(id, paramsJSON string) types.Job {
	return types.Job{
		Id:    aws.String(id),
		Nonce: aws.String("nonce-1"),
		Data: &types.JobData{
			ActionConfiguration: &types.ActionConfiguration{
				Configuration: map[string]string{configKeyUserParameters: paramsJSON},
			},
			InputArtifacts: []types.Artifact{{
				Name: aws.String("BuildOutput"),
				Location: &types.ArtifactLocation{
					Type: types.ArtifactLocationTypeS3,
					S3Location: &types.S3ArtifactLocation{
						BucketName: aws.String("build-artifacts"),
						ObjectKey:  aws.String("hardened-base/manifest.json"),
					},
				},
			}},
		},
	}
}

func testPoller(t *testing.T, client JobAPI, handler Handler, notifier replicate.Notifier) *Poller {
	t.Helper()
	p, err := NewPoller(client, PollerOptions{
		ActionType: ActionType{Provider: "SnapshipReplicator"},
		Interval:   time.Millisecond,
		Handler:    handler,
		Notifier:   notifier,
	})
	require.NoError(t, err)
	return p
}

func TestPollerHandsJobToHandler(t *testing.T) {
	var polled *codepipeline.PollForJobsInput
	var acked *codepipeline.AcknowledgeJobInput
	client := &mockPipelineClient{
		PollForJobsFunc: func(_ context.Context, params *codepipeline.PollForJobsInput, _ ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error) {
			polled = params
			return &codepipeline.PollForJobsOutput{Jobs: []types.Job{pipelineJob("job-7c51", validParams)}}, nil
		},
		AcknowledgeJobFunc: func(_ context.Context, params *codepipeline.AcknowledgeJobInput, _ ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error) {
			acked = params
			return &codepipeline.AcknowledgeJobOutput{}, nil
		},
	}
	handler := &recordingHandler{}
	notifier := &recordingNotifier{}

	testPoller(t, client, handler, notifier).pollOnce(context.Background())

	require.NotNil(t, polled)
	assert.Equal(t, types.ActionCategoryInvoke, polled.ActionTypeId.Category)
	assert.Equal(t, types.ActionOwnerCustom, polled.ActionTypeId.Owner)
	assert.Equal(t, "SnapshipReplicator", aws.ToString(polled.ActionTypeId.Provider))
	assert.Equal(t, "1", aws.ToString(polled.ActionTypeId.Version))
	assert.Equal(t, int32(1), aws.ToInt32(polled.MaxBatchSize))

	// The nonce must be acknowledged before the handler sees the job.
	assert.Equal(t, []string{opPollForJobs, opAcknowledgeJob}, client.operations)
	require.NotNil(t, acked)
	assert.Equal(t, "job-7c51", aws.ToString(acked.JobId))
	assert.Equal(t, "nonce-1", aws.ToString(acked.Nonce))

	require.Len(t, handler.jobs, 1)
	job := handler.jobs[0]
	assert.Equal(t, "job-7c51", job.ID)
	assert.Equal(t, "hardened-base-2024-05-01", job.Params.AMIName)
	assert.Equal(t, "build-artifacts", job.Artifact.Bucket)
	assert.Equal(t, "hardened-base/manifest.json", job.Artifact.Key)
	assert.Empty(t, notifier.failures)
}

func TestPollerReportsUndecodableJob(t *testing.T) {
	client := &mockPipelineClient{
		PollForJobsFunc: func(_ context.Context, _ *codepipeline.PollForJobsInput, _ ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error) {
			return &codepipeline.PollForJobsOutput{Jobs: []types.Job{pipelineJob("job-7c51", "not json")}}, nil
		},
	}
	handler := &recordingHandler{}
	notifier := &recordingNotifier{}

	testPoller(t, client, handler, notifier).pollOnce(context.Background())

	assert.Empty(t, handler.jobs)
	assert.Equal(t, []string{replicate.CauseStartFailed}, notifier.failures["job-7c51"])
	assert.Equal(t, []string{opPollForJobs, opAcknowledgeJob}, client.operations)
}

func TestPollerReportsJobWithoutArtifact(t *testing.T) {
	job := pipelineJob("job-7c51", validParams)
	job.Data.InputArtifacts = nil

	client := &mockPipelineClient{
		PollForJobsFunc: func(_ context.Context, _ *codepipeline.PollForJobsInput, _ ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error) {
			return &codepipeline.PollForJobsOutput{Jobs: []types.Job{job}}, nil
		},
	}
	handler := &recordingHandler{}
	notifier := &recordingNotifier{}

	testPoller(t, client, handler, notifier).pollOnce(context.Background())

	assert.Empty(t, handler.jobs)
	assert.Equal(t, []string{replicate.CauseStartFailed}, notifier.failures["job-7c51"])
}

func TestPollerLeavesUnacknowledgedJobsAlone(t *testing.T) {
	client := &mockPipelineClient{
		PollForJobsFunc: func(_ context.Context, _ *codepipeline.PollForJobsInput, _ ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error) {
			return &codepipeline.PollForJobsOutput{Jobs: []types.Job{pipelineJob("job-7c51", validParams)}}, nil
		},
		AcknowledgeJobFunc: func(_ context.Context, _ *codepipeline.AcknowledgeJobInput, _ ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidNonceException", Message: "stale nonce", Fault: smithy.FaultClient}
		},
	}
	handler := &recordingHandler{}
	notifier := &recordingNotifier{}

	testPoller(t, client, handler, notifier).pollOnce(context.Background())

	// The job was never ours; it reappears on a later poll.
	assert.Empty(t, handler.jobs)
	assert.Empty(t, notifier.failures)
}

func TestPollerRunStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := testPoller(t, &mockPipelineClient{}, &recordingHandler{}, &recordingNotifier{})
	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPollerValidation(t *testing.T) {
	handler := &recordingHandler{}
	notifier := &recordingNotifier{}

	_, err := NewPoller(nil, PollerOptions{ActionType: ActionType{Provider: "p"}, Handler: handler, Notifier: notifier})
	assert.ErrorContains(t, err, "client")

	_, err = NewPoller(&mockPipelineClient{}, PollerOptions{Handler: handler, Notifier: notifier})
	assert.ErrorContains(t, err, "provider")

	_, err = NewPoller(&mockPipelineClient{}, PollerOptions{ActionType: ActionType{Provider: "p"}, Notifier: notifier})
	assert.ErrorContains(t, err, "handler")

	_, err = NewPoller(&mockPipelineClient{}, PollerOptions{ActionType: ActionType{Provider: "p"}, Handler: handler})
	assert.ErrorContains(t, err, "notifier")

	p, err := NewPoller(&mockPipelineClient{}, PollerOptions{ActionType: ActionType{Provider: "p"}, Handler: handler, Notifier: notifier})
	require.NoError(t, err)
	assert.Equal(t, string(types.ActionCategoryInvoke), p.opts.ActionType.Category)
	assert.Equal(t, "1", p.opts.ActionType.Version)
	assert.Equal(t, 30*time.Second, p.opts.Interval)
}
