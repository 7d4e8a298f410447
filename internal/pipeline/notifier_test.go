package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/smithy-go"
	"github.com/snapship/snapship/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPipelineClient struct {
	PutJobSuccessResultFunc func(ctx context.Context, params *codepipeline.PutJobSuccessResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error)
	PutJobFailureResultFunc func(ctx context.Context, params *codepipeline.PutJobFailureResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error)
	PollForJobsFunc         func(ctx context.Context, params *codepipeline.PollForJobsInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error)
	AcknowledgeJobFunc      func(ctx context.Context, params *codepipeline.AcknowledgeJobInput, optFns ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error)

	operations []string
}

const (
	opPutJobSuccessResult = "PutJobSuccessResult"
	opPutJobFailureResult = "PutJobFailureResult"
	opPollForJobs         = "PollForJobs"
	opAcknowledgeJob      = "AcknowledgeJob"
)

func (m *mockPipelineClient) PutJobSuccessResult(ctx context.Context, params *codepipeline.PutJobSuccessResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error) {
	m.operations = append(m.operations, opPutJobSuccessResult)
	if m.PutJobSuccessResultFunc != nil {
		return m.PutJobSuccessResultFunc(ctx, params, optFns...)
	}
	return &codepipeline.PutJobSuccessResultOutput{}, nil
}

func (m *mockPipelineClient) PutJobFailureResult(ctx context.Context, params *codepipeline.PutJobFailureResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error) {
	m.operations = append(m.operations, opPutJobFailureResult)
	if m.PutJobFailureResultFunc != nil {
		return m.PutJobFailureResultFunc(ctx, params, optFns...)
	}
	return &codepipeline.PutJobFailureResultOutput{}, nil
}

func (m *mockPipelineClient) PollForJobs(ctx context.Context, params *codepipeline.PollForJobsInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PollForJobsOutput, error) {
	m.operations = append(m.operations, opPollForJobs)
	if m.PollForJobsFunc != nil {
		return m.PollForJobsFunc(ctx, params, optFns...)
	}
	return &codepipeline.PollForJobsOutput{}, nil
}

func (m *mockPipelineClient) AcknowledgeJob(ctx context.Context, params *codepipeline.AcknowledgeJobInput, optFns ...func(*codepipeline.Options)) (*codepipeline.AcknowledgeJobOutput, error) {
	m.operations = append(m.operations, opAcknowledgeJob)
	if m.AcknowledgeJobFunc != nil {
		return m.AcknowledgeJobFunc(ctx, params, optFns...)
	}
	return &codepipeline.AcknowledgeJobOutput{}, nil
}

func TestJobSuccess(t *testing.T) {
	var reported *codepipeline.PutJobSuccessResultInput
	client := &mockPipelineClient{
		PutJobSuccessResultFunc: func(_ context.Context, params *codepipeline.PutJobSuccessResultInput, _ ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error) {
			reported = params
			return &codepipeline.PutJobSuccessResultOutput{}, nil
		},
	}

	require.NoError(t, NewNotifier(client).JobSuccess(context.Background(), "job-7c51"))
	require.NotNil(t, reported)
	assert.Equal(t, "job-7c51", aws.ToString(reported.JobId))
}

func TestJobFailure(t *testing.T) {
	var reported *codepipeline.PutJobFailureResultInput
	client := &mockPipelineClient{
		PutJobFailureResultFunc: func(_ context.Context, params *codepipeline.PutJobFailureResultInput, _ ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error) {
			reported = params
			return &codepipeline.PutJobFailureResultOutput{}, nil
		},
	}

	require.NoError(t, NewNotifier(client).JobFailure(context.Background(), "job-7c51", "Snapshot copy failed"))
	require.NotNil(t, reported)
	assert.Equal(t, "job-7c51", aws.ToString(reported.JobId))
	require.NotNil(t, reported.FailureDetails)
	assert.Equal(t, types.FailureTypeJobFailed, reported.FailureDetails.Type)
	assert.Equal(t, "Snapshot copy failed", aws.ToString(reported.FailureDetails.Message))
}

func TestJobFailureTruncatesLongCauses(t *testing.T) {
	var reported *codepipeline.PutJobFailureResultInput
	client := &mockPipelineClient{
		PutJobFailureResultFunc: func(_ context.Context, params *codepipeline.PutJobFailureResultInput, _ ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error) {
			reported = params
			return &codepipeline.PutJobFailureResultOutput{}, nil
		},
	}

	cause := strings.Repeat("x", maxFailureMessage+100)
	require.NoError(t, NewNotifier(client).JobFailure(context.Background(), "job-7c51", cause))
	assert.Len(t, aws.ToString(reported.FailureDetails.Message), maxFailureMessage)
}

func TestNotifierClassifiesProviderErrors(t *testing.T) {
	client := &mockPipelineClient{
		PutJobSuccessResultFunc: func(_ context.Context, _ *codepipeline.PutJobSuccessResultInput, _ ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down", Fault: smithy.FaultClient}
		},
		PutJobFailureResultFunc: func(_ context.Context, _ *codepipeline.PutJobFailureResultInput, _ ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "JobNotFoundException", Message: "no such job", Fault: smithy.FaultClient}
		},
	}
	n := NewNotifier(client)

	err := n.JobSuccess(context.Background(), "job-7c51")
	require.ErrorIs(t, err, errJobSuccessReport)
	var transient *retry.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, retry.KindThrottling, transient.Kind)

	err = n.JobFailure(context.Background(), "job-7c51", "Snapshot copy failed")
	require.ErrorIs(t, err, errJobFailureReport)
	assert.False(t, errors.As(err, &transient))
}
