// snapcopy performs the provider-side snapshot operations for one
// replication execution: resolving the source image's backing snapshot,
// sharing it with the destination account, starting the encrypted copy
// there, polling its state, and registering the finished snapshot as an
// image.
//
// Every method is a thin pass over single EC2 calls with no internal
// retry; the state machine wraps each one in its retry policy. Errors
// the provider marks transient come back as retry.TransientError,
// everything else (authorization, not-found, malformed input)
// propagates as-is.
package snapcopy

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/replicate"
	"github.com/snapship/snapship/internal/retry"
)

// EC2API is the subset of the EC2 client the replication uses.
type EC2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	ModifySnapshotAttribute(ctx context.Context, params *ec2.ModifySnapshotAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error)
	CopySnapshot(ctx context.Context, params *ec2.CopySnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CopySnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// Client serves exactly one execution: source holds the worker's own
// credentials in the source region, dest the assumed role in the target
// account and region.
type Client struct {
	req    replicate.Request
	source EC2API
	dest   EC2API
}

var _ replicate.OperationClient = (*Client)(nil)

// StartCopy resolves the source image's backing snapshot, shares it
// with the destination account, and starts the encrypted copy there.
// If the copy fails to start after the share grant was made, the grant
// is rolled back.
func (c *Client) StartCopy(ctx context.Context, req replicate.Request) (string, error) {
	log := clog.FromContext(ctx)

	snapshotID, err := c.sourceSnapshot(ctx, req.SourceImageID)
	if err != nil {
		return "", err
	}
	log.Info("resolved source snapshot", "image", req.SourceImageID, "snapshot", snapshotID)

	undos := &stack{}

	if err := c.shareSnapshot(ctx, snapshotID, req.DestinationAccountID); err != nil {
		return "", err
	}
	undos.Push(func(ctx context.Context) error {
		return c.unshareSnapshot(ctx, snapshotID, req.DestinationAccountID)
	})

	copyID, err := c.copySnapshot(ctx, req, snapshotID)
	if err != nil {
		if uerr := undos.Unwind(ctx); uerr != nil {
			log.Warn("failed to roll back snapshot share", "snapshot", snapshotID, "error", uerr)
		}
		return "", err
	}

	return copyID, nil
}

// CheckProgress reports the destination copy's state. Purely a read;
// repeated calls after completion never start another copy.
func (c *Client) CheckProgress(ctx context.Context, snapshotID string) (replicate.SnapshotState, error) {
	out, err := c.dest.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		SnapshotIds: []string{snapshotID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidSnapshot.NotFound" {
			return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
		}
		return "", fmt.Errorf("%w: %w", errSnapshotDescribe, retry.ClassifyAWS(err))
	}
	if len(out.Snapshots) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}

	switch out.Snapshots[0].State {
	case types.SnapshotStateCompleted:
		return replicate.SnapshotCompleted, nil
	case types.SnapshotStateError:
		return replicate.SnapshotError, nil
	default:
		return replicate.SnapshotPending, nil
	}
}

// RegisterResult registers the completed snapshot as an image in the
// destination and tags it. Tagging is best effort; a registered image
// with missing tags beats a second registration attempt.
func (c *Client) RegisterResult(ctx context.Context, snapshotID string) (string, error) {
	log := clog.FromContext(ctx)

	out, err := c.dest.RegisterImage(ctx, &ec2.RegisterImageInput{
		Name:               aws.String(c.req.ResourceName),
		Architecture:       types.ArchitectureValuesX8664,
		VirtualizationType: aws.String("hvm"),
		EnaSupport:         aws.Bool(true),
		RootDeviceName:     aws.String("/dev/sda1"),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				SnapshotId:          aws.String(snapshotID),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errImageRegister, retry.ClassifyAWS(err))
	}
	imageID := aws.ToString(out.ImageId)

	if _, err := c.dest.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{imageID},
		Tags: append([]types.Tag{
			nameTag(c.req.ResourceName),
			sourceImageTag(c.req.SourceImageID),
		}, tagsDefault()...),
	}); err != nil {
		log.Warn("failed to tag registered image", "image", imageID, "error", err)
	}

	return imageID, nil
}

// sourceSnapshot finds the snapshot backing the image's root device.
func (c *Client) sourceSnapshot(ctx context.Context, imageID string) (string, error) {
	out, err := c.source.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errImageDescribe, retry.ClassifyAWS(err))
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: %s", errImageNotFound, imageID)
	}

	for _, bdm := range out.Images[0].BlockDeviceMappings {
		if bdm.Ebs != nil && bdm.Ebs.SnapshotId != nil {
			return *bdm.Ebs.SnapshotId, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errImageNoSnapshot, imageID)
}

func (c *Client) shareSnapshot(ctx context.Context, snapshotID, accountID string) error {
	if _, err := c.source.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
		SnapshotId: aws.String(snapshotID),
		CreateVolumePermission: &types.CreateVolumePermissionModifications{
			Add: []types.CreateVolumePermission{{UserId: aws.String(accountID)}},
		},
	}); err != nil {
		return fmt.Errorf("%w: %w", errSnapshotShare, retry.ClassifyAWS(err))
	}
	return nil
}

func (c *Client) unshareSnapshot(ctx context.Context, snapshotID, accountID string) error {
	if _, err := c.source.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
		SnapshotId: aws.String(snapshotID),
		CreateVolumePermission: &types.CreateVolumePermissionModifications{
			Remove: []types.CreateVolumePermission{{UserId: aws.String(accountID)}},
		},
	}); err != nil {
		return fmt.Errorf("%w: %w", errSnapshotUnshare, err)
	}
	return nil
}

func (c *Client) copySnapshot(ctx context.Context, req replicate.Request, snapshotID string) (string, error) {
	out, err := c.dest.CopySnapshot(ctx, &ec2.CopySnapshotInput{
		SourceRegion:     aws.String(req.SourceRegion),
		SourceSnapshotId: aws.String(snapshotID),
		Encrypted:        aws.Bool(true),
		KmsKeyId:         aws.String(req.EncryptionKeyAlias),
		Description:      aws.String(fmt.Sprintf("%s replica of %s", req.ResourceName, snapshotID)),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeSnapshot,
			nameTag(req.ResourceName), sourceImageTag(req.SourceImageID)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errSnapshotCopy, retry.ClassifyAWS(err))
	}
	return aws.ToString(out.SnapshotId), nil
}
