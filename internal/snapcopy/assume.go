package snapcopy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/snapship/snapship/internal/replicate"
)

const roleSessionName = "snapship-replication"

// New builds the per-execution client pair: one EC2 client with the
// worker's own credentials in the source region, and one in the
// destination region under the replication role assumed in the target
// account.
//
// The assumed credentials are resolved lazily, so a missing or
// mis-trusted role surfaces on the first destination call rather than
// here.
func New(ctx context.Context, req replicate.Request) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(req.SourceRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", req.DestinationAccountID, req.DestinationRoleName)
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = roleSessionName
	})

	destCfg := cfg.Copy()
	destCfg.Region = req.DestinationRegion
	destCfg.Credentials = aws.NewCredentialsCache(provider)

	return &Client{
		req:    req,
		source: ec2.NewFromConfig(cfg, withoutRetries),
		dest:   ec2.NewFromConfig(destCfg, withoutRetries),
	}, nil
}

// NewWithClients is the seam for tests and for callers that already
// hold configured clients.
func NewWithClients(req replicate.Request, source, dest EC2API) *Client {
	return &Client{req: req, source: source, dest: dest}
}

// withoutRetries disables the SDK's built-in retryer; the state
// machine's retry policy owns attempt counting.
func withoutRetries(o *ec2.Options) {
	o.Retryer = aws.NopRetryer{}
}
