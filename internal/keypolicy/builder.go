// keypolicy provisions the replication key's policy: every target
// account gets use and grant statements so it can copy snapshots
// encrypted under the key. The policy is computed once for the full
// account set and applied in a single call, before any execution
// touches the key.
package keypolicy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/chainguard-dev/clog"
	"github.com/snapship/snapship/internal/retry"
)

const (
	policyVersion = "2012-10-17"
	effectAllow   = "Allow"

	// PutKeyPolicy only accepts this policy name.
	policyNameDefault = "default"
)

var (
	errNoAccounts    = errors.New("no target accounts to grant")
	errKeyResolve    = errors.New("failed to resolve encryption key")
	errPolicyMarshal = errors.New("failed to marshal key policy")
	errPolicyPut     = errors.New("failed to put key policy")
)

// KMSAPI is the subset of the KMS client the builder uses.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	PutKeyPolicy(ctx context.Context, params *kms.PutKeyPolicyInput, optFns ...func(*kms.Options)) (*kms.PutKeyPolicyOutput, error)
}

// Builder accumulates target accounts for one key.
type Builder struct {
	keyAlias string
	accounts []string
}

func NewBuilder(keyAlias string) *Builder {
	return &Builder{keyAlias: keyAlias}
}

// Allow adds a target account. Duplicates collapse; order is kept.
func (b *Builder) Allow(accountID string) {
	if slices.Contains(b.accounts, accountID) {
		return
	}
	b.accounts = append(b.accounts, accountID)
}

// Document renders the complete key policy: the owning account keeps
// full control, and every allowed account may use the key and create
// grants for AWS resources.
func (b *Builder) Document(ownerAccountID string) map[string]any {
	return map[string]any{
		"Version": policyVersion,
		"Statement": []map[string]any{
			{
				"Sid":       "KeyOwnerAdmin",
				"Effect":    effectAllow,
				"Principal": map[string]any{"AWS": accountRoot(ownerAccountID)},
				"Action":    "kms:*",
				"Resource":  "*",
			},
			{
				"Sid":       "TargetAccountUse",
				"Effect":    effectAllow,
				"Principal": map[string]any{"AWS": b.accountRoots()},
				"Action": []string{
					"kms:Encrypt",
					"kms:Decrypt",
					"kms:ReEncrypt*",
					"kms:GenerateDataKey*",
					"kms:DescribeKey",
				},
				"Resource": "*",
			},
			{
				"Sid":       "TargetAccountGrants",
				"Effect":    effectAllow,
				"Principal": map[string]any{"AWS": b.accountRoots()},
				"Action": []string{
					"kms:CreateGrant",
					"kms:ListGrants",
					"kms:RevokeGrant",
				},
				"Resource": "*",
				"Condition": map[string]any{
					"Bool": map[string]any{"kms:GrantIsForAWSResource": "true"},
				},
			},
		},
	}
}

// Apply resolves the alias and writes the rendered policy to the key.
func (b *Builder) Apply(ctx context.Context, client KMSAPI) error {
	log := clog.FromContext(ctx)

	if len(b.accounts) == 0 {
		return errNoAccounts
	}

	described, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{
		KeyId: aws.String(b.keyAlias),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errKeyResolve, retry.ClassifyAWS(err))
	}
	keyID := aws.ToString(described.KeyMetadata.KeyId)
	owner := aws.ToString(described.KeyMetadata.AWSAccountId)

	doc, err := json.Marshal(b.Document(owner))
	if err != nil {
		return fmt.Errorf("%w: %w", errPolicyMarshal, err)
	}

	if _, err := client.PutKeyPolicy(ctx, &kms.PutKeyPolicyInput{
		KeyId:      aws.String(keyID),
		PolicyName: aws.String(policyNameDefault),
		Policy:     aws.String(string(doc)),
	}); err != nil {
		return fmt.Errorf("%w: %w", errPolicyPut, retry.ClassifyAWS(err))
	}

	log.Info("applied key policy", "alias", b.keyAlias, "key", keyID, "accounts", len(b.accounts))
	return nil
}

func (b *Builder) accountRoots() []string {
	roots := make([]string, 0, len(b.accounts))
	for _, account := range b.accounts {
		roots = append(roots, accountRoot(account))
	}
	return roots
}

func accountRoot(accountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:root", accountID)
}
