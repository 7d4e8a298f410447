// artifact resolves a pipeline input artifact to the image it
// describes. Build stages drop a small JSON manifest in the artifact
// store; the resolver fetches it and pulls out the image reference.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/snapship/snapship/internal/retry"
)

var (
	errManifestFetch  = errors.New("failed to fetch artifact manifest")
	errManifestDecode = errors.New("failed to decode artifact manifest")
	errManifestShape  = errors.New("artifact manifest is incomplete")
)

// Manifests are a handful of fields; anything larger is not ours.
const maxManifestSize = 1 << 20

// Location addresses an artifact object in the pipeline's store.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// S3API is the subset of the S3 client the resolver uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Resolver reads image references out of build-artifact manifests.
type Resolver struct {
	client S3API
}

func NewResolver(client S3API) *Resolver {
	return &Resolver{client: client}
}

type manifest struct {
	AMIID  string `json:"amiID"`
	Region string `json:"region"`
}

// ImageReference fetches the manifest at loc and returns the image id
// and region it names. The payload passes through otherwise untouched.
func (r *Resolver) ImageReference(ctx context.Context, loc Location) (string, string, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errManifestFetch, retry.ClassifyAWS(err))
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxManifestSize))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", errManifestFetch, retry.Transient(retry.KindTransport, err))
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", "", fmt.Errorf("%w: %w", errManifestDecode, err)
	}

	if !validImageID(m.AMIID) {
		return "", "", fmt.Errorf("%w: %q is not an image id", errManifestShape, m.AMIID)
	}
	if m.Region == "" {
		return "", "", fmt.Errorf("%w: region is empty", errManifestShape)
	}
	return m.AMIID, m.Region, nil
}

func validImageID(id string) bool {
	const prefix = "ami-"
	if !strings.HasPrefix(id, prefix) || len(id) == len(prefix) {
		return false
	}
	for _, c := range id[len(prefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
