package snapcopy

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	// 'Name' is well-known within AWS itself; the rest mark resources
	// this service created so they can be traced back to their source.
	tagKeyName        = "Name"
	tagKeyManagedBy   = "ManagedBy"
	tagKeySourceImage = "SourceImage"

	tagDefaultManagedBy = "snapship"
)

// tagSpecificationWithDefaults produces a tag specification where the
// default tags are appended after the variadic input values.
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault()...),
		},
	}
}

// tagsDefault produces the key-value pairs associated with every
// resource the replication creates.
func tagsDefault() []types.Tag {
	return []types.Tag{
		{
			Key:   aws.String(tagKeyManagedBy),
			Value: aws.String(tagDefaultManagedBy),
		},
	}
}

func nameTag(name string) types.Tag {
	return types.Tag{
		Key:   aws.String(tagKeyName),
		Value: aws.String(name),
	}
}

func sourceImageTag(imageID string) types.Tag {
	return types.Tag{
		Key:   aws.String(tagKeySourceImage),
		Value: aws.String(imageID),
	}
}
