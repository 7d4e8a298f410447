package replicate

import "fmt"

// Request carries everything one execution needs. It is immutable once
// the execution starts; the dispatcher builds one per target.
type Request struct {
	// Source image to replicate and the region it lives in.
	SourceImageID string
	SourceRegion  string

	// Target account and region, and the role to assume there.
	DestinationAccountID string
	DestinationRegion    string
	DestinationRoleName  string

	// Alias of the key used to encrypt the copied snapshot in the
	// destination account.
	EncryptionKeyAlias string

	// ResourceName names the registered image in the destination.
	ResourceName string

	// JobID is the pipeline job awaiting the outcome. Empty for ad-hoc
	// runs with no pipeline attached.
	JobID string

	// ExecutionID uniquely identifies this execution in logs and
	// history.
	ExecutionID string
}

// Validate reports the first missing or malformed field.
func (r Request) Validate() error {
	if r.SourceImageID == "" {
		return fmt.Errorf("source image id is required")
	}
	if r.SourceRegion == "" {
		return fmt.Errorf("source region is required")
	}
	if r.DestinationAccountID == "" {
		return fmt.Errorf("destination account id is required")
	}
	if !validAccountID(r.DestinationAccountID) {
		return fmt.Errorf("destination account id must be a 12 digit account number, got %q", r.DestinationAccountID)
	}
	if r.DestinationRegion == "" {
		return fmt.Errorf("destination region is required")
	}
	if r.DestinationRoleName == "" {
		return fmt.Errorf("destination role name is required")
	}
	if r.EncryptionKeyAlias == "" {
		return fmt.Errorf("encryption key alias is required")
	}
	if r.ResourceName == "" {
		return fmt.Errorf("resource name is required")
	}
	if r.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	return nil
}

// Target renders the destination as account/region for logs.
func (r Request) Target() string {
	return fmt.Sprintf("%s/%s", r.DestinationAccountID, r.DestinationRegion)
}

func validAccountID(id string) bool {
	if len(id) != 12 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
