package snapcopy

import "errors"

var (
	errImageDescribe    = errors.New("failed to describe source image")
	errImageNotFound    = errors.New("source image not found")
	errImageNoSnapshot  = errors.New("source image has no snapshot-backed root device")
	errSnapshotShare    = errors.New("failed to share snapshot with destination account")
	errSnapshotUnshare  = errors.New("failed to revoke snapshot share")
	errSnapshotCopy     = errors.New("failed to start snapshot copy")
	errSnapshotDescribe = errors.New("failed to describe snapshot copy")
	errImageRegister    = errors.New("failed to register image from snapshot")

	// ErrSnapshotNotFound means the copy target disappeared; the machine
	// treats it as terminal, never as something to poll through.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
