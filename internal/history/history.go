// Package history persists the transition trail of replication executions.
//
// Every state change an execution makes is recorded as a Transition. The
// trail is what operators read after the fact to answer "where did this
// copy stall" without trawling logs.
package history

import (
	"context"
	"time"
)

// Store records and replays execution transitions.
type Store interface {
	Record(ctx context.Context, t Transition) error
	List(ctx context.Context, executionID string) ([]Transition, error)
}

// Transition is a single state change made by one execution. From is empty
// for the launch record.
type Transition struct {
	ExecutionID string    `json:"execution_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

type discard struct{}

// NewDiscard returns a Store that drops every transition. It is the
// default when no history path is configured.
func NewDiscard() Store {
	return discard{}
}

func (discard) Record(context.Context, Transition) error { return nil }

func (discard) List(context.Context, string) ([]Transition, error) {
	return nil, nil
}
