// replicate drives snapshot replication executions: one per
// (account, region) target, each copying a source image's backing
// snapshot into the target and reporting the result to the pipeline
// job that asked for it.
//
// # Overview
//
// An execution walks a fixed set of states:
//
//	CopySnapshot -> CheckSnapshot -> EvalProgress
//	                     ^                |
//	                     |                +-> WaitThenRecheck (30s pause)
//	                     +----------------+
//	                                      +-> RegisterImage -> NotifySuccess -> Succeeded
//	                                      +-> Fail -> Failed
//
// Every remote call (copy start, progress check, image registration,
// both notifications) goes through the same bounded-retry policy, so
// transient provider errors never appear as distinct branches here.
// Polling pauses at WaitThenRecheck, the only scheduled suspension in
// the system, and is bounded by a configurable total duration.
//
// The notifier fires exactly once per execution, on whichever terminal
// path is reached first. A notification that still fails after retries
// is logged and dropped; it never restarts the replication work.
//
// Machine runs a single execution to completion. Runner launches
// machines in the background, one goroutine each, detached from the
// caller's cancellation; outcomes travel only through the notifier.
package replicate
