// dispatch turns acknowledged pipeline jobs into detached replication
// executions, one per destination.
package dispatch

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/snapship/snapship/internal/artifact"
	"github.com/snapship/snapship/internal/pipeline"
	"github.com/snapship/snapship/internal/replicate"
)

// Launcher starts one detached execution and returns as soon as it is
// running.
type Launcher interface {
	Start(ctx context.Context, req replicate.Request) error
}

// ArtifactResolver turns a job's input artifact into an image
// reference.
type ArtifactResolver interface {
	ImageReference(ctx context.Context, loc artifact.Location) (imageID, region string, err error)
}

// Dispatcher hands each job's targets to the launcher. It reports
// synchronous launch failures itself; everything after a successful
// Start is the execution's story, told through the tracker.
type Dispatcher struct {
	resolver ArtifactResolver
	launcher Launcher
	tracker  *Tracker
}

var _ pipeline.Handler = (*Dispatcher)(nil)

func NewDispatcher(resolver ArtifactResolver, launcher Launcher, tracker *Tracker) (*Dispatcher, error) {
	if resolver == nil {
		return nil, fmt.Errorf("artifact resolver is required")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	return &Dispatcher{resolver: resolver, launcher: launcher, tracker: tracker}, nil
}

// HandleJob resolves the job's source image and starts one execution
// per target. The first synchronous failure fails the whole job and
// stops launching; targets already started keep running.
func (d *Dispatcher) HandleJob(ctx context.Context, job pipeline.Job) error {
	log := clog.FromContext(ctx)

	targets := job.Params.TargetList()

	imageID, region, err := d.resolver.ImageReference(ctx, job.Artifact)
	if err != nil {
		d.tracker.Abort(ctx, job.ID, replicate.CauseStartFailed, 0)
		return fmt.Errorf("resolving artifact %s: %w", job.Artifact, err)
	}
	log.Info("resolved job artifact", "job", job.ID, "image", imageID, "region", region, "targets", len(targets))

	d.tracker.Expect(job.ID, len(targets))

	launched := 0
	for _, target := range targets {
		req := replicate.Request{
			SourceImageID:        imageID,
			SourceRegion:         region,
			DestinationAccountID: target.AccountID,
			DestinationRegion:    target.Region,
			DestinationRoleName:  job.Params.DestinationRoleName,
			EncryptionKeyAlias:   job.Params.KMSKeyAlias,
			ResourceName:         job.Params.AMIName,
			JobID:                job.ID,
			ExecutionID:          executionID(job.Params.AMIName),
		}
		if err := d.launcher.Start(ctx, req); err != nil {
			d.tracker.Abort(ctx, job.ID, replicate.CauseStartFailed, launched)
			return fmt.Errorf("starting replication to %s: %w", req.Target(), err)
		}
		launched++
	}
	return nil
}

// executionID derives a log and history friendly identifier from the
// image name.
func executionID(name string) string {
	return fmt.Sprintf("%s-%s", slug.Make(name), uuid.NewString()[:8])
}
