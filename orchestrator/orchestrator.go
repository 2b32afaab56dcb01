// Package orchestrator maps one (stage, image kind, architecture) invocation
// onto the right backend operations. Stage sequencing across invocations is
// the CI system's job; each call here is one self-contained step.
package orchestrator

import (
	"context"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/backend"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// ImageBackend is the operation surface the dispatcher drives. backend.Get
// returns the production implementation; tests substitute spies.
type ImageBackend interface {
	Name() string
	Supports(stage string) bool
	Init(ctx context.Context) error
	BuildImage(ctx context.Context) error
	BuildAMI(ctx context.Context) error
	BuildDocker(ctx context.Context) error
	CreateReleaseBranch(ctx context.Context) error
	Test(ctx context.Context) error
	TestAMI(ctx context.Context) error
	TestOpenStack(ctx context.Context) error
	Release(ctx context.Context) error
	ReleaseAndSign(ctx context.Context) error
	PublishAMI(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// Dispatch resolves the backend for the job and runs the given stage on it.
// An unknown hypervisor or stage fails before any remote operation.
func Dispatch(ctx context.Context, stage string, job alcib.BuildJob, env *backend.Environment) error {
	b, err := backend.Get(job, env)
	if err != nil {
		return errors.WithStack(err)
	}
	grip.Info(message.Fields{
		"message": "dispatching stage",
		"stage":   stage,
		"backend": b.Name(),
		"image":   job.ImageKind,
		"arch":    job.Arch,
	})
	return run(ctx, stage, job, b)
}

func run(ctx context.Context, stage string, job alcib.BuildJob, b ImageBackend) error {
	if !b.Supports(stage) {
		return alcib.NewConfigurationErrorf("stage '%s' is not supported on '%s'", stage, b.Name())
	}

	switch stage {
	case alcib.StageInit:
		return b.Init(ctx)

	case alcib.StageBuild:
		switch {
		case job.Hypervisor == alcib.ProviderNameAWSStage2:
			// stage 2 provisions its own host from the stage-1 AMI
			if err := b.Init(ctx); err != nil {
				return errors.WithStack(err)
			}
			return b.BuildAMI(ctx)
		case job.ImageKind == alcib.ImageAWSAMI:
			return b.BuildAMI(ctx)
		case job.ImageKind == alcib.ImageDocker:
			if err := b.BuildDocker(ctx); err != nil {
				return errors.WithStack(err)
			}
			return b.CreateReleaseBranch(ctx)
		default:
			return b.BuildImage(ctx)
		}

	case alcib.StageTest:
		switch job.ImageKind {
		case alcib.ImageAWSAMI:
			return b.TestAMI(ctx)
		case alcib.ImageGenericCloud:
			return b.TestOpenStack(ctx)
		default:
			return b.Test(ctx)
		}

	case alcib.StageRelease:
		switch job.ImageKind {
		case alcib.ImageGenericCloud, alcib.ImageOpenNebula:
			return b.ReleaseAndSign(ctx)
		case alcib.ImageAWSAMI:
			return b.PublishAMI(ctx)
		default:
			return b.Release(ctx)
		}

	case alcib.StageDestroy:
		return b.Teardown(ctx)
	}

	return alcib.NewConfigurationErrorf("no dispatchable stage '%s'", stage)
}
