// Package operations implements the command line commands of the image
// builder.
package operations

import (
	"context"
	"strings"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/backend"
	"github.com/almalinux/alcib/cloud"
	"github.com/almalinux/alcib/orchestrator"
	"github.com/almalinux/alcib/remote"
	"github.com/almalinux/alcib/thirdparty"
	"github.com/almalinux/alcib/transfer"
	"github.com/evergreen-ci/pail"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	configFlagName     = "config"
	hypervisorFlagName = "hypervisor"
	stageFlagName      = "stage"
	archFlagName       = "arch"
	stateDirFlagName   = "state-dir"
)

// Run returns the command that executes one pipeline stage for one
// (hypervisor, image kind, architecture) job.
func Run() cli.Command {
	return cli.Command{
		Name:  "run",
		Usage: "run one build pipeline stage",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  configFlagName,
				Value: "alcib.yml",
				Usage: "path to the builder settings file",
			},
			cli.StringFlag{
				Name:  hypervisorFlagName,
				Usage: "hypervisor backend (hyperv, virtualbox, kvm, vmware_desktop, aws-stage-2, equinix)",
			},
			cli.StringFlag{
				Name:  stageFlagName,
				Usage: "pipeline stage (init, build, test, release, destroy)",
			},
			cli.StringFlag{
				Name:  archFlagName,
				Value: alcib.ArchX8664,
				Usage: "architecture to build",
			},
			cli.StringFlag{
				Name:  stateDirFlagName,
				Value: ".alcib-state",
				Usage: "directory for hand-off files between stage invocations",
			},
		},
		Before: mergeBeforeFuncs(
			func(c *cli.Context) error {
				grip.SetName("alcib.run")
				return nil
			},
			requireStringFlag(hypervisorFlagName),
			requireStringFlag(stageFlagName),
		),
		Action: func(c *cli.Context) error {
			stage := c.String(stageFlagName)
			arch := c.String(archFlagName)
			if err := validateRunTarget(stage, arch); err != nil {
				return err
			}

			settings, err := alcib.NewSettings(c.String(configFlagName))
			if err != nil {
				return errors.WithStack(err)
			}
			if err := settings.Validate(); err != nil {
				return errors.Wrap(err, "invalid settings")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			job := alcib.NewBuildJob(
				strings.ToLower(c.String(hypervisorFlagName)),
				settings.Image,
				arch,
				settings.BuildNumber,
				settings.OSMajorVer,
			)
			env, err := buildEnvironment(ctx, settings, c.String(stateDirFlagName))
			if err != nil {
				return errors.WithStack(err)
			}

			return orchestrator.Dispatch(ctx, stage, job, env)
		},
	}
}

// validateRunTarget rejects bad stage/arch combinations before any settings
// or collaborators are built.
func validateRunTarget(stage, arch string) error {
	if !alcib.ValidStage(stage) {
		return alcib.NewConfigurationErrorf("no known stage '%s'", stage)
	}
	if stage == alcib.StagePullRequest {
		return alcib.NewConfigurationErrorf("the pullrequest stage runs through 'alcib pullrequest', not 'alcib run'")
	}
	if !alcib.ValidArch(arch) {
		return alcib.NewConfigurationErrorf("no known architecture '%s'", arch)
	}
	return nil
}

// buildEnvironment assembles the production collaborators for a dispatch.
func buildEnvironment(ctx context.Context, settings *alcib.Settings, stateDir string) (*backend.Environment, error) {
	bucket, err := pail.NewS3Bucket(pail.S3Options{
		Name:        settings.AWS.Bucket,
		Region:      settings.AWS.Region,
		Credentials: pail.CreateAWSCredentials(settings.AWS.KeyID, settings.AWS.Secret, ""),
		MaxRetries:  10,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing artifact bucket")
	}

	provisioner, err := cloud.NewEC2Provisioner(settings.AWS.Region, settings.AWS.KeyID, settings.AWS.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "initializing provisioner")
	}

	keyPath := settings.SSH.KeyPath
	return &backend.Environment{
		Settings:    settings,
		Provisioner: provisioner,
		Bucket:      bucket,
		Connect: func(ctx context.Context, host, user string) (remote.Runner, error) {
			return remote.Open(ctx, host, user, keyPath)
		},
		VCS:       thirdparty.NewGitHubClient(ctx, settings.GitHub.Token),
		Signer:    thirdparty.NewSignServiceClient(settings.Signing.URL, settings.Signing.Token, settings.Signing.PGPKeyID),
		Publisher: thirdparty.NewVagrantCloudClient(settings.Vagrant.Box, settings.Vagrant.AccessKey),
		Retry:     transfer.DefaultRetryOptions(),
		StateDir:  stateDir,
	}, nil
}
