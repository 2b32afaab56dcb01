// Package backend implements per-hypervisor build strategies. A backend is
// a tagged variant record: a capability table plus command-template data,
// selected by a static registry lookup. There is exactly one backend
// instance per dispatch call and it is never mutated during the job.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/cloud"
	"github.com/almalinux/alcib/remote"
	"github.com/almalinux/alcib/thirdparty"
	"github.com/evergreen-ci/pail"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// ConnectFunc opens a remote session; injectable so tests can supply an
// in-memory host.
type ConnectFunc func(ctx context.Context, host, user string) (remote.Runner, error)

// VCS is the narrow slice of the GitHub client the docker flow needs.
type VCS interface {
	MergeUpstream(ctx context.Context, repo, branch string) error
	LatestBranch(ctx context.Context) (string, error)
	EnsureReleaseBranch(ctx context.Context, branch string) error
}

// Environment bundles every collaborator a backend may touch. It is built
// once per dispatch and passed explicitly; backends never read ambient
// global state.
type Environment struct {
	Settings    *alcib.Settings
	Provisioner cloud.Provisioner
	Bucket      pail.Bucket
	Connect     ConnectFunc
	VCS         VCS
	Signer      thirdparty.Signer
	Publisher   thirdparty.BoxPublisher
	Retry       utility.RetryOptions
	// StateDir holds per-job hand-off files: the provisioned host record
	// and the AMI ID passed from the AWS stage-1 build to stage 2.
	StateDir string
}

// Backend drives all stages of one job on one hypervisor.
type Backend struct {
	name string
	job  alcib.BuildJob
	env  *Environment

	caps map[string]bool

	user       string
	imagesDir  string
	packerBin  string
	powershell bool

	// fixedHost resolves a pre-existing build host; nil means the
	// backend provisions an ephemeral host per job.
	fixedHost  func(*alcib.StaticHostsConfig) string
	createOpts func(alcib.BuildJob, *alcib.Settings, string) (cloud.CreateOptions, error)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return b.name }

// Supports reports whether the backend implements the given stage. The
// dispatcher checks it before invoking any stage operation.
func (b *Backend) Supports(stage string) bool { return b.caps[stage] }

func allStages() map[string]bool {
	return map[string]bool{
		alcib.StageInit:    true,
		alcib.StageBuild:   true,
		alcib.StageTest:    true,
		alcib.StageRelease: true,
		alcib.StageDestroy: true,
	}
}

// stage2Stages omits test and release: the chroot rebuild only re-registers
// the AMI, and testing/publishing run through the stage-1 job.
func stage2Stages() map[string]bool {
	return map[string]bool{
		alcib.StageInit:    true,
		alcib.StageBuild:   true,
		alcib.StageDestroy: true,
	}
}

// Get resolves the backend for a hypervisor identifier. An unknown
// identifier is a ConfigurationError, raised before any remote operation.
func Get(job alcib.BuildJob, env *Environment) (*Backend, error) {
	b := &Backend{
		job:       job,
		env:       env,
		caps:      allStages(),
		user:      "ec2-user",
		imagesDir: "/home/ec2-user/cloud-images",
		packerBin: "packer",
	}

	switch job.Hypervisor {
	case alcib.ProviderNameVirtualBox, alcib.ProviderNameKVM, alcib.ProviderNameVMWareDesktop:
		b.name = job.Hypervisor
		b.createOpts = desktopCreateOpts
	case alcib.ProviderNameHyperV:
		b.name = job.Hypervisor
		b.powershell = true
		b.user = "Administrator"
		b.imagesDir = `c:\Users\Administrator\cloud-images`
		b.createOpts = desktopCreateOpts
	case alcib.ProviderNameAWSStage2:
		b.name = job.Hypervisor
		b.caps = stage2Stages()
		b.packerBin = "packer.io"
		// stage 2 boots from the AMI the stage-1 build handed off
		b.createOpts = stage2CreateOpts
	case alcib.ProviderNameEquinix:
		b.name = job.Hypervisor
		b.user = "root"
		b.imagesDir = "/root/cloud-images"
		b.packerBin = "packer.io"
		b.fixedHost = func(hosts *alcib.StaticHostsConfig) string { return hosts.EquinixIP }
	default:
		return nil, alcib.NewConfigurationErrorf("no known hypervisor '%s'", job.Hypervisor)
	}

	// the docker ppc64le flow runs on a fixed host regardless of backend
	if job.ImageKind == alcib.ImageDocker && job.Arch == alcib.ArchPpc64le {
		b.user = "alcib"
		b.fixedHost = func(hosts *alcib.StaticHostsConfig) string { return hosts.Ppc64leHost }
	}

	return b, nil
}

// hostState is the hand-off record between the init stage and every later
// stage of the same job.
type hostState struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (b *Backend) hostStatePath() string {
	return filepath.Join(b.env.StateDir, fmt.Sprintf("host-%s-%s.json", b.name, b.job.Arch))
}

func (b *Backend) saveHostState(state hostState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshalling host state")
	}
	if err := os.MkdirAll(b.env.StateDir, 0o755); err != nil {
		return errors.Wrap(err, "creating state dir")
	}
	return errors.Wrap(os.WriteFile(b.hostStatePath(), data, 0o644), "writing host state")
}

func (b *Backend) loadHostState() (hostState, error) {
	state := hostState{}
	data, err := os.ReadFile(b.hostStatePath())
	if err != nil {
		return state, errors.Wrapf(err, "reading host state for '%s'", b.name)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, errors.Wrap(err, "unmarshalling host state")
	}
	return state, nil
}

// host resolves the build host address for this job: the fixed host for
// pre-existing-host variants, the provisioned instance otherwise.
func (b *Backend) host() (string, error) {
	if b.fixedHost != nil {
		host := b.fixedHost(&b.env.Settings.Hosts)
		if host == "" {
			return "", alcib.NewConfigurationErrorf("no fixed host configured for '%s'", b.name)
		}
		return host, nil
	}
	state, err := b.loadHostState()
	if err != nil {
		return "", errors.Wrap(err, "no provisioned host; did the init stage run?")
	}
	return state.Address, nil
}

// acquire opens a session to the job's build host. The returned release
// function must run on every exit path; cleanup that needs the host runs
// before it.
func (b *Backend) acquire(ctx context.Context) (remote.Runner, func(), error) {
	host, err := b.host()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	runner, err := b.env.Connect(ctx, host, b.user)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	release := func() {
		grip.Error(message.WrapError(runner.Close(), message.Fields{
			"message": "closing session",
			"host":    host,
			"backend": b.name,
		}))
	}
	return runner, release, nil
}

// Init provisions the build host (or, for fixed-host variants, prepares its
// working directory) and leaves it ready for the build stage.
func (b *Backend) Init(ctx context.Context) error {
	if b.fixedHost == nil {
		opts, err := b.createOpts(b.job, b.env.Settings, b.env.StateDir)
		if err != nil {
			return errors.WithStack(err)
		}
		opts.Name = b.job.Namespace()
		host, err := b.env.Provisioner.Create(ctx, opts)
		if err != nil {
			return errors.Wrapf(err, "provisioning host for '%s'", b.name)
		}
		if err := b.env.Provisioner.WaitReady(ctx, host.ID); err != nil {
			return errors.WithStack(err)
		}
		address, err := b.env.Provisioner.Address(ctx, host.ID)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := b.saveHostState(hostState{ID: host.ID, Address: address}); err != nil {
			return errors.WithStack(err)
		}
		grip.Info(message.Fields{
			"message": "provisioned build host",
			"backend": b.name,
			"host_id": host.ID,
			"address": address,
		})
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	for _, cmd := range b.initCommands() {
		if _, err := runner.Run(ctx, cmd.String()); err != nil {
			return errors.Wrapf(err, "preparing host for '%s'", b.name)
		}
	}
	return nil
}

// Teardown destroys the job's ephemeral host. Destroying a host that is
// already gone is treated as already complete.
func (b *Backend) Teardown(ctx context.Context) error {
	if b.fixedHost != nil {
		return b.teardownFixed(ctx)
	}

	state, err := b.loadHostState()
	if err != nil {
		grip.Info(message.Fields{
			"message": "destroy already completed",
			"backend": b.name,
		})
		return nil
	}
	if err := b.env.Provisioner.Destroy(ctx, state.ID); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(os.Remove(b.hostStatePath()), "removing host state")
}

// teardownFixed cleans the job's residue off a shared host instead of
// destroying it.
func (b *Backend) teardownFixed(ctx context.Context) error {
	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	cmd := remote.Command{Sudo: true, Tool: "rm", Args: []string{"-rf", b.imagesDir}}
	if b.job.ImageKind == alcib.ImageDocker {
		home := "/home/" + b.user
		cmd = remote.Command{Sudo: true, Tool: "rm", Args: []string{
			"-rf", home + "/docker-images", home + "/docker-tmp", home + "/.aws",
		}}
	}
	out, err := runner.Run(ctx, cmd.String())
	if err != nil {
		return errors.Wrapf(err, "cleaning shared host for '%s'", b.name)
	}
	grip.Info(message.Fields{
		"message": "cleaned shared build host",
		"backend": b.name,
		"output":  out,
	})
	return nil
}

func desktopCreateOpts(job alcib.BuildJob, _ *alcib.Settings, _ string) (cloud.CreateOptions, error) {
	opts := cloud.CreateOptions{
		KeyName: "alcib",
	}
	// docker builds need beefier general-purpose instances; everything
	// else runs on the per-hypervisor metal instances the templates pick
	if job.ImageKind == alcib.ImageDocker {
		if job.Arch == alcib.ArchAarch64 {
			opts.AMI = "ami-070a38d61ee1ea697"
			opts.InstanceType = "t4g.large"
		} else {
			opts.AMI = "ami-0732b50c88bd647f2"
			opts.InstanceType = "t3.medium"
		}
		return opts, nil
	}
	if job.Arch == alcib.ArchAarch64 {
		opts.AMI = "ami-070a38d61ee1ea697"
		opts.InstanceType = "c6g.metal"
		return opts, nil
	}
	opts.AMI = "ami-0732b50c88bd647f2"
	opts.InstanceType = "c5.metal"
	return opts, nil
}
