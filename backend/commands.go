package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/cloud"
	"github.com/almalinux/alcib/remote"
	"github.com/pkg/errors"
)

const (
	qemuBinary   = "/usr/libexec/qemu-kvm"
	uefiFirmware = "/usr/share/edk2.git/ovmf-x64/OVMF_CODE-pure-efi.fd"
	awsRegion    = "us-east-1"
	awsRoleName  = "alma-images-prod-role"
)

// amiState is the hand-off record between the AWS stage-1 build and stage 2,
// and between the build and release stages of the AMI flow.
type amiState struct {
	ID string `json:"ami_id"`
}

func amiStatePath(stateDir, arch string) string {
	return filepath.Join(stateDir, fmt.Sprintf("ami-%s.json", arch))
}

func saveAMIState(stateDir, arch, amiID string) error {
	data, err := json.Marshal(amiState{ID: amiID})
	if err != nil {
		return errors.Wrap(err, "marshalling AMI state")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return errors.Wrap(err, "creating state dir")
	}
	return errors.Wrap(os.WriteFile(amiStatePath(stateDir, arch), data, 0o644), "writing AMI state")
}

func loadAMIState(stateDir, arch string) (string, error) {
	data, err := os.ReadFile(amiStatePath(stateDir, arch))
	if err != nil {
		return "", errors.Wrap(err, "reading AMI state; did the stage-1 build run?")
	}
	state := amiState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", errors.Wrap(err, "unmarshalling AMI state")
	}
	return state.ID, nil
}

// stage2CreateOpts boots the stage-2 host from the AMI the stage-1 build
// handed off.
func stage2CreateOpts(job alcib.BuildJob, _ *alcib.Settings, stateDir string) (cloud.CreateOptions, error) {
	amiID, err := loadAMIState(stateDir, job.Arch)
	if err != nil {
		return cloud.CreateOptions{}, errors.WithStack(err)
	}
	return cloud.CreateOptions{
		AMI:          amiID,
		InstanceType: "t3.medium",
		KeyName:      "alcib",
	}, nil
}

// initCommands prepares the build host after provisioning. Ephemeral hosts
// arrive pre-baked from their AMI; the shared equinix server gets a fresh
// checkout instead.
func (b *Backend) initCommands() []remote.Command {
	if b.name == alcib.ProviderNameEquinix {
		return []remote.Command{
			{Tool: "git", Args: []string{"clone", "https://github.com/AlmaLinux/cloud-images.git", b.imagesDir}},
		}
	}
	return nil
}

func (b *Backend) packerInit() remote.Command {
	if b.name == alcib.ProviderNameAWSStage2 {
		return remote.Command{Dir: b.imagesDir, Sudo: true, Tool: b.packerBin, Args: []string{"init", "."}}
	}
	cmd := remote.Command{Tool: b.packerBin, Args: []string{"init", b.imagesDir}, PowerShell: b.powershell}
	return cmd
}

// awsEnv is exported on every command that talks to AWS from the build host.
func (b *Backend) awsEnv() map[string]string {
	return map[string]string{
		"AWS_DEFAULT_REGION":    awsRegion,
		"AWS_ACCESS_KEY_ID":     b.env.Settings.AWS.KeyID,
		"AWS_SECRET_ACCESS_KEY": b.env.Settings.AWS.Secret,
	}
}

// buildPass is one packer invocation with its tee'd log file.
type buildPass struct {
	cmd remote.Command
	log string
}

func secondLog(log string) string {
	return strings.TrimSuffix(log, ".log") + "_2.log"
}

// buildPasses returns the packer invocations for the job's image kind in run
// order. The template selectors branch on OS major version and architecture
// the same way the cloud-images repo names its build blocks.
func (b *Backend) buildPasses() ([]buildPass, error) {
	major := b.job.OSMajorVer
	log := b.job.LogName(alcib.StageBuild)

	switch b.job.ImageKind {
	case alcib.ImageVagrantBox:
		cmd, err := b.vagrantCommand(log)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return []buildPass{{cmd: cmd, log: log}}, nil

	case alcib.ImageGenericCloud:
		if b.name == alcib.ProviderNameEquinix {
			return []buildPass{{
				cmd: b.qemuBuild(log, fmt.Sprintf("qemu.almalinux-%s-gencloud-aarch64", major)),
				log: log,
			}}, nil
		}
		passes := []buildPass{{
			cmd: b.qemuBuild(log, fmt.Sprintf("qemu.almalinux-%s-gencloud-x86_64", major), "-var", firmwareVar()),
			log: log,
		}}
		// major 8 templates build the UEFI variant in a separate pass
		if major == "8" {
			log2 := secondLog(log)
			passes = append(passes, buildPass{
				cmd: b.qemuBuild(log2, fmt.Sprintf("qemu.almalinux-%s-gencloud-uefi-x86_64", major), "-var", firmwareVar()),
				log: log2,
			})
		}
		return passes, nil

	case alcib.ImageOpenNebula:
		if b.name == alcib.ProviderNameEquinix {
			return []buildPass{{
				cmd: b.qemuBuild(log, fmt.Sprintf("qemu.almalinux-%s-opennebula-aarch64", major)),
				log: log,
			}}, nil
		}
		vars := []string{}
		if major != "8" {
			vars = append(vars, "-var", firmwareVar())
		}
		return []buildPass{{
			cmd: b.qemuBuild(log, fmt.Sprintf("qemu.almalinux-%s-opennebula-x86_64", major), vars...),
			log: log,
		}}, nil
	}

	return nil, alcib.NewConfigurationErrorf("no build command for image kind '%s' on '%s'", b.job.ImageKind, b.name)
}

func firmwareVar() string {
	return fmt.Sprintf("firmware_x86_64='%s'", uefiFirmware)
}

func (b *Backend) qemuBuild(log, selector string, extraVars ...string) remote.Command {
	args := []string{"build", "-var", fmt.Sprintf("qemu_binary='%s'", qemuBinary)}
	args = append(args, extraVars...)
	args = append(args, "-only="+selector, ".")
	return remote.Command{Dir: b.imagesDir, Tool: b.packerBin, Args: args, TeeLog: log}
}

func (b *Backend) vagrantCommand(log string) (remote.Command, error) {
	major := b.job.OSMajorVer
	switch b.name {
	case alcib.ProviderNameVirtualBox:
		return remote.Command{
			Dir: b.imagesDir, Tool: b.packerBin,
			Args:   []string{"build", fmt.Sprintf("-only=virtualbox-iso.almalinux-%s", major), "."},
			TeeLog: log,
		}, nil
	case alcib.ProviderNameVMWareDesktop:
		return remote.Command{
			Dir: b.imagesDir, Tool: b.packerBin,
			Args:   []string{"build", fmt.Sprintf("-only=vmware-iso.almalinux-%s", major), "."},
			TeeLog: log,
		}, nil
	case alcib.ProviderNameKVM:
		return b.qemuBuild(log, fmt.Sprintf("qemu.almalinux-%s", major)), nil
	case alcib.ProviderNameHyperV:
		return remote.Command{
			Dir: b.imagesDir, Tool: b.packerBin,
			Args: []string{
				"build",
				"-var", `hyperv_switch_name="HyperV-vSwitch"`,
				fmt.Sprintf(`-only="hyperv-iso.almalinux-%s"`, major),
				".",
			},
			TeeLog:     b.imagesDir + `\` + log,
			PowerShell: true,
		}, nil
	}
	return remote.Command{}, alcib.NewConfigurationErrorf("'%s' cannot build a vagrant box", b.name)
}

// buildArtifacts lists the globs uploaded to the job namespace after a build
// pass, build logs excluded.
func (b *Backend) buildArtifacts() []string {
	major := b.job.OSMajorVer
	switch b.job.ImageKind {
	case alcib.ImageGenericCloud:
		files := []string{fmt.Sprintf("output-almalinux-%s-gencloud-%s/*.qcow2", major, b.job.Arch)}
		if major == "8" && b.name != alcib.ProviderNameEquinix {
			files = append(files, fmt.Sprintf("output-almalinux-%s-gencloud-uefi-%s/*.qcow2", major, b.job.Arch))
		}
		return files
	case alcib.ImageOpenNebula:
		return []string{fmt.Sprintf("output-almalinux-%s-opennebula-%s/*.qcow2", major, b.job.Arch)}
	}
	return []string{"*.box"}
}

// awsBuildCommand returns the packer invocation for the AMI flow: the
// stage-1 variants on the kvm backend, the chroot rebuild on aws-stage-2.
func (b *Backend) awsBuildCommand(log string) remote.Command {
	major := b.job.OSMajorVer

	if b.name == alcib.ProviderNameAWSStage2 {
		return remote.Command{
			Dir: b.imagesDir, Sudo: true, Env: b.awsEnv(),
			Tool:   b.packerBin,
			Args:   []string{"build", fmt.Sprintf("-only=amazon-chroot.almalinux-%s-aws-stage2", major), "."},
			TeeLog: log,
		}
	}

	cmd := remote.Command{Dir: b.imagesDir, Env: b.awsEnv(), Tool: b.packerBin, TeeLog: log}
	if major == "8" {
		if b.job.Arch == alcib.ArchX8664 {
			cmd.Args = []string{
				"build",
				"-var", fmt.Sprintf("aws_s3_bucket_name='%s'", b.env.Settings.AWS.Bucket),
				"-var", fmt.Sprintf("qemu_binary='%s'", qemuBinary),
				"-var", fmt.Sprintf("aws_role_name='%s'", awsRoleName),
				fmt.Sprintf("-only=qemu.almalinux-%s-aws-stage1", major),
				".",
			}
		} else {
			cmd.Args = []string{
				"build",
				fmt.Sprintf("-only=amazon-ebssurrogate.almalinux-%s-aws-aarch64", major),
				".",
			}
		}
		return cmd
	}
	cmd.Args = []string{
		"build",
		fmt.Sprintf("-only=amazon-ebssurrogate.almalinux-%s-ami-%s", major, b.job.Arch),
		".",
	}
	return cmd
}
