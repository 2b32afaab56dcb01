package alcib

import (
	"strings"
)

// alcib is the AlmaLinux cloud image builder: it drives packer-based image
// builds across a set of hypervisor backends, persisting artifacts to an
// object store namespaced per build.

const (
	// Stages of a build pipeline. Stage sequencing is driven by the
	// caller (CI job definitions), not by this package.
	StageInit        = "init"
	StageBuild       = "build"
	StageTest        = "test"
	StageRelease     = "release"
	StageDestroy     = "destroy"
	StagePullRequest = "pullrequest"

	// Image kinds. The values match the external build configuration
	// verbatim, embedded spaces included.
	ImageVagrantBox   = "Vagrant Box"
	ImageGenericCloud = "GenericCloud"
	ImageOpenNebula   = "OpenNebula"
	ImageAWSAMI       = "AWS AMI"
	ImageDocker       = "Docker"

	// Architectures.
	ArchX8664   = "x86_64"
	ArchAarch64 = "aarch64"
	ArchPpc64le = "ppc64le"

	// Hypervisor backend identifiers.
	ProviderNameHyperV        = "hyperv"
	ProviderNameVirtualBox    = "virtualbox"
	ProviderNameKVM           = "kvm"
	ProviderNameVMWareDesktop = "vmware_desktop"
	ProviderNameAWSStage2     = "aws-stage-2"
	ProviderNameEquinix       = "equinix"
)

// Stages lists every stage accepted by the dispatcher.
var Stages = []string{
	StageInit,
	StageBuild,
	StageTest,
	StageRelease,
	StageDestroy,
	StagePullRequest,
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s string) bool {
	for _, stage := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// ValidArch reports whether a names a buildable architecture.
func ValidArch(a string) bool {
	return a == ArchX8664 || a == ArchAarch64 || a == ArchPpc64le
}

// ImageName returns the image kind with spaces replaced by underscores, the
// form used in artifact keys and log file names.
func ImageName(imageKind string) string {
	return strings.ReplaceAll(imageKind, " ", "_")
}
