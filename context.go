package alcib

import (
	"fmt"
	"strings"
	"time"
)

// BuildJob is one (hypervisor, image kind, architecture, build number) unit
// of work. It is immutable once created; Timestamp and BuildNumber together
// namespace every artifact of the run, so retried or concurrent runs never
// collide.
type BuildJob struct {
	Hypervisor  string
	ImageKind   string
	Arch        string
	BuildNumber string
	OSMajorVer  string
	Timestamp   time.Time
}

// NewBuildJob stamps a job with the current time.
func NewBuildJob(hypervisor, imageKind, arch, buildNumber, osMajorVer string) BuildJob {
	return BuildJob{
		Hypervisor:  hypervisor,
		ImageKind:   imageKind,
		Arch:        arch,
		BuildNumber: buildNumber,
		OSMajorVer:  osMajorVer,
		Timestamp:   time.Now(),
	}
}

// DateStamp returns the job date as YYYYMMDD, used in storage namespaces and
// release branch names.
func (j BuildJob) DateStamp() string {
	return j.Timestamp.Format("20060102")
}

// DateSuffix returns a per-invocation suffix for log file names, precise
// enough to keep logs from successive stage runs apart.
func (j BuildJob) DateSuffix() string {
	return j.Timestamp.Format("20060102_150405")
}

// Namespace returns the storage prefix owning every artifact of this job:
// {buildNumber}-{imageKind}-{hypervisor}-{arch}-{date}.
func (j BuildJob) Namespace() string {
	return strings.Join([]string{
		j.BuildNumber,
		ImageName(j.ImageKind),
		j.Hypervisor,
		j.Arch,
		j.DateStamp(),
	}, "-")
}

// LogName returns the canonical build log name for this job, for example
// "GenericCloud_x86_64_build_20211028_153045.log".
func (j BuildJob) LogName(stage string) string {
	return fmt.Sprintf("%s_%s_%s_%s.log", ImageName(j.ImageKind), j.Arch, stage, j.DateSuffix())
}

// ReleaseBranch returns the docker-images release branch for this job's
// date, "al-{osVersion}-{date}".
func (j BuildJob) ReleaseBranch(osVersion string) string {
	return fmt.Sprintf("al-%s-%s", osVersion, j.DateStamp())
}
