package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/pkgdelta"
	"github.com/almalinux/alcib/remote"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const dockerImagesRemote = "git@github.com:AlmaLinux/docker-images.git"

func (b *Backend) dockerHome() string {
	if b.user == "root" {
		return "/root"
	}
	return "/home/" + b.user
}

func (b *Backend) dockerTmp() string    { return b.dockerHome() + "/docker-tmp" }
func (b *Backend) dockerImages() string { return b.dockerHome() + "/docker-images" }

func (b *Backend) dockerConfDir(conf string) string {
	return fmt.Sprintf("%s_%s-%s", conf, b.job.Arch, conf)
}

func (b *Backend) dockerRootfsName(conf string) string {
	return fmt.Sprintf("almalinux-%s-docker-%s-%s.tar.xz", b.job.OSMajorVer, b.job.Arch, conf)
}

// BuildDocker builds every configured rootfs flavor with the docker-images
// build script and stages the results into the release working tree.
func (b *Backend) BuildDocker(ctx context.Context) error {
	s := b.env.Settings
	configs := s.Docker.Configurations
	if len(configs) == 0 {
		return alcib.NewConfigurationErrorf("no docker configurations to build")
	}

	if err := b.env.VCS.MergeUpstream(ctx, "docker-images", "master"); err != nil {
		return errors.WithStack(err)
	}
	branch, err := b.env.VCS.LatestBranch(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	home := b.dockerHome()
	tmp := b.dockerTmp()
	images := b.dockerImages()

	prep := bashf("mkdir -p %s/.aws %s && sudo chown -R %s:%s %s %s %s/.aws",
		home, tmp, b.user, b.user, tmp, images, home)
	if _, err := runner.Run(ctx, prep.String()); err != nil {
		return errors.Wrap(err, "preparing docker build host")
	}
	if err := runner.Upload(s.SSH.KeyPath, home+"/aws_test"); err != nil {
		return errors.Wrap(err, "pushing build key")
	}
	if err := runner.Put(strings.NewReader(s.SSH.ClientConfig), home+"/.ssh/config"); err != nil {
		return errors.Wrap(err, "pushing ssh client config")
	}
	if err := runner.Put(strings.NewReader(b.awsCredentialsFile()), home+"/.aws/credentials"); err != nil {
		return errors.Wrap(err, "pushing aws credentials")
	}
	if err := runner.Put(strings.NewReader(awsConfigFile()), home+"/.aws/config"); err != nil {
		return errors.Wrap(err, "pushing aws config")
	}

	clone := bashf(
		"chmod 600 %s/.ssh/config && chmod 600 %s/aws_test && git clone %s %s && cd %s && git checkout %s && git config --global user.name 'alcib' && git config --global user.email 'alcib@almalinux.org'",
		home, home, dockerImagesRemote, tmp, tmp, branch)
	if _, err := runner.Run(ctx, clone.String()); err != nil {
		return errors.Wrap(err, "cloning docker-images working tree")
	}

	for _, conf := range configs {
		if err := b.buildDockerConf(ctx, runner, conf); err != nil {
			return errors.Wrapf(err, "building docker config '%s'", conf)
		}
	}
	return nil
}

func (b *Backend) buildDockerConf(ctx context.Context, runner remote.Runner, conf string) error {
	images := b.dockerImages()

	reset := bashf("cd %s && git reset --hard && git checkout master && git pull", images)
	if _, err := runner.Run(ctx, reset.String()); err != nil {
		return errors.Wrap(err, "resetting docker-images checkout")
	}

	buildLog := fmt.Sprintf("%s_%s_%s_build_%s.log",
		alcib.ImageName(b.job.ImageKind), conf, b.job.Arch, b.job.DateSuffix())
	build := remote.Command{
		Dir: images, Sudo: true,
		Tool: "./build.sh", Args: []string{"-o", conf, "-t", conf},
		TeeLog: buildLog,
	}
	if _, err := runner.Run(ctx, build.String()); err != nil {
		return errors.Wrap(err, "running build.sh")
	}

	confDir := b.dockerConfDir(conf)
	grip.Error(message.WrapError(
		runner.Download(
			fmt.Sprintf("%s/%s/logs/%s", images, confDir, buildLog),
			fmt.Sprintf("%s-%s", b.name, buildLog)),
		message.Fields{
			"message": "downloading docker build log",
			"config":  conf,
		}))

	files := []string{
		fmt.Sprintf("%s/logs/%s_%s_%s_build*.log", confDir, alcib.ImageName(b.job.ImageKind), conf, b.job.Arch),
		fmt.Sprintf("%s/Dockerfile-%s-%s", confDir, b.job.Arch, conf),
		fmt.Sprintf("%s/rpm-packages-%s-%s", confDir, b.job.Arch, conf),
		fmt.Sprintf("%s/%s", confDir, b.dockerRootfsName(conf)),
	}
	if err := b.uploadArtifacts(ctx, runner, images, files); err != nil {
		return errors.WithStack(err)
	}

	if _, err := runner.Run(ctx, b.stageConfCommand(conf).String()); err != nil {
		return errors.Wrap(err, "staging artifacts into working tree")
	}
	grip.Info(message.Fields{
		"message": "docker image built",
		"config":  conf,
		"arch":    b.job.Arch,
	})
	return nil
}

// stageConfCommand copies one config's Dockerfile, manifest, and rootfs from
// its build directory into the release working tree, renaming the manifest to
// its per-config name.
func (b *Backend) stageConfCommand(conf string) remote.Command {
	tmp := b.dockerTmp()
	images := b.dockerImages()
	confDir := b.dockerConfDir(conf)
	return bashf(
		"cp %s/%s/Dockerfile-%s-%s %s/ && cp %s/%s/rpm-packages-%s-%s %s/ && cp %s/%s/%s %s/ && mv %s/rpm-packages-%s-%s %s/rpm-packages-%s",
		images, confDir, b.job.Arch, conf, tmp,
		images, confDir, b.job.Arch, conf, tmp,
		images, confDir, b.dockerRootfsName(conf), tmp,
		tmp, b.job.Arch, conf, tmp, conf)
}

// rpmChangelogSource reads package changelogs with rpm inside the extracted
// rootfs on the build host.
type rpmChangelogSource struct {
	runner remote.Runner
	root   string
}

func (s *rpmChangelogSource) Changelog(ctx context.Context, pkg string) (string, error) {
	cmd := remote.Command{Sudo: true, Tool: "chroot", Args: []string{s.root, "rpm", "-q", "--changelog", pkg}}
	out, err := s.runner.Run(ctx, cmd.String())
	return out, errors.Wrapf(err, "reading changelog of '%s'", pkg)
}

// CreateReleaseBranch diffs each flavor's package manifest against the
// previous release, synthesizes the commit message from the upgrades' rpm
// changelogs, and pushes everything to the dated release branch.
func (b *Backend) CreateReleaseBranch(ctx context.Context) error {
	s := b.env.Settings
	configs := s.Docker.Configurations
	branch := b.job.ReleaseBranch(s.AlmaVersion)

	if err := b.env.VCS.EnsureReleaseBranch(ctx, branch); err != nil {
		return errors.WithStack(err)
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	tmp := b.dockerTmp()
	title := fmt.Sprintf("Updates AlmaLinux %s %s %s rootfs",
		s.AlmaVersion, b.job.Arch, strings.Join(configs, ", "))

	// micro ships no rpm database, so its manifest cannot produce notes
	noteConfigs := []string{}
	for _, conf := range configs {
		if conf != "micro" {
			noteConfigs = append(noteConfigs, conf)
		}
	}

	notes := []string{}
	for _, conf := range noteConfigs {
		diff := bashf("cd %s && git diff --unified=0 %s/rpm-packages-%s | grep '^[+|-][^+|-]' || true",
			tmp, tmp, conf)
		out, err := runner.Run(ctx, diff.String())
		if err != nil {
			return errors.Wrapf(err, "diffing manifest of '%s'", conf)
		}
		deltas := pkgdelta.ParseDiff(out)

		root := fmt.Sprintf("%s/fake-root-%s", tmp, conf)
		extract := bashf("mkdir -p %s && sudo chown -R %s:%s %s && tar -xf %s/%s -C %s",
			root, b.user, b.user, root, tmp, b.dockerRootfsName(conf), root)
		if _, err := runner.Run(ctx, extract.String()); err != nil {
			return errors.Wrapf(err, "extracting rootfs of '%s'", conf)
		}

		source := &rpmChangelogSource{runner: runner, root: root}
		notes = append(notes, pkgdelta.Report(ctx, source, deltas)...)
	}
	commitMsg := pkgdelta.CommitMessage(title, notes)

	checkout := bashf("cd %s && git reset --hard && git fetch && git checkout %s && git pull", tmp, branch)
	if _, err := runner.Run(ctx, checkout.String()); err != nil {
		return errors.Wrap(err, "checking out release branch")
	}

	// the hard reset above reverted the tracked manifests and Dockerfiles;
	// restage every config from its build directory before committing
	for _, conf := range configs {
		if _, err := runner.Run(ctx, b.stageConfCommand(conf).String()); err != nil {
			return errors.Wrapf(err, "restaging artifacts of '%s'", conf)
		}
	}

	commit := bashf("cd %s && git add Dockerfile-%s* rpm-packages* *.tar.xz && git commit -m '%s' && git push origin %s",
		tmp, b.job.Arch, strings.ReplaceAll(commitMsg, "'", ""), branch)
	if _, err := runner.Run(ctx, commit.String()); err != nil {
		return errors.Wrap(err, "pushing release branch")
	}
	grip.Info(message.Fields{
		"message": "pushed docker release branch",
		"branch":  branch,
		"commit":  commitMsg,
	})
	return nil
}
