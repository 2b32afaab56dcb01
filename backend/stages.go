package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/remote"
	"github.com/almalinux/alcib/transfer"
	"github.com/mitchellh/mapstructure"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

var amiIDRegexp = regexp.MustCompile(`ami-[0-9a-f]+`)

func (b *Backend) remotePath(name string) string {
	if b.powershell {
		return b.imagesDir + `\` + name
	}
	return b.imagesDir + "/" + name
}

// bashf builds a quoted bash -c invocation, for steps that need shell
// globbing or redirection on the remote host.
func bashf(format string, args ...interface{}) remote.Command {
	return remote.Command{
		Tool: "bash",
		Args: []string{"-c", fmt.Sprintf(`"`+format+`"`, args...)},
	}
}

func (b *Backend) uploadArtifacts(ctx context.Context, runner remote.Runner, dir string, files []string) error {
	return transfer.UploadWithChecksum(ctx, runner, b.env.Settings.AWS.Bucket, b.job.Namespace(), dir, files)
}

// fetchLog pulls a log off the build host; a missing log never fails the
// stage that produced it.
func (b *Backend) fetchLog(runner remote.Runner, log string) {
	grip.Error(message.WrapError(
		runner.Download(b.remotePath(log), fmt.Sprintf("%s-%s", b.name, log)),
		message.Fields{
			"message": "downloading log",
			"log":     log,
			"backend": b.name,
		}))
}

// BuildImage runs the packer passes for the job's image kind. Artifacts and
// logs are uploaded to the job namespace even when a pass fails; the build
// error still decides the stage outcome.
func (b *Backend) BuildImage(ctx context.Context) error {
	passes, err := b.buildPasses()
	if err != nil {
		return errors.WithStack(err)
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	if _, err := runner.Run(ctx, b.packerInit().String()); err != nil {
		return errors.Wrap(err, "initializing packer")
	}

	logs := []string{}
	var buildErr error
	for _, pass := range passes {
		logs = append(logs, pass.log)
		if _, err := runner.Run(ctx, pass.cmd.String()); err != nil {
			buildErr = errors.Wrapf(err, "building %s on '%s'", b.job.ImageKind, b.name)
			break
		}
		b.fetchLog(runner, pass.log)
	}

	files := append(logs, b.buildArtifacts()...)
	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, files); err != nil {
		if buildErr == nil {
			return errors.Wrap(err, "uploading build artifacts")
		}
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading artifacts of failed build",
			"backend": b.name,
		}))
	}
	return buildErr
}

// Test boots the built vagrant box on the build host and runs the image test
// suite against it.
func (b *Backend) Test(ctx context.Context) error {
	if b.powershell {
		return b.testHyperV(ctx)
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	major := b.job.OSMajorVer
	env := map[string]string{"OS_MAJOR_VER": major}
	prep := []remote.Command{
		{Dir: b.imagesDir, Tool: "cp", Args: []string{"tests/vagrant/Vagrantfile", "."}},
		{Dir: b.imagesDir, Env: env, Tool: "vagrant", Args: []string{
			"box", "add", "--name", fmt.Sprintf("almalinux-%s-test", major), "*.box",
		}},
		{Dir: b.imagesDir, Env: env, Tool: "vagrant", Args: []string{"up"}},
		{Dir: b.imagesDir, Tool: "bash", Args: []string{"-c", `"vagrant ssh-config > .vagrant/ssh-config"`}},
	}
	for _, cmd := range prep {
		if _, err := runner.Run(ctx, cmd.String()); err != nil {
			return errors.Wrap(err, "preparing vagrant box test")
		}
	}

	testLog := fmt.Sprintf("vagrant_box_test_%s.log", b.job.DateSuffix())
	test := remote.Command{
		Dir: b.imagesDir, Tool: "py.test",
		Args: []string{
			"-v", "--hosts=almalinux-test-1,almalinux-test-2",
			"--ssh-config=.vagrant/ssh-config",
			b.imagesDir + "/tests/vagrant/test_vagrant.py",
		},
		TeeLog: testLog,
	}
	_, testErr := runner.Run(ctx, test.String())
	if testErr == nil {
		b.fetchLog(runner, testLog)
	}

	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{"vagrant_box_test*.log"}); err != nil {
		if testErr == nil {
			return errors.Wrap(err, "uploading test log")
		}
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading log of failed test",
			"backend": b.name,
		}))
	}
	return errors.Wrap(testErr, "testing vagrant box")
}

func (b *Backend) testHyperV(ctx context.Context) error {
	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	s := b.env.Settings
	major := b.job.OSMajorVer
	env := map[string]string{
		"SMB_USERNAME": s.Windows.SMBUsername,
		"SMB_PASSWORD": s.Windows.SMBPassword,
		"OS_MAJOR_VER": major,
	}
	prep := []remote.Command{
		{Dir: b.imagesDir, Env: env, Tool: "cp", Args: []string{`tests\vagrant\Vagrantfile`, "."}, PowerShell: true},
		{Dir: b.imagesDir, Env: env, Tool: "vagrant", Args: []string{
			"box", "add", "--name", fmt.Sprintf("almalinux-%s-test", major), "*.box",
		}, PowerShell: true},
		{Dir: b.imagesDir, Env: env, Tool: "vagrant", Args: []string{"up"}, PowerShell: true},
		{Dir: b.imagesDir, Tool: "vagrant", Args: []string{
			"ssh-config", "|", "Out-File", "-Encoding", "ascii", "-FilePath", ".vagrant/ssh-config",
		}, PowerShell: true},
	}
	for _, cmd := range prep {
		if _, err := runner.Run(ctx, cmd.String()); err != nil {
			return errors.Wrap(err, "preparing vagrant box test")
		}
	}

	testLog := fmt.Sprintf("vagrant_box_test_%s.log", b.job.DateSuffix())
	test := remote.Command{
		Dir: b.imagesDir, Tool: "py.test",
		Args: []string{
			"-v", "--hosts=almalinux-test-1,almalinux-test-2",
			"--ssh-config=.vagrant/ssh-config",
			b.imagesDir + `\tests\vagrant\test_vagrant.py`,
		},
		TeeLog:     b.imagesDir + `\` + testLog,
		PowerShell: true,
	}
	_, testErr := runner.Run(ctx, test.String())
	if testErr == nil {
		b.fetchLog(runner, testLog)
	}

	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{testLog}); err != nil {
		if testErr == nil {
			return errors.Wrap(err, "uploading test log")
		}
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading log of failed test",
			"backend": b.name,
		}))
	}
	return errors.Wrap(testErr, "testing vagrant box")
}

func (b *Backend) awsCredentialsFile() string {
	s := b.env.Settings
	return fmt.Sprintf("[default]\naws_access_key_id = %s\naws_secret_access_key = %s\n", s.AWS.KeyID, s.AWS.Secret)
}

func awsConfigFile() string {
	return fmt.Sprintf("[default]\nregion = %s\noutput = json\n", awsRegion)
}

// testArchDir maps the job architecture onto the test template directory
// layout, which uses amd64 for x86_64.
func (b *Backend) testArchDir() string {
	if b.job.Arch == alcib.ArchAarch64 {
		return b.job.Arch
	}
	return "amd64"
}

func (b *Backend) pushTestKey(ctx context.Context, runner remote.Runner, home string) error {
	if err := runner.Upload(b.env.Settings.SSH.KeyPath, home+"/.ssh/alcib_rsa4096"); err != nil {
		return errors.Wrap(err, "uploading test ssh key")
	}
	chmod := remote.Command{Sudo: true, Tool: "chmod", Args: []string{"600", home + "/.ssh/alcib_rsa4096"}}
	if _, err := runner.Run(ctx, chmod.String()); err != nil {
		return errors.Wrap(err, "restricting test ssh key")
	}
	return nil
}

// TestAMI launches two test instances from the registered AMI with the test
// templates and runs the AMI test suite against them.
func (b *Backend) TestAMI(ctx context.Context) error {
	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	home := "/home/" + b.user
	if err := b.pushTestKey(ctx, runner, home); err != nil {
		return errors.WithStack(err)
	}

	testPath := fmt.Sprintf("%s/tests/ami/launch_test_instances/%s", b.imagesDir, b.testArchDir())
	if b.job.OSMajorVer != "8" {
		fix := bashf(`sed -i 's/AlmaLinux OS 8./AlmaLinux OS %s./g' %s/*.tf`, b.job.OSMajorVer, testPath)
		if _, err := runner.Run(ctx, fix.String()); err != nil {
			return errors.Wrap(err, "adjusting test templates")
		}
	}

	setup := bashf("mkdir -p %s/.aws && sudo chown -R %s:%s %s/.aws", home, b.user, b.user, home)
	if _, err := runner.Run(ctx, setup.String()); err != nil {
		return errors.Wrap(err, "preparing aws client config")
	}
	if err := runner.Put(strings.NewReader(b.awsCredentialsFile()), home+"/.aws/credentials"); err != nil {
		return errors.Wrap(err, "pushing aws credentials")
	}
	if err := runner.Put(strings.NewReader(awsConfigFile()), home+"/.aws/config"); err != nil {
		return errors.Wrap(err, "pushing aws config")
	}

	steps := []remote.Command{
		{Dir: testPath, Tool: "terraform", Args: []string{"init"}},
		{Dir: testPath, Tool: "terraform", Args: []string{"fmt"}},
		{Dir: testPath, Tool: "terraform", Args: []string{"validate"}},
		{Dir: testPath, Env: b.awsEnv(), Tool: "terraform", Args: []string{"plan"}},
		{Dir: testPath, Env: b.awsEnv(), Tool: "terraform", Args: []string{"apply", "--auto-approve"}},
	}
	for _, cmd := range steps {
		if _, err := runner.Run(ctx, cmd.String()); err != nil {
			return errors.Wrap(err, "launching test instances")
		}
	}

	output := remote.Command{Dir: testPath, Env: b.awsEnv(), Tool: "terraform", Args: []string{"output", "--json"}}
	out, err := runner.Run(ctx, output.String())
	if err != nil {
		return errors.Wrap(err, "reading test instance ids")
	}
	ids, err := parseTestInstanceIDs(out)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, id := range ids {
		if err := b.env.Provisioner.WaitReady(ctx, id); err != nil {
			return errors.Wrapf(err, "waiting for test instance '%s'", id)
		}
	}

	testLog := fmt.Sprintf("aws_ami_test_%s.log", b.job.DateSuffix())
	test := remote.Command{
		Dir: b.imagesDir, Tool: "py.test",
		Args: []string{
			"-v", "--hosts=almalinux-test-1,almalinux-test-2",
			"--ssh-config=" + testPath + "/ssh-config",
			b.imagesDir + "/tests/ami/test_ami.py",
		},
		TeeLog: testLog,
	}
	_, testErr := runner.Run(ctx, test.String())

	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{"aws_ami_test*.log"}); err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading ami test log",
			"backend": b.name,
		}))
	}
	b.fetchLog(runner, testLog)

	destroy := remote.Command{Dir: testPath, Env: b.awsEnv(), Tool: "terraform", Args: []string{"destroy", "--auto-approve"}}
	if _, err := runner.Run(ctx, destroy.String()); err != nil {
		grip.Error(message.WrapError(err, message.Fields{
			"message": "destroying ami test instances",
			"backend": b.name,
		}))
	}
	return errors.Wrap(testErr, "testing AMI")
}

type terraformValue struct {
	Value string `mapstructure:"value"`
}

func parseTestInstanceIDs(raw string) ([]string, error) {
	// terraform output may be preceded by command echo noise; find the JSON
	start := strings.Index(raw, "{")
	if start < 0 {
		return nil, &alcib.ParseError{Input: raw, Cause: errors.New("no JSON in terraform output")}
	}
	parsed := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw[start:]), &parsed); err != nil {
		return nil, &alcib.ParseError{Input: raw, Cause: errors.Wrap(err, "decoding terraform output")}
	}
	outputs := struct {
		Instance1 terraformValue `mapstructure:"instance_id1"`
		Instance2 terraformValue `mapstructure:"instance_id2"`
	}{}
	if err := mapstructure.Decode(parsed, &outputs); err != nil {
		return nil, &alcib.ParseError{Input: raw, Cause: errors.Wrap(err, "decoding terraform output")}
	}

	ids := []string{}
	for _, v := range []terraformValue{outputs.Instance1, outputs.Instance2} {
		if v.Value != "" {
			ids = append(ids, v.Value)
		}
	}
	if len(ids) == 0 {
		return nil, &alcib.ParseError{Input: raw, Cause: errors.New("terraform output named no test instances")}
	}
	return ids, nil
}

// TestOpenStack uploads the built GenericCloud image into the test cloud,
// boots test instances from it, and runs the image test suite.
func (b *Backend) TestOpenStack(ctx context.Context) error {
	clouds, err := os.ReadFile(b.env.Settings.OpenStack.CloudsYAMLPath)
	if err != nil {
		return errors.Wrap(err, "reading clouds.yaml")
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	home := "/home/" + b.user
	if b.user == "root" {
		home = "/root"
	}
	if err := b.pushTestKey(ctx, runner, home); err != nil {
		return errors.WithStack(err)
	}
	mkConfig := remote.Command{Tool: "mkdir", Args: []string{"-p", home + "/.config/openstack"}}
	if _, err := runner.Run(ctx, mkConfig.String()); err != nil {
		return errors.Wrap(err, "preparing openstack config dir")
	}
	if err := runner.Put(strings.NewReader(string(clouds)), home+"/.config/openstack/clouds.yaml"); err != nil {
		return errors.Wrap(err, "pushing clouds.yaml")
	}

	archDir := b.testArchDir()
	testPath := b.imagesDir + "/tests/genericcloud"
	if err := b.prepareOpenStack(ctx, runner, archDir, testPath); err != nil {
		return errors.WithStack(err)
	}

	testLog := fmt.Sprintf("genericcloud_test_%s.log", b.job.DateSuffix())
	script := fmt.Sprintf("%s/launch_test_instances/%s/test_genericcloud.py", testPath, archDir)
	test := remote.Command{
		Dir: b.imagesDir, Tool: "py.test",
		Args: []string{
			"-v", "--hosts=almalinux-test-1,almalinux-test-2",
			fmt.Sprintf("--ssh-config=%s/launch_test_instances/%s/ssh-config", testPath, archDir),
			script,
		},
		TeeLog: testLog,
	}
	_, testErr := runner.Run(ctx, test.String())

	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{"genericcloud_test*.log"}); err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading openstack test log",
			"backend": b.name,
		}))
	}
	b.fetchLog(runner, testLog)

	for _, dir := range []string{"launch_test_instances", "upload_image"} {
		destroy := remote.Command{
			Dir:  fmt.Sprintf("%s/%s/%s", testPath, dir, archDir),
			Tool: "terraform", Args: []string{"destroy", "--auto-approve"},
		}
		if _, err := runner.Run(ctx, destroy.String()); err != nil {
			grip.Error(message.WrapError(err, message.Fields{
				"message": "destroying openstack test resources",
				"dir":     dir,
				"backend": b.name,
			}))
		}
	}
	return errors.Wrap(testErr, "testing openstack image")
}

func (b *Backend) prepareOpenStack(ctx context.Context, runner remote.Runner, archDir, testPath string) error {
	major := b.job.OSMajorVer
	if major != "8" {
		fix := bashf(
			`sed -i 's/-8-GenericCloud-8.6/-%s-GenericCloud-%s.0/g' %s/*/%s/*.tf && sed -i 's/AlmaLinux OS 8.6/AlmaLinux OS %s.0/g' %s/*/%s/*.tf`,
			major, major, testPath, archDir, major, testPath, archDir)
		if _, err := runner.Run(ctx, fix.String()); err != nil {
			return errors.Wrap(err, "adjusting openstack test templates")
		}
	}

	stage := bashf("cp %s/output-almalinux-%s-gencloud-%s/*.qcow2 %s/upload_image/%s/",
		b.imagesDir, major, b.job.Arch, testPath, archDir)
	if _, err := runner.Run(ctx, stage.String()); err != nil {
		return errors.Wrap(err, "staging image for upload")
	}

	for _, dir := range []string{"upload_image", "launch_test_instances"} {
		workDir := fmt.Sprintf("%s/%s/%s", testPath, dir, archDir)
		for _, args := range [][]string{
			{"init"}, {"fmt"}, {"validate"}, {"apply", "--auto-approve"},
		} {
			cmd := remote.Command{Dir: workDir, Tool: "terraform", Args: args}
			if _, err := runner.Run(ctx, cmd.String()); err != nil {
				return errors.Wrapf(err, "provisioning openstack %s", dir)
			}
		}
	}

	// the test instances need time to finish cloud-init before ssh works
	select {
	case <-time.After(2 * time.Minute):
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for openstack test instances")
	}
	return nil
}

var libvirtProviders = map[string]bool{
	alcib.ProviderNameKVM:     true,
	alcib.ProviderNameEquinix: true,
}

// boxProviderName maps the backend onto the provider name Vagrant Cloud
// expects: qemu-based backends publish as libvirt.
func (b *Backend) boxProviderName() string {
	if libvirtProviders[b.name] {
		return "libvirt"
	}
	return b.name
}

// Release publishes the built vagrant box to Vagrant Cloud: it registers the
// version and provider with the box checksum, then streams the box file from
// the build host straight to the upload URL.
func (b *Backend) Release(ctx context.Context) error {
	s := b.env.Settings
	version := s.Vagrant.Version
	if version == "" {
		return alcib.NewConfigurationErrorf("no release version configured")
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	out, err := runner.Run(ctx, bashf("sha256sum %s/*.box", b.imagesDir).String())
	if err != nil {
		return errors.Wrap(err, "computing box checksum")
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return &alcib.ParseError{Input: out, Cause: errors.New("empty checksum output")}
	}
	checksum := fields[0]

	if err := b.env.Publisher.EnsureVersion(ctx, version, s.Vagrant.Changelog); err != nil {
		return errors.WithStack(err)
	}
	provider := b.boxProviderName()
	if err := b.env.Publisher.RegisterProvider(ctx, version, provider, checksum); err != nil {
		return errors.WithStack(err)
	}
	uploadPath, err := b.env.Publisher.UploadPath(ctx, version, provider)
	if err != nil {
		return errors.WithStack(err)
	}

	upload := bashf("curl %s --request PUT --upload-file %s/*.box", uploadPath, b.imagesDir)
	if _, err := runner.Run(ctx, upload.String()); err != nil {
		return errors.Wrap(err, "uploading box to vagrant cloud")
	}
	grip.Info(message.Fields{
		"message":  "released vagrant box",
		"box":      s.Vagrant.Box,
		"version":  version,
		"provider": provider,
	})
	return nil
}

// ReleaseAndSign downloads the built qcow2 from the job namespace, stages it
// on the koji host with a signed checksum manifest, and kicks off the mirror
// sync on the repo host.
func (b *Backend) ReleaseAndSign(ctx context.Context) error {
	s := b.env.Settings
	major := b.job.OSMajorVer
	qcowName := fmt.Sprintf("almalinux-%s-%s-%s.%s.qcow2",
		major, alcib.ImageName(b.job.ImageKind), s.AlmaVersion, b.job.Arch)
	releasedName := fmt.Sprintf("AlmaLinux-%s-%s-%s-%s.%s.qcow2",
		major, alcib.ImageName(b.job.ImageKind), s.AlmaVersion, b.job.DateStamp(), b.job.Arch)
	latestName := fmt.Sprintf("AlmaLinux-%s-%s-latest.%s.qcow2",
		major, alcib.ImageName(b.job.ImageKind), b.job.Arch)

	workDir, err := os.MkdirTemp("", "alcib-release-")
	if err != nil {
		return errors.Wrap(err, "creating release work dir")
	}
	defer func() {
		grip.Error(message.WrapError(os.RemoveAll(workDir), message.Fields{
			"message": "removing release work dir",
			"dir":     workDir,
		}))
	}()

	if err := transfer.DownloadWithRetry(ctx, b.env.Bucket, b.job.Namespace(), qcowName, workDir, b.env.Retry); err != nil {
		return errors.WithStack(err)
	}

	ftpPath := fmt.Sprintf("/var/ftp/pub/cloudlinux/almalinux/%s/cloud/%s", major, b.job.Arch)
	koji, err := b.env.Connect(ctx, s.Hosts.KojiIP, "mockbuild")
	if err != nil {
		return errors.Wrap(err, "connecting to koji host")
	}
	defer func() {
		grip.Error(message.WrapError(koji.Close(), message.Fields{"message": "closing koji session"}))
	}()

	if err := koji.Upload(filepath.Join(workDir, qcowName), ftpPath+"/images/"+releasedName); err != nil {
		return errors.Wrap(err, "staging image on koji host")
	}

	link := remote.Command{Tool: "ln", Args: []string{"-sf",
		ftpPath + "/images/" + releasedName, ftpPath + "/images/" + latestName}}
	if _, err := koji.Run(ctx, link.String()); err != nil {
		return errors.Wrap(err, "updating latest link")
	}
	if _, err := koji.Run(ctx, bashf("sha256sum %s/images/*.qcow2 > %s/images/CHECKSUM", ftpPath, ftpPath).String()); err != nil {
		return errors.Wrap(err, "writing checksum manifest")
	}
	manifest, err := koji.Run(ctx, bashf("cat %s/images/CHECKSUM", ftpPath).String())
	if err != nil {
		return errors.Wrap(err, "reading checksum manifest")
	}

	signature, err := b.env.Signer.SignChecksum(ctx, manifest)
	if err != nil {
		return errors.Wrap(err, "signing checksum manifest")
	}
	if err := koji.Put(strings.NewReader(signature), ftpPath+"/images/CHECKSUM.asc"); err != nil {
		return errors.Wrap(err, "staging checksum signature")
	}

	deployTarget := fmt.Sprintf("deploy-repo-alma@%s:/repo/almalinux/%s/cloud/", s.Hosts.AlmaRepoIP, major)
	sync := remote.Command{Tool: "rsync", Args: []string{"-avSHP", ftpPath, deployTarget}}
	if _, err := koji.Run(ctx, sync.String()); err != nil {
		return errors.Wrap(err, "syncing release to repo host")
	}

	deploy, err := b.env.Connect(ctx, s.Hosts.AlmaRepoIP, "deploy-repo-alma")
	if err != nil {
		return errors.Wrap(err, "connecting to repo host")
	}
	defer func() {
		grip.Error(message.WrapError(deploy.Close(), message.Fields{"message": "closing repo session"}))
	}()
	kick := remote.Command{Tool: "systemctl", Args: []string{"start", "--no-block", "rsync-repo-alma"}}
	if _, err := deploy.Run(ctx, kick.String()); err != nil {
		return errors.Wrap(err, "starting repo sync")
	}
	return nil
}

// BuildAMI runs the AMI packer build for this backend's phase of the flow
// and hands the registered AMI ID off through the state dir.
func (b *Backend) BuildAMI(ctx context.Context) error {
	log := fmt.Sprintf("aws_ami_build_%s_%s.log", b.job.Arch, b.job.DateSuffix())
	if b.name == alcib.ProviderNameAWSStage2 {
		log = fmt.Sprintf("aws_ami_stage2_build_%s.log", b.job.DateSuffix())
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	if _, err := runner.Run(ctx, b.packerInit().String()); err != nil {
		return errors.Wrap(err, "initializing packer")
	}

	out, buildErr := runner.Run(ctx, b.awsBuildCommand(log).String())
	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{log}); err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "uploading ami build log",
			"backend": b.name,
		}))
	}
	b.fetchLog(runner, log)
	if buildErr != nil {
		return errors.Wrap(buildErr, "building AMI")
	}

	matches := amiIDRegexp.FindAllString(out, -1)
	if len(matches) == 0 {
		return &alcib.ParseError{Input: log, Cause: errors.New("no AMI ID in build output")}
	}
	amiID := matches[len(matches)-1]
	if err := saveAMIState(b.env.StateDir, b.job.Arch, amiID); err != nil {
		return errors.WithStack(err)
	}
	grip.Info(message.Fields{
		"message": "registered AMI",
		"ami":     amiID,
		"backend": b.name,
	})

	// the stage-1 build also hands off the userdata template stage 2 boots
	// its instance with
	if b.name != alcib.ProviderNameAWSStage2 {
		userdata := "build-tools-on-ec2-userdata.yml"
		if err := runner.Download(b.remotePath(userdata), filepath.Join(b.env.StateDir, userdata)); err != nil {
			return errors.Wrap(err, "downloading userdata hand-off")
		}
	}
	return nil
}

// PublishAMI renders the AMI mirror tables for the registered AMI and pulls
// them back for the wiki pull request stage.
func (b *Backend) PublishAMI(ctx context.Context) error {
	amiID, err := loadAMIState(b.env.StateDir, b.job.Arch)
	if err != nil {
		return errors.WithStack(err)
	}

	runner, release, err := b.acquire(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer release()

	csvName := fmt.Sprintf("aws_amis-%s.csv", b.job.Arch)
	mdName := fmt.Sprintf("AWS_AMIS-%s.md", b.job.Arch)
	mirror := remote.Command{
		Dir: b.imagesDir, Env: b.awsEnv(),
		Tool: b.imagesDir + "/bin/aws_ami_mirror.py",
		Args: []string{
			"-a", amiID,
			"--csv-output", csvName,
			"--md-output", mdName,
			"--verbose",
		},
	}
	if _, err := runner.Run(ctx, mirror.String()); err != nil {
		return errors.Wrap(err, "rendering AMI mirror tables")
	}

	if err := b.uploadArtifacts(ctx, runner, b.imagesDir, []string{csvName, mdName}); err != nil {
		return errors.WithStack(err)
	}
	for _, name := range []string{csvName, mdName} {
		if err := runner.Download(b.remotePath(name), name); err != nil {
			return errors.Wrapf(err, "downloading '%s'", name)
		}
	}
	return nil
}
