package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOfCommand(commands []string, substr string) int {
	for i, cmd := range commands {
		if strings.Contains(cmd, substr) {
			return i
		}
	}
	return -1
}

type fakeVCS struct {
	merged  []string
	latest  string
	ensured []string
}

func (v *fakeVCS) MergeUpstream(_ context.Context, repo, branch string) error {
	v.merged = append(v.merged, repo+"/"+branch)
	return nil
}

func (v *fakeVCS) LatestBranch(context.Context) (string, error) {
	return v.latest, nil
}

func (v *fakeVCS) EnsureReleaseBranch(_ context.Context, branch string) error {
	v.ensured = append(v.ensured, branch)
	return nil
}

func TestRpmChangelogSourceRunsInChroot(t *testing.T) {
	runner := remote.NewMockRunner()
	runner.Responses["rpm -q --changelog"] = remote.MockResponse{Output: "* changelog text"}

	source := &rpmChangelogSource{runner: runner, root: "/home/ec2-user/docker-tmp/fake-root-default"}
	out, err := source.Changelog(context.Background(), "openssl")
	require.NoError(t, err)
	assert.Equal(t, "* changelog text", out)
	require.Len(t, runner.Commands, 1)
	assert.Equal(t,
		"sudo chroot /home/ec2-user/docker-tmp/fake-root-default rpm -q --changelog openssl",
		runner.Commands[0])
}

func TestBuildDockerPreparesHostAndBuildsEveryConfig(t *testing.T) {
	runner := remote.NewMockRunner()
	env, prov := testEnv(t, runner)
	env.Settings.SSH.ClientConfig = "Host *\n  StrictHostKeyChecking no\n"
	env.Settings.AlmaVersion = "8.5"
	env.Settings.Docker.Configurations = []string{"default", "micro"}
	vcs := &fakeVCS{latest: "al-8.5-20211015"}
	env.VCS = vcs

	b, err := Get(testJob(alcib.ProviderNameKVM, alcib.ImageDocker, alcib.ArchX8664), env)
	require.NoError(t, err)
	require.NoError(t, b.saveHostState(hostState{ID: "i-test", Address: "10.0.0.1"}))
	require.NoError(t, b.BuildDocker(context.Background()))

	assert.Equal(t, []string{"docker-images/master"}, vcs.merged)
	assert.Zero(t, prov.TotalCalls())

	assert.Equal(t, "/home/ec2-user/aws_test", runner.Uploads["/tmp/alcib_rsa4096"])
	assert.Contains(t, runner.PutContent, "/home/ec2-user/.ssh/config")
	assert.Contains(t, runner.PutContent, "/home/ec2-user/.aws/credentials")

	assert.Equal(t, 1, countCommandsContaining(runner.Commands,
		"git clone git@github.com:AlmaLinux/docker-images.git /home/ec2-user/docker-tmp"))
	assert.Equal(t, 1, countCommandsContaining(runner.Commands, "git checkout al-8.5-20211015"))
	assert.Equal(t, 1, countCommandsContaining(runner.Commands, "./build.sh -o default -t default"))
	assert.Equal(t, 1, countCommandsContaining(runner.Commands, "./build.sh -o micro -t micro"))
}

func TestCreateReleaseBranchSynthesizesCommitMessage(t *testing.T) {
	runner := remote.NewMockRunner()
	runner.Responses["git diff --unified=0"] = remote.MockResponse{
		Output: "+openssl-1.1.1k-5.el8.x86_64\n-openssl-1.1.1g-1.el8.x86_64\n",
	}
	runner.Responses["rpm -q --changelog"] = remote.MockResponse{
		Output: "* Wed Oct 27 2021 Builder <b@example.com> - 1.1.1k-5.el8\n" +
			"- rebase\n- fix CVE-2021-3712\n\n" +
			"* Tue Jan 05 2021 Builder <b@example.com> - 1.1.1g-1.el8\n" +
			"- old release\n",
	}
	env, _ := testEnv(t, runner)
	env.Settings.AlmaVersion = "8.5"
	env.Settings.Docker.Configurations = []string{"default", "micro"}
	vcs := &fakeVCS{latest: "al-8.5-20211015"}
	env.VCS = vcs

	b, err := Get(testJob(alcib.ProviderNameKVM, alcib.ImageDocker, alcib.ArchX8664), env)
	require.NoError(t, err)
	require.NoError(t, b.saveHostState(hostState{ID: "i-test", Address: "10.0.0.1"}))
	require.NoError(t, b.CreateReleaseBranch(context.Background()))

	assert.Equal(t, []string{"al-8.5-20211028"}, vcs.ensured)
	// micro has no rpm database and produces no notes
	assert.Equal(t, 1, countCommandsContaining(runner.Commands, "git diff --unified=0"))

	// the hard reset reverts the staged manifests, so every config must be
	// copied back in after checkout and before the commit
	checkoutAt := indexOfCommand(runner.Commands, "git checkout al-8.5-20211028")
	commitAt := indexOfCommand(runner.Commands, "git commit -m")
	require.True(t, checkoutAt >= 0)
	require.True(t, commitAt > checkoutAt)
	for _, conf := range []string{"default", "micro"} {
		restageAt := indexOfCommand(runner.Commands,
			"cp /home/ec2-user/docker-images/"+conf+"_x86_64-"+conf+"/Dockerfile-x86_64-"+conf+" /home/ec2-user/docker-tmp/")
		assert.Greater(t, restageAt, checkoutAt, conf)
		assert.Less(t, restageAt, commitAt, conf)
	}

	commits := 0
	for _, cmd := range runner.Commands {
		if !strings.Contains(cmd, "git commit -m") {
			continue
		}
		commits++
		assert.Contains(t, cmd, "Updates AlmaLinux 8.5 x86_64 default, micro rootfs")
		assert.Contains(t, cmd, "- openssl upgraded from 1.1.1g-1.el8 to 1.1.1k-5.el8")
		assert.Contains(t, cmd, "Fixes: CVE-2021-3712")
		assert.Contains(t, cmd, "git push origin al-8.5-20211028")
	}
	assert.Equal(t, 1, commits)
}
