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

func countCommandsContaining(commands []string, substr string) int {
	n := 0
	for _, cmd := range commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

func TestBuildImageUploadsLogsOfFailedBuild(t *testing.T) {
	runner := remote.NewMockRunner()
	runner.Responses["packer build"] = remote.MockResponse{
		Err: &alcib.ExecuteError{Command: "packer build", ExitStatus: 1, Stderr: "boom"},
	}
	runner.Responses["sha256sum"] = remote.MockResponse{Output: "deadbeef /home/ec2-user/cloud-images/file"}
	env, _ := testEnv(t, runner)

	b, err := Get(testJob(alcib.ProviderNameVirtualBox, alcib.ImageVagrantBox, alcib.ArchX8664), env)
	require.NoError(t, err)
	require.NoError(t, b.saveHostState(hostState{ID: "i-test", Address: "10.0.0.1"}))

	err = b.BuildImage(context.Background())
	require.Error(t, err)
	assert.True(t, alcib.IsExecuteError(err))
	assert.True(t, runner.Closed, "session must be released on the failure path")

	// the build log and the artifact glob were still pushed to the bucket
	assert.Equal(t, 2, countCommandsContaining(runner.Commands, "aws s3 cp"))
	uploads := 0
	for _, cmd := range runner.Commands {
		if strings.Contains(cmd, "aws s3 cp") {
			assert.Contains(t, cmd, "s3://alcib-artifacts/42-Vagrant_Box-virtualbox-x86_64-20211028/")
			assert.Contains(t, cmd, "--metadata sha256=deadbeef")
			uploads++
		}
	}
	assert.Equal(t, 2, uploads)
}

func TestBuildImageSucceedsAndFetchesLogs(t *testing.T) {
	runner := remote.NewMockRunner()
	runner.Responses["sha256sum"] = remote.MockResponse{Output: "deadbeef file"}
	env, _ := testEnv(t, runner)

	b, err := Get(testJob(alcib.ProviderNameKVM, alcib.ImageGenericCloud, alcib.ArchX8664), env)
	require.NoError(t, err)
	require.NoError(t, b.saveHostState(hostState{ID: "i-test", Address: "10.0.0.1"}))
	require.NoError(t, b.BuildImage(context.Background()))

	// two packer passes on major 8, each with its log pulled back
	assert.Equal(t, 2, countCommandsContaining(runner.Commands, "packer build"))
	assert.Len(t, runner.Downloads, 2)
}

func TestReleasePublishesBoxThroughVagrantCloud(t *testing.T) {
	runner := remote.NewMockRunner()
	runner.Responses["sha256sum"] = remote.MockResponse{Output: "cafebabe /home/ec2-user/cloud-images/almalinux.box"}
	env, _ := testEnv(t, runner)
	env.Settings.Vagrant.Version = "20211028.0"
	env.Settings.Vagrant.Changelog = "routine rebuild"
	publisher := &spyPublisher{uploadPath: "https://upload.example/box"}
	env.Publisher = publisher

	b, err := Get(testJob(alcib.ProviderNameKVM, alcib.ImageVagrantBox, alcib.ArchX8664), env)
	require.NoError(t, err)
	require.NoError(t, b.saveHostState(hostState{ID: "i-test", Address: "10.0.0.1"}))
	require.NoError(t, b.Release(context.Background()))

	assert.Equal(t, []string{"20211028.0"}, publisher.versions)
	require.Len(t, publisher.providers, 1)
	assert.Equal(t, "libvirt", publisher.providers[0].name)
	assert.Equal(t, "cafebabe", publisher.providers[0].checksum)
	assert.Equal(t, 1, countCommandsContaining(runner.Commands,
		"curl https://upload.example/box --request PUT --upload-file /home/ec2-user/cloud-images/*.box"))
}

func TestReleaseWithoutVersionIsConfigurationError(t *testing.T) {
	runner := remote.NewMockRunner()
	env, _ := testEnv(t, runner)
	env.Publisher = &spyPublisher{}

	b, err := Get(testJob(alcib.ProviderNameVirtualBox, alcib.ImageVagrantBox, alcib.ArchX8664), env)
	require.NoError(t, err)

	err = b.Release(context.Background())
	require.Error(t, err)
	assert.True(t, alcib.IsConfigurationError(err))
	assert.Empty(t, runner.Commands)
}

func TestParseTestInstanceIDs(t *testing.T) {
	raw := "terraform output --json\n" +
		`{"instance_id1":{"value":"i-aaa"},"instance_id2":{"value":"i-bbb"},"instance_public_ip":{"value":"10.0.0.9"}}`
	ids, err := parseTestInstanceIDs(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-aaa", "i-bbb"}, ids)

	_, err = parseTestInstanceIDs(`{"other":{"value":"x"}}`)
	require.Error(t, err)
	assert.True(t, alcib.IsParseError(err))

	_, err = parseTestInstanceIDs("no json at all")
	require.Error(t, err)
	assert.True(t, alcib.IsParseError(err))
}

type spyProvider struct {
	name     string
	checksum string
}

type spyPublisher struct {
	uploadPath string
	versions   []string
	providers  []spyProvider
	paths      []string
}

func (p *spyPublisher) EnsureVersion(_ context.Context, version, _ string) error {
	p.versions = append(p.versions, version)
	return nil
}

func (p *spyPublisher) RegisterProvider(_ context.Context, _, provider, checksum string) error {
	p.providers = append(p.providers, spyProvider{name: provider, checksum: checksum})
	return nil
}

func (p *spyPublisher) UploadPath(_ context.Context, version, provider string) (string, error) {
	p.paths = append(p.paths, version+"/"+provider)
	return p.uploadPath, nil
}
