package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/backend"
	"github.com/almalinux/alcib/cloud"
	"github.com/almalinux/alcib/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyBackend records which operations ran, in order.
type spyBackend struct {
	calls       []string
	unsupported string
}

func (s *spyBackend) record(op string) error {
	s.calls = append(s.calls, op)
	return nil
}

func (s *spyBackend) Supports(stage string) bool                { return stage != s.unsupported }
func (s *spyBackend) Name() string                              { return "spy" }
func (s *spyBackend) Init(context.Context) error                { return s.record("init") }
func (s *spyBackend) BuildImage(context.Context) error          { return s.record("buildImage") }
func (s *spyBackend) BuildAMI(context.Context) error            { return s.record("buildAMI") }
func (s *spyBackend) BuildDocker(context.Context) error         { return s.record("buildDocker") }
func (s *spyBackend) CreateReleaseBranch(context.Context) error { return s.record("releaseBranch") }
func (s *spyBackend) Test(context.Context) error                { return s.record("test") }
func (s *spyBackend) TestAMI(context.Context) error             { return s.record("testAMI") }
func (s *spyBackend) TestOpenStack(context.Context) error       { return s.record("testOpenStack") }
func (s *spyBackend) Release(context.Context) error             { return s.record("release") }
func (s *spyBackend) ReleaseAndSign(context.Context) error      { return s.record("releaseAndSign") }
func (s *spyBackend) PublishAMI(context.Context) error          { return s.record("publishAMI") }
func (s *spyBackend) Teardown(context.Context) error            { return s.record("teardown") }

func job(hypervisor, imageKind, arch string) alcib.BuildJob {
	return alcib.BuildJob{
		Hypervisor:  hypervisor,
		ImageKind:   imageKind,
		Arch:        arch,
		BuildNumber: "42",
		OSMajorVer:  "8",
		Timestamp:   time.Date(2021, 10, 28, 15, 30, 45, 0, time.UTC),
	}
}

func TestRunRoutesStages(t *testing.T) {
	for _, tc := range []struct {
		name     string
		stage    string
		job      alcib.BuildJob
		expected []string
	}{
		{"init", alcib.StageInit, job(alcib.ProviderNameKVM, alcib.ImageVagrantBox, alcib.ArchX8664), []string{"init"}},
		{"build vagrant", alcib.StageBuild, job(alcib.ProviderNameVirtualBox, alcib.ImageVagrantBox, alcib.ArchX8664), []string{"buildImage"}},
		{"build gencloud", alcib.StageBuild, job(alcib.ProviderNameKVM, alcib.ImageGenericCloud, alcib.ArchX8664), []string{"buildImage"}},
		{"build ami stage 1", alcib.StageBuild, job(alcib.ProviderNameKVM, alcib.ImageAWSAMI, alcib.ArchX8664), []string{"buildAMI"}},
		{"build ami stage 2 provisions first", alcib.StageBuild, job(alcib.ProviderNameAWSStage2, alcib.ImageAWSAMI, alcib.ArchX8664), []string{"init", "buildAMI"}},
		{"build docker cuts release branch", alcib.StageBuild, job(alcib.ProviderNameKVM, alcib.ImageDocker, alcib.ArchX8664), []string{"buildDocker", "releaseBranch"}},
		{"test vagrant", alcib.StageTest, job(alcib.ProviderNameKVM, alcib.ImageVagrantBox, alcib.ArchX8664), []string{"test"}},
		{"test ami", alcib.StageTest, job(alcib.ProviderNameKVM, alcib.ImageAWSAMI, alcib.ArchX8664), []string{"testAMI"}},
		{"test gencloud", alcib.StageTest, job(alcib.ProviderNameEquinix, alcib.ImageGenericCloud, alcib.ArchAarch64), []string{"testOpenStack"}},
		{"release box", alcib.StageRelease, job(alcib.ProviderNameVirtualBox, alcib.ImageVagrantBox, alcib.ArchX8664), []string{"release"}},
		{"release gencloud", alcib.StageRelease, job(alcib.ProviderNameKVM, alcib.ImageGenericCloud, alcib.ArchX8664), []string{"releaseAndSign"}},
		{"release opennebula", alcib.StageRelease, job(alcib.ProviderNameKVM, alcib.ImageOpenNebula, alcib.ArchX8664), []string{"releaseAndSign"}},
		{"release ami", alcib.StageRelease, job(alcib.ProviderNameKVM, alcib.ImageAWSAMI, alcib.ArchX8664), []string{"publishAMI"}},
		{"destroy", alcib.StageDestroy, job(alcib.ProviderNameKVM, alcib.ImageVagrantBox, alcib.ArchX8664), []string{"teardown"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			spy := &spyBackend{}
			require.NoError(t, run(context.Background(), tc.stage, tc.job, spy))
			assert.Equal(t, tc.expected, spy.calls)
		})
	}
}

func TestRunChecksStageSupport(t *testing.T) {
	spy := &spyBackend{unsupported: alcib.StageTest}
	err := run(context.Background(), alcib.StageTest, job(alcib.ProviderNameAWSStage2, alcib.ImageAWSAMI, alcib.ArchX8664), spy)
	require.Error(t, err)
	assert.True(t, alcib.IsConfigurationError(err))
	assert.Empty(t, spy.calls)
}

func TestRunRejectsUnknownStage(t *testing.T) {
	spy := &spyBackend{}
	err := run(context.Background(), "deploy", job(alcib.ProviderNameKVM, alcib.ImageVagrantBox, alcib.ArchX8664), spy)
	require.Error(t, err)
	assert.True(t, alcib.IsConfigurationError(err))
	assert.Empty(t, spy.calls)
}

func TestDispatchFailsOnUnknownHypervisorBeforeSideEffects(t *testing.T) {
	prov := &cloud.MockProvisioner{}
	runner := remote.NewMockRunner()
	env := &backend.Environment{
		Settings:    &alcib.Settings{},
		Provisioner: prov,
		Connect: func(context.Context, string, string) (remote.Runner, error) {
			return runner, nil
		},
		StateDir: t.TempDir(),
	}

	err := Dispatch(context.Background(), alcib.StageInit, job("xen", alcib.ImageVagrantBox, alcib.ArchX8664), env)
	require.Error(t, err)
	assert.True(t, alcib.IsConfigurationError(err))
	assert.Zero(t, prov.TotalCalls())
	assert.Empty(t, runner.Commands)
}
