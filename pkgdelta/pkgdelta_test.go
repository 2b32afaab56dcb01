package pkgdelta

import (
	"context"
	"testing"

	"github.com/almalinux/alcib"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackage(t *testing.T) {
	t.Run("PlainSpec", func(t *testing.T) {
		record, err := ParsePackage("openssl-1.1.1k-5.el8_5.x86_64")
		require.NoError(t, err)
		assert.Equal(t, "openssl", record.Name)
		assert.Equal(t, "1.1.1k", record.Version)
		assert.Equal(t, "5.el8_5", record.Release)
		assert.Equal(t, "5", record.CleanRelease)
		assert.Empty(t, record.Epoch)
	})
	t.Run("HyphenatedName", func(t *testing.T) {
		record, err := ParsePackage("python3-pip-wheel-9.0.3-20.el8.noarch")
		require.NoError(t, err)
		assert.Equal(t, "python3-pip-wheel", record.Name)
		assert.Equal(t, "9.0.3", record.Version)
		assert.Equal(t, "20.el8", record.Release)
	})
	t.Run("EpochIsSplitOff", func(t *testing.T) {
		record, err := ParsePackage("dnf-2:4.7.0-4.el8.noarch")
		require.NoError(t, err)
		assert.Equal(t, "dnf", record.Name)
		assert.Equal(t, "4.7.0", record.Version)
		assert.Equal(t, "2", record.Epoch)
	})
	t.Run("ModuleRelease", func(t *testing.T) {
		record, err := ParsePackage("perl-libs-5.26.3-421.module_el8.3.0+2027+c8990d1d.x86_64")
		require.NoError(t, err)
		assert.Equal(t, "perl-libs", record.Name)
		assert.Equal(t, "421", record.CleanRelease)
	})
	t.Run("MalformedSpec", func(t *testing.T) {
		_, err := ParsePackage("garbage")
		assert.Error(t, err)
		assert.True(t, alcib.IsParseError(err))
	})
}

func TestParseDiff(t *testing.T) {
	t.Run("PairsGroupByName", func(t *testing.T) {
		deltas := ParseDiff("-openssl-1.1.1k-4.el8.x86_64\n+openssl-1.1.1k-5.el8_5.x86_64\n")
		require.Len(t, deltas, 1)
		assert.True(t, deltas[0].IsUpgrade())
		assert.Equal(t, "1.1.1k-4.el8", deltas[0].Removed.Version+"-"+deltas[0].Removed.Release)
		assert.Equal(t, "1.1.1k-5.el8_5", deltas[0].Added.Version+"-"+deltas[0].Added.Release)
	})
	t.Run("PureAdditionIsNotAnUpgrade", func(t *testing.T) {
		deltas := ParseDiff("+new-package-1.0-1.el8.x86_64\n")
		require.Len(t, deltas, 1)
		assert.False(t, deltas[0].IsUpgrade())
	})
	t.Run("PureRemovalIsNotAnUpgrade", func(t *testing.T) {
		deltas := ParseDiff("-old-package-1.0-1.el8.x86_64\n")
		require.Len(t, deltas, 1)
		assert.False(t, deltas[0].IsUpgrade())
	})
	t.Run("MalformedLineIsSkipped", func(t *testing.T) {
		deltas := ParseDiff("+nonsense\n-openssl-1.1.1k-4.el8.x86_64\n+openssl-1.1.1k-5.el8_5.x86_64\n")
		require.Len(t, deltas, 1)
		assert.Equal(t, "openssl", deltas[0].Name)
	})
	t.Run("FileHeadersAreIgnored", func(t *testing.T) {
		deltas := ParseDiff("--- a/rpm-packages\n+++ b/rpm-packages\n+openssl-1.1.1k-5.el8_5.x86_64\n")
		require.Len(t, deltas, 1)
		assert.Equal(t, "openssl", deltas[0].Name)
	})
}

func upgradeDelta(t *testing.T, removed, added string) Delta {
	t.Helper()
	removedRecord, err := ParsePackage(removed)
	require.NoError(t, err)
	addedRecord, err := ParsePackage(added)
	require.NoError(t, err)
	return Delta{Name: addedRecord.Name, Added: &addedRecord, Removed: &removedRecord}
}

func TestAnalyzeUpgrade(t *testing.T) {
	t.Run("HeaderUsesParsedVersions", func(t *testing.T) {
		delta := upgradeDelta(t, "openssl-1.1.1k-4.el8.x86_64", "openssl-1.1.1k-5.el8_5.x86_64")
		note := AnalyzeUpgrade(delta, "")
		assert.Equal(t, "- openssl upgraded from 1.1.1k-4.el8 to 1.1.1k-5.el8_5", note.Header)
	})

	t.Run("ScanStopsBeforeRemovedVersionChunk", func(t *testing.T) {
		changelog := "* Mon Jan 10 2022 Maintainer <m@example.com> - 3.0-1\n- rebase\n\n" +
			"* Mon Nov 01 2021 Maintainer <m@example.com> - 2.0-1\n- fix CVE-2023-0001\n\n" +
			"* Mon Feb 01 2021 Maintainer <m@example.com> - 1.0-1\n- fix CVE-2022-9999\n"
		delta := upgradeDelta(t, "tool-2.0-1.el8.x86_64", "tool-3.0-1.el8.x86_64")

		note := AnalyzeUpgrade(delta, changelog)
		assert.Empty(t, note.CVEs, "only the 3.0-1 chunk precedes the boundary and it has no CVEs")
	})

	t.Run("ChunksBeforeBoundaryContributeCVEs", func(t *testing.T) {
		changelog := "* Mon Jan 10 2022 Maintainer <m@example.com> - 3.0-1\n- fix CVE-2023-0001 and CVE-2023-0002\n\n" +
			"* Mon Nov 01 2021 Maintainer <m@example.com> - 2.5-1\n- fix CVE-2023-0001\n\n" +
			"* Mon Feb 01 2021 Maintainer <m@example.com> - 1.0-1\n- fix CVE-2022-9999\n"
		delta := upgradeDelta(t, "tool-1.0-1.el8.x86_64", "tool-3.0-1.el8.x86_64")

		note := AnalyzeUpgrade(delta, changelog)
		// order preserved, duplicates kept
		assert.Equal(t, []string{"CVE-2023-0001", "CVE-2023-0002", "CVE-2023-0001"}, note.CVEs)
		assert.Contains(t, note.String(), "Fixes: CVE-2023-0001, CVE-2023-0002, CVE-2023-0001")
	})

	t.Run("EpochStrippedBeforeComparison", func(t *testing.T) {
		changelog := "* Mon Jan 10 2022 Maintainer <m@example.com> - 2:1.3.0-1\n- fix CVE-2023-0100\n\n" +
			"* Mon Nov 01 2021 Maintainer <m@example.com> - 2:1.2.3-1\n- fix CVE-2021-0001\n"
		delta := upgradeDelta(t, "tool-1.2.3-1.el8.x86_64", "tool-1.3.0-1.el8.x86_64")

		note := AnalyzeUpgrade(delta, changelog)
		assert.Equal(t, []string{"CVE-2023-0100"}, note.CVEs, "the 2:1.2.3-1 chunk is the epoch-stripped boundary")
	})

	t.Run("CleanReleaseMatchesBoundary", func(t *testing.T) {
		changelog := "* Mon Jan 10 2022 Maintainer <m@example.com> - 2.0-2\n- fix CVE-2023-0003\n\n" +
			"* Mon Nov 01 2021 Maintainer <m@example.com> - 2.0-1\n- earlier fix CVE-2020-1111\n"
		delta := upgradeDelta(t, "tool-2.0-1.el8_5.x86_64", "tool-2.0-2.el8_5.x86_64")

		note := AnalyzeUpgrade(delta, changelog)
		assert.Equal(t, []string{"CVE-2023-0003"}, note.CVEs)
	})

	t.Run("NoMatchingChunkConsumesAll", func(t *testing.T) {
		changelog := "* Mon Jan 10 2022 Maintainer <m@example.com> - 9.0-1\n- fix CVE-2023-0004\n\n" +
			"* Mon Nov 01 2021 Maintainer <m@example.com> - 8.0-1\n- fix CVE-2022-0005\n"
		delta := upgradeDelta(t, "tool-1.0-1.el8.x86_64", "tool-9.0-1.el8.x86_64")

		note := AnalyzeUpgrade(delta, changelog)
		assert.Equal(t, []string{"CVE-2023-0004", "CVE-2022-0005"}, note.CVEs)
	})
}

type mapChangelogSource map[string]string

func (s mapChangelogSource) Changelog(_ context.Context, pkg string) (string, error) {
	changelog, ok := s[pkg]
	if !ok {
		return "", errors.Errorf("no changelog for '%s'", pkg)
	}
	return changelog, nil
}

func TestReport(t *testing.T) {
	ctx := context.Background()

	t.Run("OnlyUpgradePairsReported", func(t *testing.T) {
		diff := "+brand-new-1.0-1.el8.x86_64\n" +
			"-gone-2.0-1.el8.x86_64\n" +
			"-openssl-1.1.1k-4.el8.x86_64\n" +
			"+openssl-1.1.1k-5.el8_5.x86_64\n"
		source := mapChangelogSource{
			"openssl": "* Mon Jan 10 2022 Maintainer <m@example.com> - 1.1.1k-5\n- fix CVE-2021-3712\n",
		}

		notes := Report(ctx, source, ParseDiff(diff))
		require.Len(t, notes, 1)
		assert.Equal(t, "- openssl upgraded from 1.1.1k-4.el8 to 1.1.1k-5.el8_5\n  Fixes: CVE-2021-3712", notes[0])
	})

	t.Run("UnreadableChangelogSkipsPackage", func(t *testing.T) {
		diff := "-a-1.0-1.el8.x86_64\n+a-2.0-1.el8.x86_64\n" +
			"-b-1.0-1.el8.x86_64\n+b-2.0-1.el8.x86_64\n"
		source := mapChangelogSource{
			"b": "* Mon Jan 10 2022 Maintainer <m@example.com> - 2.0-1\n- rebase\n",
		}

		notes := Report(ctx, source, ParseDiff(diff))
		require.Len(t, notes, 1)
		assert.Contains(t, notes[0], "- b upgraded from 1.0-1.el8 to 2.0-1.el8")
	})
}

func TestCommitMessage(t *testing.T) {
	msg := CommitMessage("Updates AlmaLinux 8.5 x86_64 base rootfs", []string{"- a upgraded from 1-1 to 2-1"})
	assert.Equal(t, "Updates AlmaLinux 8.5 x86_64 base rootfs\n\n- a upgraded from 1-1 to 2-1", msg)
}
