// Package pkgdelta derives upgrade release notes from a diff of two package
// manifests plus each upgraded package's changelog.
package pkgdelta

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/almalinux/alcib"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

var (
	archSuffixRegex = regexp.MustCompile(`\.(i686|x86_64|aarch64|ppc64le|s390x|noarch)$`)
	distroTagRegex  = regexp.MustCompile(`\.(module_?)?(el|alma)\d.*$`)
	epochRegex      = regexp.MustCompile(`^\d+:`)
	cveRegex        = regexp.MustCompile(`(CVE-[0-9]*-[0-9]*)`)
)

// PackageRecord is one parsed package spec from a manifest diff line.
type PackageRecord struct {
	Name    string
	Version string
	Release string
	// CleanRelease is Release with the distro tag suffix stripped
	// (e.g. "2.el8_5" -> "2"), the form changelog entries usually carry.
	CleanRelease string
	Epoch        string
}

// ParsePackage parses "name-version-release.arch" into a PackageRecord. The
// version may carry an "epoch:" prefix, which is split off into Epoch.
func ParsePackage(spec string) (PackageRecord, error) {
	trimmed := archSuffixRegex.ReplaceAllString(strings.TrimSpace(spec), "")

	parts := strings.Split(trimmed, "-")
	if len(parts) < 3 {
		return PackageRecord{}, &alcib.ParseError{Input: spec, Cause: errors.New("package spec needs name-version-release")}
	}
	release := parts[len(parts)-1]
	version := parts[len(parts)-2]
	name := strings.Join(parts[:len(parts)-2], "-")
	if name == "" || version == "" || release == "" {
		return PackageRecord{}, &alcib.ParseError{Input: spec, Cause: errors.New("empty package spec component")}
	}

	epoch := ""
	if match := epochRegex.FindString(version); match != "" {
		epoch = strings.TrimSuffix(match, ":")
		version = version[len(match):]
	}

	return PackageRecord{
		Name:         name,
		Version:      version,
		Release:      release,
		CleanRelease: distroTagRegex.ReplaceAllString(release, ""),
		Epoch:        epoch,
	}, nil
}

// Delta pairs the added and removed sides of one package name from a
// manifest diff. Only deltas with both sides present describe upgrades.
type Delta struct {
	Name    string
	Added   *PackageRecord
	Removed *PackageRecord
}

// IsUpgrade reports whether this delta has both sides and is eligible for a
// release note.
func (d Delta) IsUpgrade() bool {
	return d.Added != nil && d.Removed != nil
}

// ParseDiff parses a line-oriented package diff, where each line is a
// package spec prefixed with '+' or '-'. Malformed lines are skipped; the
// rest of the diff is still processed. Deltas are returned in first-seen
// order.
func ParseDiff(diff string) []Delta {
	byName := map[string]*Delta{}
	order := []string{}

	for _, line := range strings.Split(diff, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		sign := line[0]
		if sign != '+' && sign != '-' {
			continue
		}
		// '+++'/'---' file headers are not package lines
		if line[1] == '+' || line[1] == '-' {
			continue
		}

		record, err := ParsePackage(line[1:])
		if err != nil {
			grip.Warning(message.WrapError(err, message.Fields{
				"message": "skipping malformed package diff line",
				"line":    line,
			}))
			continue
		}

		delta, ok := byName[record.Name]
		if !ok {
			delta = &Delta{Name: record.Name}
			byName[record.Name] = delta
			order = append(order, record.Name)
		}
		if sign == '+' {
			delta.Added = &record
		} else {
			delta.Removed = &record
		}
	}

	deltas := make([]Delta, 0, len(order))
	for _, name := range order {
		deltas = append(deltas, *byName[name])
	}
	return deltas
}

// ChangelogSource fetches newest-first changelog text for a package. The
// production implementation queries rpm inside the image's extracted rootfs
// over the build host session.
type ChangelogSource interface {
	Changelog(ctx context.Context, pkg string) (string, error)
}

// ReleaseNote is one upgrade entry of the synthesized commit message.
type ReleaseNote struct {
	Header string
	// CVEs keeps source order and duplicates; the upstream report format
	// does not deduplicate.
	CVEs []string
}

func (n ReleaseNote) String() string {
	if len(n.CVEs) == 0 {
		return n.Header
	}
	return fmt.Sprintf("%s\n  Fixes: %s", n.Header, strings.Join(n.CVEs, ", "))
}

// AnalyzeUpgrade builds the release note for one upgrade pair given the
// added package's changelog. Chunks are walked newest to oldest and their
// bodies accumulated until the chunk describing the removed version is
// reached; that chunk is excluded. Versions compare epoch-agnostically: the
// removed side never retains its epoch in a manifest diff.
func AnalyzeUpgrade(delta Delta, changelog string) ReleaseNote {
	added, removed := delta.Added, delta.Removed
	note := ReleaseNote{
		Header: fmt.Sprintf("- %s upgraded from %s-%s to %s-%s",
			added.Name, removed.Version, removed.Release, added.Version, added.Release),
	}

	boundaries := []string{
		fmt.Sprintf("%s-%s", removed.Version, removed.CleanRelease),
		fmt.Sprintf("%s-%s", removed.Version, removed.Release),
		removed.Version,
	}

	for _, chunk := range strings.Split(changelog, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		lines := strings.Split(chunk, "\n")
		headerFields := strings.Fields(lines[0])
		if len(headerFields) == 0 {
			continue
		}
		version := epochRegex.ReplaceAllString(headerFields[len(headerFields)-1], "")

		stop := false
		for _, boundary := range boundaries {
			if version == boundary {
				stop = true
				break
			}
		}
		if stop {
			break
		}

		body := strings.Join(lines[1:], "\n")
		note.CVEs = append(note.CVEs, cveRegex.FindAllString(body, -1)...)
	}

	return note
}

// Report synthesizes release note lines for every upgrade pair in the diff,
// fetching each added package's changelog from source. Packages present on
// only one side produce no line. A changelog fetch failure skips that
// package and continues.
func Report(ctx context.Context, source ChangelogSource, deltas []Delta) []string {
	notes := []string{}
	for _, delta := range deltas {
		if !delta.IsUpgrade() {
			continue
		}
		changelog, err := source.Changelog(ctx, delta.Name)
		if err != nil {
			grip.Warning(message.WrapError(err, message.Fields{
				"message": "skipping package with unreadable changelog",
				"package": delta.Name,
			}))
			continue
		}
		notes = append(notes, AnalyzeUpgrade(delta, changelog).String())
	}
	return notes
}

// CommitMessage assembles the final release-branch commit message from a
// title and the report lines.
func CommitMessage(title string, notes []string) string {
	return strings.Join(append([]string{title}, notes...), "\n\n")
}
