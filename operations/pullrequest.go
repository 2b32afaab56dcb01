package operations

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/almalinux/alcib"
	"github.com/almalinux/alcib/thirdparty"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	mdFlagName  = "md"
	csvFlagName = "csv"
)

// PullRequest returns the command that publishes refreshed AMI tables to the
// wiki and opens the pull request for them. It consumes the files the AMI
// release stage pulled back from the build host.
func PullRequest() cli.Command {
	return cli.Command{
		Name:  "pullrequest",
		Usage: "open the wiki pull request with refreshed AMI tables",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  configFlagName,
				Value: "alcib.yml",
				Usage: "path to the builder settings file",
			},
			cli.StringFlag{
				Name:  archFlagName,
				Value: alcib.ArchX8664,
				Usage: "architecture whose AMI tables to publish",
			},
			cli.StringFlag{
				Name:  mdFlagName,
				Usage: "markdown AMI table; defaults to AWS_AMIS-{arch}.md",
			},
			cli.StringFlag{
				Name:  csvFlagName,
				Usage: "csv AMI table; defaults to aws_amis-{arch}.csv",
			},
		},
		Before: func(c *cli.Context) error {
			grip.SetName("alcib.pullrequest")
			return nil
		},
		Action: func(c *cli.Context) error {
			settings, err := alcib.NewSettings(c.String(configFlagName))
			if err != nil {
				return errors.WithStack(err)
			}

			arch := c.String(archFlagName)
			mdPath := c.String(mdFlagName)
			if mdPath == "" {
				mdPath = fmt.Sprintf("AWS_AMIS-%s.md", arch)
			}
			csvPath := c.String(csvFlagName)
			if csvPath == "" {
				csvPath = fmt.Sprintf("aws_amis-%s.csv", arch)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			client := thirdparty.NewGitHubClient(ctx, settings.GitHub.Token)
			return updateWiki(ctx, client, mdPath, csvPath)
		},
	}
}

func updateWiki(ctx context.Context, client *thirdparty.GitHubClient, mdPath, csvPath string) error {
	if err := client.MergeUpstream(ctx, "wiki", "master"); err != nil {
		return errors.WithStack(err)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		return errors.Wrap(err, "reading AMI markdown table")
	}
	csv, err := os.ReadFile(csvPath)
	if err != nil {
		return errors.Wrap(err, "reading AMI csv table")
	}

	if err := client.UpdateWikiFile(ctx, "docs/cloud/AWS_AMIS.md",
		"Updating AWS AMI version in MD file", stripTableCaption(md)); err != nil {
		return errors.WithStack(err)
	}
	if err := client.UpdateWikiFile(ctx, "docs/.vuepress/public/ci-data/aws_amis.csv",
		"Updating AWS AMI version in CSV file", csv); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(client.OpenWikiPullRequest(ctx, "Updating AWS AMI versions"))
}

// stripTableCaption drops the generated caption lines under the title; the
// wiki page carries its own.
func stripTableCaption(md []byte) []byte {
	lines := strings.Split(string(md), "\n")
	if len(lines) <= 3 {
		return md
	}
	return []byte(strings.Join(append(lines[:1], lines[3:]...), "\n"))
}
