package main

import (
	"os"

	"github.com/almalinux/alcib/operations"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/urfave/cli"
)

func main() {
	app := buildApp()
	grip.EmergencyFatal(app.Run(os.Args))
}

const levelFlagName = "level"

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "alcib"
	app.Usage = "AlmaLinux cloud image builder"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  levelFlagName,
			Value: "info",
			Usage: "minimum log level (debug, info, warning, error)",
		},
	}

	app.Commands = []cli.Command{
		operations.Run(),
		operations.PullRequest(),
	}

	app.Before = func(c *cli.Context) error {
		threshold := level.FromString(c.String(levelFlagName))
		if !threshold.IsValid() {
			threshold = level.Info
		}
		sender := send.MakeNative()
		if err := sender.SetLevel(send.LevelInfo{Default: level.Info, Threshold: threshold}); err != nil {
			return err
		}
		return grip.SetSender(sender)
	}

	return app
}
