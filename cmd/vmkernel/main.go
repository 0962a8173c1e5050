package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const name = "vmkernel"

var usage = fmt.Sprintf(`%s scheduler

%s is a command line program that boots a proportional-share
hierarchical CPU scheduler (tree/alloc/vsmp/cell/waitengine/
userboundary) from a TOML configuration and exposes its group table
over a line-oriented procfs-style surface.`, name, name)

// vmkLog is the base logger every subcommand derives its fields from.
var vmkLog = logrus.WithField("subsystem", "cmd")

var vmkernelFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config",
		Usage: "vmkernel TOML config file path (empty uses compiled-in defaults)",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "warning",
		Usage: "set the logging level (panic, fatal, error, warning, info, debug, trace)",
	},
}

var vmkernelCommands = []cli.Command{
	groupsCLICommand,
	serveCLICommand,
	versionCLICommand,
}

var versionCLICommand = cli.Command{
	Name:  "version",
	Usage: "print the vmkernel version",
	Action: func(c *cli.Context) error {
		fmt.Fprintln(c.App.Writer, version)
		return nil
	},
}

// version is overridden at build time via -ldflags, following the
// teacher's convention in cli/version.go.
var version = "0.0.0-dev"

func beforeCommands(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func createApp(args []string) error {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Version = version
	app.Flags = vmkernelFlags
	app.Commands = vmkernelCommands
	app.Before = beforeCommands
	app.EnableBashCompletion = true
	return app.Run(args)
}

func main() {
	if err := createApp(os.Args); err != nil {
		vmkLog.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
