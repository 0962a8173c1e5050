package main

import (
	"context"
	"os"

	"github.com/urfave/cli"
)

// groupsCLICommand drives the /proc/vmware/sched/groups surface
// directly from the command line: with no arguments it prints the
// current report; with "-f <path>" it replays a command script against
// the tree before printing. Grounded on cli/kata-metrics.go's shape of
// a single-purpose subcommand wrapping one package's read path.
var groupsCLICommand = cli.Command{
	Name:      "groups",
	Usage:     "print or mutate the scheduler group table",
	UsageText: "groups [-f <command-file>]",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "f",
			Usage: "apply create/remove/rename/move/alloc commands from this file before printing",
		},
	},
	Action: func(c *cli.Context) error {
		k, err := boot(context.Background(), c.GlobalString("config"))
		if err != nil {
			return err
		}

		if path := c.String("f"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := k.procfs.Write(f); err != nil {
				return err
			}
		}

		return k.procfs.Read(c.App.Writer)
	},
}
