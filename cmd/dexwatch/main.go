package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "dexwatch",
		Usage: "Announce newly listed tokens from dex feeds to Telegram subscribers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.json",
				Usage:   "path to config file (json, yaml or toml)",
				EnvVars: []string{"DEXWATCH_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			validateCmd(),
			historyCmd(),
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
