package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/clinicchat/pkg/connector"
)

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Generate the chat configuration file",
	Action: cmdConfig,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Overwrite an existing file",
		},
	},
}

func mkdirConfigDir() error {
	if err := os.MkdirAll(getConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

func cmdConfig(ctx *cli.Context) error {
	output := ctx.String("output")
	if output == "-" {
		fmt.Print(connector.ExampleConfig)
		return nil
	}
	if _, err := os.Stat(output); err == nil && !ctx.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(output, []byte(connector.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Config written to %s\n", output)
	return nil
}
