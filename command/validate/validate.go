// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package validate

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/cli"

	"github.com/hashicorp/feedmux/agent/config"
	"github.com/hashicorp/feedmux/command/flags"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string
	quiet bool
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.BoolVar(&c.quiet, "quiet", false,
		"When given, a successful run will produce no output.")
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	files := c.flags.Args()
	if len(files) < 1 {
		c.UI.Error("Must specify at least one config file")
		return 1
	}

	var result error
	for _, f := range files {
		if err := validateFile(f); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		c.UI.Error(fmt.Sprintf("Config validation failed: %v", result))
		return 1
	}

	if !c.quiet {
		c.UI.Output("Configuration is valid!")
	}
	return 0
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("%s: file is empty", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := config.Build(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *cmd) Synopsis() string {
	return "Validate config files"
}

func (c *cmd) Help() string {
	return c.help
}

const help = `
Usage: feedmux validate [options] FILE...

  Performs a thorough sanity test on feedmux configuration files. Each file
  is parsed, then checked the way the consume and provide commands check
  their configuration, and every problem found is reported.

  Returns 0 if the configuration is valid, or 1 if there are problems.

      $ feedmux validate /etc/feedmux/consumer.hcl
`
