// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/command/flags"
	"github.com/hashicorp/feedmux/version"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI     cli.Ui
	flags  *flag.FlagSet
	format string
	help   string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.format, "format", "pretty",
		fmt.Sprintf("Output format {%s}", strings.Join([]string{"pretty", "json"}, "|")))
	c.help = flags.Usage(help, c.flags)
}

// VersionInfo is what -format=json prints.
type VersionInfo struct {
	Version         string
	Revision        string
	Prerelease      string
	ProtocolVersion string
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	info := VersionInfo{
		Version:         version.Version,
		Revision:        version.GitCommit,
		Prerelease:      version.VersionPrerelease,
		ProtocolVersion: channel.DefaultProtocolVersion,
	}

	switch c.format {
	case "json":
		out, err := json.MarshalIndent(info, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error marshalling version info: %v", err))
			return 1
		}
		c.UI.Output(string(out))
	case "pretty":
		c.UI.Output(fmt.Sprintf("feedmux %s", version.GetHumanVersion()))
		if info.Revision != "" {
			c.UI.Output(fmt.Sprintf("Revision %s", info.Revision))
		}
		c.UI.Output(fmt.Sprintf("Channel protocol %s", info.ProtocolVersion))
	default:
		c.UI.Error(fmt.Sprintf("Invalid format %q", c.format))
		return 1
	}
	return 0
}

func (c *cmd) Synopsis() string {
	return "Prints the feedmux version"
}

func (c *cmd) Help() string {
	return c.help
}

const help = `
Usage: feedmux version [options]

  Prints the version of this build and the channel protocol version it
  offers in handshakes.
`
