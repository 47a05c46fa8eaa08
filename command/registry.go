// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"

	mcli "github.com/mitchellh/cli"

	"github.com/hashicorp/feedmux/command/consume"
	"github.com/hashicorp/feedmux/command/provide"
	"github.com/hashicorp/feedmux/command/validate"
	"github.com/hashicorp/feedmux/command/version"
)

// RegisteredCommands returns a realized mapping of available CLI commands in a format that
// the CLI class can consume.
func RegisteredCommands(ui mcli.Ui) map[string]mcli.CommandFactory {
	registry := map[string]mcli.CommandFactory{}
	registerCommands(ui, registry,
		entry{"consume", func(ui mcli.Ui) (mcli.Command, error) { return consume.New(ui), nil }},
		entry{"provide", func(ui mcli.Ui) (mcli.Command, error) { return provide.New(ui), nil }},
		entry{"validate", func(ui mcli.Ui) (mcli.Command, error) { return validate.New(ui), nil }},
		entry{"version", func(ui mcli.Ui) (mcli.Command, error) { return version.New(ui), nil }},
	)
	return registry
}

// factory is a function that returns a new instance of a CLI-sub command.
type factory func(mcli.Ui) (mcli.Command, error)

// entry is a struct that contains a command's name and a factory for that command.
type entry struct {
	name string
	fn   factory
}

func registerCommands(ui mcli.Ui, m map[string]mcli.CommandFactory, cmdEntries ...entry) {
	for _, ent := range cmdEntries {
		thisFn := ent.fn
		if _, ok := m[ent.name]; ok {
			panic(fmt.Sprintf("duplicate command: %q", ent.name))
		}
		m[ent.name] = func() (mcli.Command, error) {
			return thisFn(ui)
		}
	}
}
