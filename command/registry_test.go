// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"
	"testing"

	mcli "github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"
)

func TestRegisteredCommands(t *testing.T) {
	cmds := RegisteredCommands(mcli.NewMockUi())
	for _, name := range []string{"consume", "provide", "validate", "version"} {
		f, ok := cmds[name]
		require.True(t, ok, name)
		c, err := f()
		require.NoError(t, err)
		require.NotEmpty(t, c.Synopsis())
		require.False(t, strings.ContainsRune(c.Help(), '\t'), "%s help has tabs", name)
	}
}

func TestRegisterCommands_Duplicate(t *testing.T) {
	m := map[string]mcli.CommandFactory{}
	fn := func(mcli.Ui) (mcli.Command, error) { return nil, nil }
	require.Panics(t, func() {
		registerCommands(mcli.NewMockUi(), m, entry{"a", fn}, entry{"a", fn})
	})
}
