// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedmux.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "WARN"
log_json  = true
`), 0600))

	var f ConfigFlags
	fs := f.Flags()
	require.NoError(t, fs.Parse([]string{"-config-file", path, "-log-level", "TRACE"}))

	c, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, "TRACE", c.LogLevel)
	require.True(t, c.LogJSON, "unset flags keep the file value")

	var none ConfigFlags
	require.NoError(t, none.Flags().Parse(nil))
	c, err = none.Load()
	require.NoError(t, err)
	require.Equal(t, "INFO", c.LogLevel)
}

func TestUsage(t *testing.T) {
	var f ConfigFlags
	out := Usage(`
Usage: feedmux test [options]

  Does a test.
`, f.Flags())
	require.Contains(t, out, "Usage: feedmux test [options]")
	require.Contains(t, out, "Command Options")
	require.Contains(t, out, "  -config-file=<string>")
	require.Contains(t, out, "  -log-json\n")
}
