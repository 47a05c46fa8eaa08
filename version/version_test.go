// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"testing"

	goversion "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/require"
)

func TestGetHumanVersion(t *testing.T) {
	oldVersion, oldPre := Version, VersionPrerelease
	t.Cleanup(func() { Version, VersionPrerelease = oldVersion, oldPre })

	Version, VersionPrerelease = "1.2.3", ""
	require.Equal(t, "v1.2.3", GetHumanVersion())

	VersionPrerelease = "dev"
	require.Equal(t, "v1.2.3-dev", GetHumanVersion())
	require.Equal(t, "feedmux/1.2.3-dev", Component())

	Version, VersionPrerelease = "'1.2.3'", ""
	require.Equal(t, "v1.2.3", GetHumanVersion())
}

func TestVersionParses(t *testing.T) {
	_, err := goversion.NewVersion(Version)
	require.NoError(t, err)
}
