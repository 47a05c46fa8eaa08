// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagMapValue_Set(t *testing.T) {
	var f FlagMapValue
	require.Error(t, f.Set("IBM.N"))

	require.NoError(t, f.Set("IBM.N=price:100"))
	require.NoError(t, f.Set("TRI.N=price:=42"))
	require.NoError(t, f.Set("IBM.N=price:101"))
	require.Equal(t, FlagMapValue{"IBM.N": "price:101", "TRI.N": "price:=42"}, f)
}

func TestFlagMapValue_Merge(t *testing.T) {
	cases := map[string]struct {
		src FlagMapValue
		dst map[string]string
		exp map[string]string
	}{
		"empty source and destination": {},
		"empty source": {
			dst: map[string]string{"key": "val"},
			exp: map[string]string{"key": "val"},
		},
		"destination wins": {
			src: map[string]string{"key1": "val1", "key2": "val2"},
			dst: map[string]string{"key1": "val2", "key3": "val3"},
			exp: map[string]string{"key1": "val2", "key2": "val2", "key3": "val3"},
		},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			c.src.Merge(c.dst)
			require.Equal(t, c.exp, c.dst)
		})
	}
}

func TestAppendSliceValue(t *testing.T) {
	var s AppendSliceValue
	require.NoError(t, s.Set("market_price:IBM.N"))
	require.NoError(t, s.Set("TRI.N"))
	require.Equal(t, AppendSliceValue{"market_price:IBM.N", "TRI.N"}, s)
	require.Equal(t, "market_price:IBM.N,TRI.N", s.String())
}

func TestBoolValue(t *testing.T) {
	on := true

	var unset BoolValue
	unset.Merge(&on)
	require.True(t, on)

	var set BoolValue
	require.NoError(t, set.Set("false"))
	set.Merge(&on)
	require.False(t, on)
	require.Error(t, set.Set("maybe"))
}
