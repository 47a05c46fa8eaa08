// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func parse(s string) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		panic(s + ":" + err.Error())
	}
	return m
}

func TestPatchSliceOfMaps(t *testing.T) {
	tests := []struct {
		in, out  string
		skip     []string
		skipTree []string
	}{
		{
			in:  `{"a":{"b":"c"}}`,
			out: `{"a":{"b":"c"}}`,
		},
		{
			in:  `{"a":[{"b":"c"}]}`,
			out: `{"a":{"b":"c"}}`,
		},
		{
			in:  `{"a":[{"b":[{"c":"d"}]}]}`,
			out: `{"a":{"b":{"c":"d"}}}`,
		},
		{
			in:   `{"a":[{"b":"c"}]}`,
			out:  `{"a":[{"b":"c"}]}`,
			skip: []string{"a"},
		},
		{
			in: `{
				"tunnel": [
					{
						"name": "text",
						"class_of_service": [
							{"flow_control": "bidirectional"}
						]
					},
					{
						"name": "orders"
					}
				]
			}`,
			out: `{
				"tunnel": [
					{
						"name": "text",
						"class_of_service": {"flow_control": "bidirectional"}
					},
					{
						"name": "orders"
					}
				]
			}`,
			skip: []string{"tunnel"},
		},
		{
			in: `{"channel":[{"endpoint":[{"address":"a:1"},{"address":"b:1"}],"tls":[{"ca_file":"ca.pem"}]}]}`,
			out: `{"channel":{"endpoint":[{"address":"a:1"},{"address":"b:1"}],"tls":{"ca_file":"ca.pem"}}}`,
			skip: []string{"channel.endpoint"},
		},
		{
			in: `
			{
				"a": [
					{
						"b": [
							{
								"c": "val1",
								"d": {
									"foo": "bar"
								},
								"e": [
									{
										"super": "duper"
									}
								]
							}
						]
					}
				]
			}
			`,
			out: `
			{
				"a": {
					"b": [
						{
							"c": "val1",
							"d": {
								"foo": "bar"
							},
							"e": [
								{
									"super": "duper"
								}
							]
						}
					]
				}
			}
			`,
			skipTree: []string{"a.b"},
		},
	}

	for i, tt := range tests {
		desc := fmt.Sprintf("%02d: %s -> %s skip: %v", i, tt.in, tt.out, tt.skip)
		t.Run(desc, func(t *testing.T) {
			out, err := PatchSliceOfMaps(parse(tt.in), tt.skip, tt.skipTree)
			require.NoError(t, err)
			require.Equal(t, parse(tt.out), out)
		})
	}
}

func TestPatchSliceOfMaps_RepeatedBlock(t *testing.T) {
	_, err := PatchSliceOfMaps(parse(`{"listen":[{"address":":1"},{"address":":2"}]}`), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `only one "listen" block`)
}
