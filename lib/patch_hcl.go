// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

import (
	"fmt"
	"strings"
)

// PatchSliceOfMaps flattens the single element slices of maps the HCL
// parser produces for blocks, so a block decodes into a struct field.
// Keys listed in skip stay slices but their elements are patched; keys in
// skipTree are left untouched along with everything below them. Keys are
// dotted paths from the root and compared case insensitively.
func PatchSliceOfMaps(m map[string]interface{}, skip []string, skipTree []string) (map[string]interface{}, error) {
	lowerSkip := make([]string, len(skip))
	lowerSkipTree := make([]string, len(skipTree))

	for i, val := range skip {
		lowerSkip[i] = strings.ToLower(val)
	}
	for i, val := range skipTree {
		lowerSkipTree[i] = strings.ToLower(val)
	}

	v, err := patchValue("", m, lowerSkip, lowerSkipTree)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]interface{})
	return out, nil
}

func patchValue(name string, v interface{}, skip []string, skipTree []string) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return x, nil
		}
		mm := make(map[string]interface{}, len(x))
		for k, v := range x {
			key := k
			if name != "" {
				key = name + "." + k
			}
			pv, err := patchValue(key, v, skip, skipTree)
			if err != nil {
				return nil, err
			}
			mm[k] = pv
		}
		return mm, nil

	case []interface{}:
		if len(x) == 0 {
			return nil, nil
		}
		if strSliceContains(name, skipTree) {
			return x, nil
		}
		if strSliceContains(name, skip) {
			for i, y := range x {
				py, err := patchValue(name, y, skip, skipTree)
				if err != nil {
					return nil, err
				}
				x[i] = py
			}
			return x, nil
		}
		if _, ok := x[0].(map[string]interface{}); !ok {
			return x, nil
		}
		if len(x) > 1 {
			return nil, fmt.Errorf("%s: only one %q block is allowed", name, name)
		}
		return patchValue(name, x[0], skip, skipTree)

	case []map[string]interface{}:
		if len(x) == 0 {
			return nil, nil
		}
		if strSliceContains(name, skipTree) {
			return x, nil
		}
		if strSliceContains(name, skip) {
			for i, y := range x {
				py, err := patchValue(name, y, skip, skipTree)
				if err != nil {
					return nil, err
				}
				x[i], _ = py.(map[string]interface{})
			}
			return x, nil
		}
		if len(x) > 1 {
			return nil, fmt.Errorf("%s: only one %q block is allowed", name, name)
		}
		return patchValue(name, x[0], skip, skipTree)

	default:
		return v, nil
	}
}

func strSliceContains(s string, v []string) bool {
	s = strings.ToLower(s)
	for _, vv := range v {
		if s == vv {
			return true
		}
	}
	return false
}
