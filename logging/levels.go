// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// levels maps every accepted log_level spelling to its hclog level. ERR is
// kept as an alias of ERROR.
var levels = map[string]hclog.Level{
	"TRACE": hclog.Trace,
	"DEBUG": hclog.Debug,
	"INFO":  hclog.Info,
	"WARN":  hclog.Warn,
	"ERR":   hclog.Error,
	"ERROR": hclog.Error,
}

var allowedLogLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERR", "ERROR"}

func AllowedLogLevels() []string {
	return append([]string(nil), allowedLogLevels...)
}

// ParseLevel is case insensitive.
func ParseLevel(s string) (hclog.Level, error) {
	l, ok := levels[strings.ToUpper(s)]
	if !ok {
		return hclog.NoLevel, fmt.Errorf("Invalid log level: %s. Valid log levels are: %v", s, allowedLogLevels)
	}
	return l, nil
}

func ValidateLogLevel(s string) bool {
	_, err := ParseLevel(s)
	return err == nil
}

// parseColor accepts auto, or one of the on and off spellings. Empty means
// off.
func parseColor(v string) (hclog.ColorOption, error) {
	switch strings.ToLower(v) {
	case "", "off", "never", "false":
		return hclog.ColorOff, nil
	case "auto":
		return hclog.AutoColor, nil
	case "on", "always", "true":
		return hclog.ForceColor, nil
	}
	return hclog.ColorOff, fmt.Errorf("invalid color value %q, must be one of auto, on or off", v)
}
