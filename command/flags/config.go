// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"flag"

	"github.com/hashicorp/feedmux/agent/config"
)

// ConfigFlags are shared by the commands that read a configuration file.
// Values given on the command line override the file.
type ConfigFlags struct {
	File     string
	LogLevel string
	LogJSON  BoolValue
}

func (f *ConfigFlags) Flags() *flag.FlagSet {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&f.File, "config-file", "",
		"Path to an HCL or JSON configuration file. Files ending in .json are "+
			"read as JSON. The file is watched and endpoint changes are applied "+
			"without restarting.")
	fs.StringVar(&f.LogLevel, "log-level", "",
		"Log level of the command. One of TRACE, DEBUG, INFO, WARN or ERROR.")
	fs.Var(&f.LogJSON, "log-json",
		"Output logs in JSON format.")
	return fs
}

// Load reads the configuration file, or returns the defaults when none was
// given, and applies the flag overrides.
func (f *ConfigFlags) Load() (*config.Config, error) {
	var c *config.Config
	if f.File != "" {
		var err error
		if c, err = config.Load(f.File); err != nil {
			return nil, err
		}
	} else {
		d := config.Default()
		c = &d
	}
	f.Apply(c)
	return c, nil
}

// Apply writes the flags that were set into c.
func (f *ConfigFlags) Apply(c *config.Config) {
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	f.LogJSON.Merge(&c.LogJSON)
}

// Merge copies every flag of src into dst.
func Merge(dst, src *flag.FlagSet) {
	if dst == nil {
		panic("dst cannot be nil")
	}
	if src == nil {
		return
	}
	src.VisitAll(func(f *flag.Flag) {
		dst.Var(f.Value, f.Name, f.Usage)
	})
}
