// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Name is the name the returned logger will use to prefix log lines.
	Name string

	// Color is one of auto, on or off.
	Color string

	// LogFilePath is an additional file the logs are appended to. A path
	// ending in a separator gets the default file name.
	LogFilePath string
}

const defaultLogFileName = "feedmux.log"

// Setup builds the root logger. Output goes to out and, when configured, to
// the log file.
func Setup(config Config, out io.Writer) (hclog.InterceptLogger, error) {
	level, err := ParseLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	color, err := parseColor(config.Color)
	if err != nil {
		return nil, err
	}

	var writers []io.Writer
	if out != nil {
		writers = append(writers, out)
	}
	if config.LogFilePath != "" {
		dir, fileName := filepath.Split(config.LogFilePath)
		if fileName == "" {
			fileName = defaultLogFileName
		}
		f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      level,
		Name:       config.Name,
		Output:     io.MultiWriter(writers...),
		JSONFormat: config.LogJSON,
		Color:      color,
	})
	return logger, nil
}
