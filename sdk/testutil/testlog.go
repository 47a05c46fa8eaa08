// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

var sendTestLogsToStdout bool

func init() {
	sendTestLogsToStdout = os.Getenv("NOLOGBUFFER") == "1"
}

// Logger returns a trace level logger named after the test. Output goes
// through t.Log unless NOLOGBUFFER=1, so it only shows for failing tests.
func Logger(t testing.TB) hclog.InterceptLogger {
	if sendTestLogsToStdout {
		return LoggerWithOutput(t, os.Stdout)
	}
	return LoggerWithOutput(t, &testWriter{t: t})
}

func LoggerWithOutput(t testing.TB, output io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      hclog.Trace,
		Output:     output,
		TimeFormat: "04:05.000",
	})
}

type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	// Logging after the test finished panics in t.Log.
	defer func() { recover() }()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
