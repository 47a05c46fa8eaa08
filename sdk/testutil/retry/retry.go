// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package retry repeats test assertions until they pass or a deadline
// expires.
//
//	retry.Run(t, func(r *retry.R) {
//	    if got := reactor.Channels(); got != 1 {
//	        r.Fatalf("want 1 channel, got %d", got)
//	    }
//	})
//
// Fatal and FailNow on *R end only the current attempt.
package retry

import (
	"fmt"
	"runtime"
	"strings"
)

// Failer is the subset of testing.TB used by Run.
type Failer interface {
	Helper()
	Log(args ...interface{})
	FailNow()
}

// R is passed to each attempt.
type R struct {
	fail   bool
	done   bool
	output []string
}

var attemptFailed = struct{}{}

func (r *R) Helper() {}

func (r *R) FailNow() {
	r.fail = true
	panic(attemptFailed)
}

func (r *R) Fatal(args ...interface{}) {
	r.log(fmt.Sprint(args...))
	r.FailNow()
}

func (r *R) Fatalf(format string, args ...interface{}) {
	r.log(fmt.Sprintf(format, args...))
	r.FailNow()
}

func (r *R) Errorf(format string, args ...interface{}) {
	r.log(fmt.Sprintf(format, args...))
	r.fail = true
}

// Check fails the attempt when err is non-nil.
func (r *R) Check(err error) {
	if err != nil {
		r.log(err.Error())
		r.FailNow()
	}
}

// Stop gives up immediately and fails the test with err.
func (r *R) Stop(err error) {
	r.log(err.Error())
	r.done = true
}

func (r *R) log(s string) {
	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = file[strings.LastIndex(file, "/")+1:]
	} else {
		file, line = "???", 1
	}
	r.output = append(r.output, fmt.Sprintf("%s:%d: %s", file, line, s))
}

// Run retries f with the default timer.
func Run(t Failer, f func(r *R)) {
	t.Helper()
	RunWith(DefaultRetryer(), t, f)
}

// RunWith retries f until it passes or retryer gives up.
func RunWith(retryer Retryer, t Failer, f func(r *R)) {
	t.Helper()
	r := &R{}
	for retryer.Continue() {
		r.fail = false
		r.output = r.output[:0]
		r.attempt(f)
		if r.done {
			break
		}
		if !r.fail {
			return
		}
	}
	if len(r.output) > 0 {
		t.Log(strings.Join(r.output, "\n"))
	}
	t.FailNow()
}

func (r *R) attempt(f func(r *R)) {
	defer func() {
		if p := recover(); p != nil && p != attemptFailed {
			panic(p)
		}
	}()
	f(r)
}
