// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/feedmux/sdk/testutil"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func startWatcher(t *testing.T, paths ...string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(paths, testutil.Logger(t))
	require.NoError(t, err)
	w.reconcile = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
	return w
}

func requireEvent(t *testing.T, w *FileWatcher, filename string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Filename == filename {
				return
			}
		case <-timeout:
			t.Fatalf("no event for %s", filename)
		}
	}
}

func TestFileWatcher_Write(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "feedmux.hcl", `log_level = "INFO"`)
	w := startWatcher(t, path)

	// Some filesystems only keep second resolution modification times.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "DEBUG"`), 0600))
	require.NoError(t, os.Chtimes(path, future, future))
	requireEvent(t, w, path)
}

func TestFileWatcher_RenameOver(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "feedmux.hcl", `log_level = "INFO"`)
	w := startWatcher(t, path)

	tmp := writeConfigFile(t, dir, "feedmux.hcl.tmp", `log_level = "WARN"`)
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(tmp, future, future))
	require.NoError(t, os.Rename(tmp, path))
	requireEvent(t, w, path)
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "feedmux.hcl", `log_level = "INFO"`)
	w := startWatcher(t, path)

	writeConfigFile(t, dir, "other.hcl", `x = 1`)
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewFileWatcher_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileWatcher([]string{filepath.Join(dir, "missing.hcl")}, nil)
	require.Error(t, err)

	target := writeConfigFile(t, dir, "real.hcl", "")
	link := filepath.Join(dir, "link.hcl")
	require.NoError(t, os.Symlink(target, link))
	_, err = NewFileWatcher([]string{link}, nil)
	require.ErrorContains(t, err, "symbolic links are not supported")
}
