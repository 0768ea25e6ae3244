// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains OS-level helpers shared by the supervisor and the
// fork-server controller: pipe construction, process wait status handling and
// shared memory management.
package osutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// Command returns an exec.Cmd with the given arguments and a scrubbed
// environment. Callers append only the variables the child is supposed
// to see, so a stray supervisor environment does not leak into targets.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Env = []string{}
	return cmd
}

// LongPipe creates a pipe with an increased buffer where the OS supports it.
// Relay traffic is bursty right after a fork, a larger buffer keeps the
// child from blocking on advisory writes.
func LongPipe() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	prolongPipe(r, w)
	return r, w, nil
}

// ProcessExitStatus returns the exit status of a finished process.
func ProcessExitStatus(ps *os.ProcessState) int {
	return ps.Sys().(syscall.WaitStatus).ExitStatus()
}

// WriteFile writes data to the file with the default permissions.
func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

// Abs returns the absolute path, or the path itself if it can't be resolved.
func Abs(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
