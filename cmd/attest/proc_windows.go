//go:build windows

package main

import "os/exec"

// configureDaemonProc is a no-op; child processes on Windows outlive the
// parent console by default.
func configureDaemonProc(cmd *exec.Cmd) {}
