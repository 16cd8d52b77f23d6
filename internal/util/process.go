// Copyright 2024 DriveForest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StopConfig configures StopProcess.
type StopConfig struct {
	GracefulTimeout time.Duration // default: 10s
	PollInterval    time.Duration // default: 100ms
}

// StartDetached re-executes the current binary with args in a new session
// so it outlives the calling terminal.
func StartDetached(args []string) (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// The child is never waited on; release it so it is not left a zombie
	// in our process table if we keep running.
	_ = cmd.Process.Release()
	return cmd.Process, nil
}

// StopProcess asks the process to stop, waits, then kills it.
func StopProcess(ctx context.Context, pid int, cfg StopConfig, gracefulStop func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if gracefulStop != nil {
		// A failed request still falls through to the kill below.
		_ = gracefulStop()
	}

	err := PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, func() bool {
		return !isRunning()
	})
	if err == nil {
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	if PollUntil(ctx, KillPollConfig(), func() bool { return !isRunning() }) == nil {
		return nil
	}
	return fmt.Errorf("failed to stop process (PID %d)", pid)
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
