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

package daemon

import (
	"os"
	"strings"

	"driveforest/internal/util"
)

// CleanupResult contains the results of startup cleanup
type CleanupResult struct {
	CleanedPidFile bool
	CleanedSocket  bool
}

// CleanupStale removes the PID file and socket left behind by a daemon
// that did not exit cleanly.
func CleanupStale() *CleanupResult {
	return &CleanupResult{
		CleanedPidFile: cleanupStalePidFile(),
		CleanedSocket:  cleanupStaleSocket(),
	}
}

// cleanupStalePidFile removes PID file if the process is not running
func cleanupStalePidFile() bool {
	pid, err := GetPID()
	if err != nil {
		// No PID file or can't read it
		return false
	}
	if util.IsProcessRunning(pid) {
		return false
	}
	os.Remove(PidPath())
	return true
}

// cleanupStaleSocket removes socket file if daemon isn't running
func cleanupStaleSocket() bool {
	socketPath := SocketPath()

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return false
	}

	// If we can't connect to the daemon, the socket is stale
	if !IsDaemonRunning() {
		os.Remove(socketPath)
		return true
	}

	return false
}

// FormatCleanupResult formats cleanup results for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string
	if result.CleanedPidFile {
		parts = append(parts, "removed stale PID file")
	}
	if result.CleanedSocket {
		parts = append(parts, "removed stale socket")
	}
	if len(parts) == 0 {
		return "No cleanup needed"
	}
	return strings.Join(parts, ", ")
}
