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
	"strconv"
	"testing"
)

func TestFormatCleanupResult_Empty(t *testing.T) {
	formatted := FormatCleanupResult(&CleanupResult{})
	if formatted != "No cleanup needed" {
		t.Errorf("FormatCleanupResult() = %q, want 'No cleanup needed'", formatted)
	}
}

func TestFormatCleanupResult_Both(t *testing.T) {
	formatted := FormatCleanupResult(&CleanupResult{CleanedPidFile: true, CleanedSocket: true})
	if formatted != "removed stale PID file, removed stale socket" {
		t.Errorf("FormatCleanupResult() = %q", formatted)
	}
}

func TestCleanupStale(t *testing.T) {
	isolateConfig(t)

	// A PID that cannot be running and a socket nobody listens on.
	if err := os.WriteFile(PidPath(), []byte(strconv.Itoa(1<<22+1)), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(SocketPath(), nil, 0600); err != nil {
		t.Fatal(err)
	}

	result := CleanupStale()
	if !result.CleanedPidFile || !result.CleanedSocket {
		t.Fatalf("CleanupStale() = %+v, want both cleaned", result)
	}
	if _, err := os.Stat(PidPath()); !os.IsNotExist(err) {
		t.Error("PID file should be removed")
	}
	if _, err := os.Stat(SocketPath()); !os.IsNotExist(err) {
		t.Error("socket should be removed")
	}
}

func TestCleanupStale_LivePid(t *testing.T) {
	isolateConfig(t)

	if err := os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		t.Fatal(err)
	}
	if CleanupStale().CleanedPidFile {
		t.Error("PID file of a running process must be kept")
	}
}
