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
	"time"
)

// PollConfig bounds a wait on a condition. Zero fields take the defaults
// of PollUntil.
type PollConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// StartupPollConfig waits for a freshly spawned daemon. Drives are attached
// before the socket opens, so readiness can take a while on large trees.
func StartupPollConfig() PollConfig {
	return PollConfig{Timeout: 10 * time.Second, Interval: 25 * time.Millisecond}
}

// KillPollConfig waits for a process to disappear after SIGKILL.
func KillPollConfig() PollConfig {
	return PollConfig{Timeout: 500 * time.Millisecond, Interval: 50 * time.Millisecond}
}

// PollUntil evaluates cond right away and then on every tick until it holds.
// It returns nil once cond is true, or the context error when the timeout
// or ctx ends first.
func PollUntil(ctx context.Context, cfg PollConfig, cond func() bool) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cond() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	tick := time.NewTicker(cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if cond() {
				return nil
			}
		}
	}
}
