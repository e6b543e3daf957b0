// Copyright 2025 Tom Barlow
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

package cron

import (
	"sync"
	"time"

	"github.com/forgecore/runtime/internal/runner"
	"github.com/forgecore/runtime/internal/sandbox"
)

// Job is a CronJob descriptor. Its identifier is globally unique: an id
// may be registered only once, and a registered job cannot be removed.
type Job struct {
	ID            string
	CronExpr      string
	Handler       runner.HandlerReference
	PluginID      string
	PluginVersion string
	PluginRoot    string
	Permissions   sandbox.Permissions
	Limits        runner.Limits
	Isolated      bool

	mu       sync.Mutex
	expr     *Expr
	nextFire time.Time
	lastRun  *time.Time
	paused   bool
	running  bool
	runCount int64
	errCount int64
}

// Stat is the point-in-time snapshot of a Job returned by GetStats.
type Stat struct {
	ID       string     `json:"id"`
	CronExpr string     `json:"cronExpr"`
	Paused   bool       `json:"paused"`
	Running  bool       `json:"running"`
	NextFire time.Time  `json:"nextFire"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	RunCount int64      `json:"runCount"`
	ErrCount int64      `json:"errCount"`
}

func (j *Job) snapshot() Stat {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stat{
		ID:       j.ID,
		CronExpr: j.CronExpr,
		Paused:   j.paused,
		Running:  j.running,
		NextFire: j.nextFire,
		LastRun:  j.lastRun,
		RunCount: j.runCount,
		ErrCount: j.errCount,
	}
}
