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

package runner

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// memoryWatcher polls a worker's resident set size and reports
// pre-OOM/OOM crossings.
type memoryWatcher struct {
	proc     *process.Process
	budgetMB int
	interval time.Duration
}

// memoryEvent is emitted when a watched worker crosses a memory
// threshold.
type memoryEvent int

const (
	memoryEventNone memoryEvent = iota
	memoryEventPreOOM
	memoryEventOOM
)

func newMemoryWatcher(pid int, budgetMB int) (*memoryWatcher, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return &memoryWatcher{proc: p, budgetMB: budgetMB, interval: time.Second}, nil
}

// watch polls at w.interval (1s) until ctx is done, sending a
// memoryEvent the first time each threshold is crossed.
func (w *memoryWatcher) watch(ctx context.Context, events chan<- memoryEvent) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	preOOMSent := false
	oomSent := false
	budgetBytes := uint64(w.budgetMB) * 1024 * 1024

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			memInfo, err := w.proc.MemInfoWithContext(ctx)
			if err != nil {
				// Worker likely exited; let the caller observe that via
				// process.Wait() instead of failing the watch loop.
				continue
			}

			rss := memInfo.RSS
			switch {
			case rss >= budgetBytes && !oomSent:
				oomSent = true
				events <- memoryEventOOM
			case rss >= uint64(float64(budgetBytes)*0.85) && !preOOMSent:
				preOOMSent = true
				events <- memoryEventPreOOM
			}
		}
	}
}
