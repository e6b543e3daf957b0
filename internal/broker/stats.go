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

package broker

import "time"

// ResourceStats is the per-resource counter snapshot.
type ResourceStats struct {
	TokensThisMinute   int
	RequestsThisMinute int
	RequestsThisSecond int
	ActiveRequests     int
	TotalRequests      int64
	TotalTokens        int64
	WaitCount          int64
	TotalWaitTime      time.Duration
	TotalProcessingTime time.Duration
	QueueByPriority    QueueDepths
	AvgWaitTime        time.Duration
	AvgProcessingTime  time.Duration
}

// QueueDepths breaks a resource's queue length down by priority.
type QueueDepths struct {
	High   int
	Normal int
	Low    int
}

// AggregateStats is the broker-wide counter snapshot.
type AggregateStats struct {
	TotalRequests int64
	TotalSuccess  int64
	TotalErrors   int64
	QueueSize     int
	UptimeMs      int64
}
