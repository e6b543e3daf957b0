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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * *")
	require.Error(t, err)
}

func TestParse_Aliases(t *testing.T) {
	for _, alias := range []string{"@hourly", "@daily", "@weekly", "@monthly", "@yearly"} {
		_, err := Parse(alias)
		require.NoError(t, err, alias)
	}
}

func TestExpr_NextEveryHour(t *testing.T) {
	expr, err := Parse("0 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 30, 10, 15, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 7, 30, 11, 0, 0, 0, time.UTC), next)
}

func TestExpr_NextWeekdaysAt9(t *testing.T) {
	expr, err := Parse("0 9 * * 1-5")
	require.NoError(t, err)

	// Saturday 2026-08-01 -> next Monday 2026-08-03 at 09:00.
	from := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), next)
}

func TestExpr_NextEveryFifteenMinutes(t *testing.T) {
	expr, err := Parse("*/15 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 7, 30, 10, 16, 0, 0, time.UTC)
	next := expr.Next(from)
	assert.Equal(t, time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC), next)
}
