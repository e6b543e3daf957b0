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

package sandbox

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRestrictedEnv_OnlyAllowsListedNames(t *testing.T) {
	t.Setenv("CORE_ALLOWED_VAR", "yes")
	t.Setenv("CORE_SECRET_VAR", "no")

	env := buildRestrictedEnv([]string{"CORE_ALLOWED_VAR"}, "/tmp/x")

	assert.Contains(t, env, "CORE_ALLOWED_VAR=yes")
	for _, kv := range env {
		assert.NotContains(t, kv, "CORE_SECRET_VAR")
	}
}

func TestAllowsPath_DenyWinsOverAllow(t *testing.T) {
	perms := Permissions{FSAllow: []string{"/data/**"}, FSDeny: []string{"/data/secret/**"}}

	assert.True(t, AllowsPath(perms, "/data/file.txt"))
	assert.False(t, AllowsPath(perms, "/data/secret/key.txt"))
}

func TestAllowsPath_EmptyAllowListMeansUnrestricted(t *testing.T) {
	perms := Permissions{}
	assert.True(t, AllowsPath(perms, "/anything"))
}

func TestSpawn_RunsAndCleansUp(t *testing.T) {
	spec := ProcessSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	}

	proc, err := Spawn(context.Background(), spec)
	require.NoError(t, err)
	defer proc.Cleanup()

	require.NoError(t, proc.Wait())
	tmpDir := proc.tmpDir
	assert.NoError(t, proc.Cleanup())

	_, statErr := os.Stat(tmpDir)
	assert.True(t, os.IsNotExist(statErr))
}
