// Copyright Shipswitch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package utils

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetBoolAsStringEnvVar(t *testing.T) {
	assert.True(t, GetBoolAsStringEnvVar("SHIPSWITCH_TEST_UNSET", true))

	os.Setenv("SHIPSWITCH_TEST_BOOL", "false")
	defer os.Unsetenv("SHIPSWITCH_TEST_BOOL")
	assert.False(t, GetBoolAsStringEnvVar("SHIPSWITCH_TEST_BOOL", true))

	os.Setenv("SHIPSWITCH_TEST_BOOL", "nonsense")
	assert.True(t, GetBoolAsStringEnvVar("SHIPSWITCH_TEST_BOOL", true))
}

func TestGetIntFromStringEnvVar(t *testing.T) {
	assert.Equal(t, 42, GetIntFromStringEnvVar("SHIPSWITCH_TEST_UNSET", 42))

	os.Setenv("SHIPSWITCH_TEST_INT", "7")
	defer os.Unsetenv("SHIPSWITCH_TEST_INT")
	assert.Equal(t, 7, GetIntFromStringEnvVar("SHIPSWITCH_TEST_INT", 42))

	os.Setenv("SHIPSWITCH_TEST_INT", "seven")
	assert.Equal(t, 42, GetIntFromStringEnvVar("SHIPSWITCH_TEST_INT", 42))
}

func TestGetDurationFromStringEnvVar(t *testing.T) {
	assert.Equal(t, time.Minute, GetDurationFromStringEnvVar("SHIPSWITCH_TEST_UNSET", time.Minute))

	os.Setenv("SHIPSWITCH_TEST_DUR", "90s")
	defer os.Unsetenv("SHIPSWITCH_TEST_DUR")
	assert.Equal(t, 90*time.Second, GetDurationFromStringEnvVar("SHIPSWITCH_TEST_DUR", time.Minute))
}

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("SHIPSWITCH_TEST_UNSET", "fallback"))

	os.Setenv("SHIPSWITCH_TEST_STR", "value")
	defer os.Unsetenv("SHIPSWITCH_TEST_STR")
	assert.Equal(t, "value", GetEnv("SHIPSWITCH_TEST_STR", "fallback"))
}
