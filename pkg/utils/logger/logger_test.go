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

package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestEnvLogFilePath(t *testing.T) {
	path := "/var/log/test.log"
	_ = os.Setenv(envLogFilePath, path)
	defer os.Unsetenv(envLogFilePath)

	assert.Equal(t, path, GetLogLocation())
}

func TestGetLogFileLocationReturnsDefaultPath(t *testing.T) {
	assert.Equal(t, "stdout", GetLogLocation())
}

func TestLoggerGetSameInstance(t *testing.T) {
	log1 := Get()
	log2 := Get()

	assert.True(t, log1 == log2)
}

func TestLoggerNewAndGetSameInstance(t *testing.T) {
	logConfig := LoadLogConfig()
	log1 := New(logConfig)
	log2 := Get()

	assert.True(t, log1 == log2)
}

func TestLogLevelReturnsOverriddenLevel(t *testing.T) {
	_ = os.Setenv(envLogLevel, "ERROR")
	defer os.Unsetenv(envLogLevel)

	expectedLogLevel := zapcore.ErrorLevel
	inputLogLevel := GetLogLevel()
	assert.Equal(t, expectedLogLevel, parseLevel(inputLogLevel))
}

func TestLogLevelReturnsDefaultLevelWhenEnvNotSet(t *testing.T) {
	expectedLogLevel := zapcore.InfoLevel
	inputLogLevel := GetLogLevel()
	assert.Equal(t, expectedLogLevel, parseLevel(inputLogLevel))
}

func TestLogLevelReturnsDebugLevelWhenEnvSetToInvalidValue(t *testing.T) {
	_ = os.Setenv(envLogLevel, "EVERYTHING")
	defer os.Unsetenv(envLogLevel)

	expectedLogLevel := zapcore.DebugLevel
	inputLogLevel := GetLogLevel()
	assert.Equal(t, expectedLogLevel, parseLevel(inputLogLevel))
}

func TestLoggerWritesToFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "shipswitch-log-test-*.log")
	assert.NoError(t, err)
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	logConfig := &Configuration{
		LogLevel:    "Debug",
		LogLocation: tmpFile.Name(),
	}
	l := New(logConfig)
	l.Info("file sink test message")

	content, err := os.ReadFile(tmpFile.Name())
	assert.NoError(t, err)
	assert.Contains(t, string(content), "file sink test message")
}
