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
	"strconv"
	"time"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
)

var log = logger.Get()

// GetBoolAsStringEnvVar parses an environment variable and returns the boolean
// representation of its value, or the default value if unset or unparsable
func GetBoolAsStringEnvVar(env string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(env); ok {
		parsedVal, err := strconv.ParseBool(val)
		if err == nil {
			return parsedVal
		}
		log.Errorf("Failed to parse variable %s with value %s as boolean", env, val)
	}
	return defaultVal
}

// GetIntFromStringEnvVar parses an environment variable and returns the integer
// representation of its value, or the default value if unset or unparsable
func GetIntFromStringEnvVar(env string, defaultVal int) int {
	if val, ok := os.LookupEnv(env); ok {
		parsedVal, err := strconv.Atoi(val)
		if err == nil {
			return parsedVal
		}
		log.Errorf("Failed to parse variable %s with value %s as integer", env, val)
	}
	return defaultVal
}

// GetDurationFromStringEnvVar parses an environment variable and returns the
// duration representation of its value, or the default value if unset or
// unparsable
func GetDurationFromStringEnvVar(env string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(env); ok {
		parsedVal, err := time.ParseDuration(val)
		if err == nil {
			return parsedVal
		}
		log.Errorf("Failed to parse variable %s with value %s as duration", env, val)
	}
	return defaultVal
}

// GetEnv returns the set value of an environment variable, or the default
// value if unset
func GetEnv(env, defaultVal string) string {
	if val, ok := os.LookupEnv(env); ok {
		return val
	}
	return defaultVal
}
