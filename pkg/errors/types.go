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

package errors

import (
	"fmt"
)

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "vms_address", "rpc_port")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Hint is an optional suggestion shown to the operator
	Hint string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *ConfigError) IsUserVisible() bool { return e.Hint != "" }

// Suggestion implements UserVisibleError.
func (e *ConfigError) Suggestion() string { return e.Hint }

// MetadataUnavailableError is returned when the cluster metadata query cannot
// be completed or its response does not have the expected shape.
// It is fatal: the known/unknown decision depends on it.
type MetadataUnavailableError struct {
	// Address is the membership service address that was queried
	Address string

	// Reason describes which step failed (query, parse, shape)
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *MetadataUnavailableError) Error() string {
	msg := fmt.Sprintf("cluster metadata unavailable from %s: %s", e.Address, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MetadataUnavailableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *MetadataUnavailableError) ErrorType() string { return "metadata_unavailable" }

// IsRetryable implements ErrorClassifier.
func (e *MetadataUnavailableError) IsRetryable() bool { return false }

// VolumeIOError represents an unrecoverable filesystem failure while
// preparing the node's data volume.
type VolumeIOError struct {
	// Path is the volume path being prepared
	Path string

	// Op is the filesystem operation that failed ("remove", "mkdir")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *VolumeIOError) Error() string {
	return fmt.Sprintf("volume %s: %s failed: %v", e.Path, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *VolumeIOError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *VolumeIOError) ErrorType() string { return "volume_io" }

// IsRetryable implements ErrorClassifier.
func (e *VolumeIOError) IsRetryable() bool { return false }

// RegistrationError is returned when the add-node command fails.
type RegistrationError struct {
	// Address is the advertise address being registered
	Address string

	// ExitCode is the command exit code, or -1 if the command did not run
	ExitCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("register storage node %s: exit status %d: %v", e.Address, e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("register storage node %s: %v", e.Address, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *RegistrationError) ErrorType() string { return "registration" }

// IsRetryable implements ErrorClassifier.
func (e *RegistrationError) IsRetryable() bool { return true }

// SpawnError is returned when the node process could not be launched.
type SpawnError struct {
	// Binary is the executable that failed to start
	Binary string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *SpawnError) ErrorType() string { return "spawn" }

// IsRetryable implements ErrorClassifier.
func (e *SpawnError) IsRetryable() bool { return true }
