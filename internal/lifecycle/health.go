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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrHealthCheckTimeout is returned when health checks exceed the timeout.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrHealthCheckFailed is returned when the RPC endpoint cannot be reached.
	ErrHealthCheckFailed = errors.New("health check failed")
)

// HealthChecker probes the node's RPC listener. A probe succeeds once a
// gRPC client connection to the address reaches the Ready state; the node
// does not need to implement any particular service.
type HealthChecker struct {
	address         string
	dialOpts        []grpc.DialOption
	attemptTimeout  time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// HealthCheckResult contains the result of a health check attempt.
type HealthCheckResult struct {
	Success      bool
	State        connectivity.State
	ResponseTime time.Duration
	Error        error
}

// NewHealthChecker creates a health checker for host:port.
// Default backoff: 50ms initial, 2x multiplier, 1s max interval.
func NewHealthChecker(address string) *HealthChecker {
	return &HealthChecker{
		address: address,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
		attemptTimeout:  2 * time.Second,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithAttemptTimeout bounds a single Check.
func (h *HealthChecker) WithAttemptTimeout(d time.Duration) *HealthChecker {
	h.attemptTimeout = d
	return h
}

// Check performs a single connectivity probe.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	conn, err := grpc.NewClient(h.address, h.dialOpts...)
	if err != nil {
		return &HealthCheckResult{
			Error: fmt.Errorf("failed to create client: %w", err),
		}
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, h.attemptTimeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return &HealthCheckResult{
				Success:      true,
				State:        state,
				ResponseTime: time.Since(start),
			}
		case connectivity.TransientFailure, connectivity.Shutdown:
			return &HealthCheckResult{
				State:        state,
				ResponseTime: time.Since(start),
				Error:        fmt.Errorf("%w: %s is %s", ErrHealthCheckFailed, h.address, state),
			}
		}
		if !conn.WaitForStateChange(ctx, state) {
			return &HealthCheckResult{
				State:        conn.GetState(),
				ResponseTime: time.Since(start),
				Error:        fmt.Errorf("%w: %s: %v", ErrHealthCheckFailed, h.address, ctx.Err()),
			}
		}
	}
}

// WaitUntilHealthy polls until a probe succeeds or timeout is reached.
func (h *HealthChecker) WaitUntilHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := h.initialInterval
	attempts := 0

	for {
		attempts++
		result := h.Check(ctx)
		if result.Success {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempts, result.Error)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
