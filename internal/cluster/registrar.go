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

// Package cluster adds storage nodes to the cluster membership list.
package cluster

import (
	"context"
	"errors"
	"log/slog"
	"time"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// Membership is the mutating side of the membership service.
type Membership interface {
	AddStorageNode(ctx context.Context, advertise string) error
}

// Registrar registers a node with the cluster. It performs no idempotency
// check: callers decide whether registration is needed.
type Registrar struct {
	membership Membership
	logger     *slog.Logger
}

// NewRegistrar creates a registrar.
func NewRegistrar(membership Membership, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		membership: membership,
		logger:     logger.With(slog.String("component", "registrar")),
	}
}

// Register adds the node at advertise to the cluster.
// Failures are returned as *errors.RegistrationError.
func (r *Registrar) Register(ctx context.Context, advertise string) error {
	start := time.Now()
	r.logger.Info("adding storage node to cluster", slog.String("advertise_address", advertise))

	if err := r.membership.AddStorageNode(ctx, advertise); err != nil {
		var regErr *vsnerrors.RegistrationError
		if !errors.As(err, &regErr) {
			err = &vsnerrors.RegistrationError{Address: advertise, ExitCode: -1, Cause: err}
		}
		r.logger.Error("could not add storage node", slog.Any("error", err))
		return err
	}

	r.logger.Info("storage node added to cluster",
		slog.String("advertise_address", advertise),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}
