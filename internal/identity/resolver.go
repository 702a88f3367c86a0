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

// Package identity decides whether this host is a storage node the cluster
// already knows, or a new one that needs a freshly allocated id.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// MaxBound is the largest allocatable storage node id.
const MaxBound int64 = math.MaxInt32

// NodeIdentity is the resolved identity of this storage node.
// Known is true when ID came from cluster metadata for this advertise address.
type NodeIdentity struct {
	ID    int32 `json:"id"`
	Known bool  `json:"known"`
}

// MetadataSource lists the storage nodes registered in the cluster.
type MetadataSource interface {
	StorageNodes(ctx context.Context) (map[int32]string, error)
}

// Allocator hands out candidate ids for nodes unknown to the cluster.
type Allocator interface {
	Allocate() int32
}

// RandomAllocator draws ids uniformly from [1, bound].
type RandomAllocator struct {
	bound int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAllocator creates an allocator over [1, bound]. Bounds outside
// [1, MaxBound] are clamped to MaxBound. A nil src seeds from the runtime.
func NewRandomAllocator(bound int64, src rand.Source) *RandomAllocator {
	if bound < 1 || bound > MaxBound {
		bound = MaxBound
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &RandomAllocator{bound: bound, rng: rand.New(src)}
}

// Bound returns the inclusive upper bound.
func (a *RandomAllocator) Bound() int64 {
	return a.bound
}

// Allocate returns an id in [1, bound].
func (a *RandomAllocator) Allocate() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int32(1 + a.rng.Int64N(a.bound))
}

// Resolver resolves the node identity for one advertise address.
type Resolver struct {
	source    MetadataSource
	allocator Allocator
	advertise string
	logger    *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(source MetadataSource, advertise string, allocator Allocator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if allocator == nil {
		allocator = NewRandomAllocator(MaxBound, nil)
	}
	return &Resolver{
		source:    source,
		allocator: allocator,
		advertise: advertise,
		logger:    logger.With(slog.String("component", "identity")),
	}
}

// Resolve queries cluster metadata once. A matching advertise address yields
// a known identity; otherwise a new id is allocated. It never retries.
func (r *Resolver) Resolve(ctx context.Context) (NodeIdentity, error) {
	nodes, err := r.source.StorageNodes(ctx)
	if err != nil {
		var metaErr *vsnerrors.MetadataUnavailableError
		if !errors.As(err, &metaErr) {
			err = &vsnerrors.MetadataUnavailableError{Reason: "query failed", Cause: err}
		}
		r.logger.Error("could not resolve storage node id", slog.Any("error", err))
		return NodeIdentity{}, err
	}

	if id, ok := lookup(nodes, r.advertise); ok {
		r.logger.Info("storage node known to cluster",
			slog.Int("node_id", int(id)),
			slog.String("advertise_address", r.advertise))
		return NodeIdentity{ID: id, Known: true}, nil
	}

	id := r.allocator.Allocate()
	r.logger.Info("storage node not found in cluster, allocated new id",
		slog.Int("node_id", int(id)),
		slog.String("advertise_address", r.advertise),
		slog.Int("cluster_size", len(nodes)))
	return NodeIdentity{ID: id, Known: false}, nil
}

// lookup finds the id registered for addr. If several ids share the address
// the smallest wins so the result does not depend on map order.
func lookup(nodes map[int32]string, addr string) (int32, bool) {
	var matches []int32
	for id, a := range nodes {
		if a == addr {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return 0, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
	return matches[0], true
}
