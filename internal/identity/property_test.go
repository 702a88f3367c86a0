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

package identity

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	vsnlog "github.com/tombee/vsnsup/internal/log"
)

// self never collides with gen.Identifier output, which has no ':'.
const self = "self.example:9091"

// TestResolverProperties checks the identity invariants for arbitrary cluster metadata.
func TestResolverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("registered address resolves to its id", prop.ForAll(
		func(others map[int32]string, id int32) bool {
			nodes := make(map[int32]string, len(others)+1)
			for k, v := range others {
				nodes[k] = v
			}
			nodes[id] = self

			alloc := &countingAllocator{next: -1}
			r := NewResolver(&staticSource{nodes: nodes}, self, alloc, vsnlog.Discard())
			got, err := r.Resolve(context.Background())

			return err == nil && got.Known && got.ID == id && alloc.calls == 0
		},
		gen.MapOf(gen.Int32Range(1, 1<<20), gen.Identifier()),
		gen.Int32Range(1, 1<<20),
	))

	properties.Property("unregistered address allocates within bound", prop.ForAll(
		func(nodes map[int32]string, bound int64, seed uint64) bool {
			alloc := NewRandomAllocator(bound, rand.NewPCG(seed, seed))
			r := NewResolver(&staticSource{nodes: nodes}, self, alloc, vsnlog.Discard())
			got, err := r.Resolve(context.Background())

			return err == nil && !got.Known && got.ID >= 1 && int64(got.ID) <= bound
		},
		gen.MapOf(gen.Int32Range(1, 1<<20), gen.Identifier()),
		gen.Int64Range(1, MaxBound),
		gen.UInt64(),
	))

	properties.Property("resolution never mutates metadata", prop.ForAll(
		func(nodes map[int32]string) bool {
			before := len(nodes)
			r := NewResolver(&staticSource{nodes: nodes}, self, nil, vsnlog.Discard())
			_, err := r.Resolve(context.Background())
			return err == nil && len(nodes) == before
		},
		gen.MapOf(gen.Int32Range(1, 1<<20), gen.Identifier()),
	))

	properties.TestingRun(t)
}
