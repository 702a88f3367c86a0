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

package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsnlog "github.com/tombee/vsnsup/internal/log"
	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

type fakeMembership struct {
	added []string
	err   error
}

func (f *fakeMembership) AddStorageNode(ctx context.Context, advertise string) error {
	f.added = append(f.added, advertise)
	return f.err
}

func TestRegister(t *testing.T) {
	m := &fakeMembership{}
	r := NewRegistrar(m, vsnlog.Discard())

	require.NoError(t, r.Register(context.Background(), "10.0.0.2:9091"))
	assert.Equal(t, []string{"10.0.0.2:9091"}, m.added)
}

func TestRegister_NoIdempotencyCheck(t *testing.T) {
	m := &fakeMembership{}
	r := NewRegistrar(m, vsnlog.Discard())

	require.NoError(t, r.Register(context.Background(), "h:1"))
	require.NoError(t, r.Register(context.Background(), "h:1"))
	assert.Len(t, m.added, 2)
}

func TestRegister_Failure(t *testing.T) {
	t.Run("typed error passes through", func(t *testing.T) {
		want := &vsnerrors.RegistrationError{Address: "h:1", ExitCode: 2, Cause: errors.New("denied")}
		r := NewRegistrar(&fakeMembership{err: want}, vsnlog.Discard())

		assert.Same(t, want, r.Register(context.Background(), "h:1"))
	})

	t.Run("untyped error is classified", func(t *testing.T) {
		r := NewRegistrar(&fakeMembership{err: errors.New("broken pipe")}, vsnlog.Discard())

		err := r.Register(context.Background(), "h:1")
		var regErr *vsnerrors.RegistrationError
		require.True(t, errors.As(err, &regErr))
		assert.Equal(t, "h:1", regErr.Address)
		assert.True(t, vsnerrors.IsRetryable(err))
	})
}
