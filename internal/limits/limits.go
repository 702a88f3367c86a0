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

// Package limits adjusts process resource limits inherited by the node.
package limits

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Result reports the open-file limits before and after Raise.
type Result struct {
	Before unix.Rlimit
	After  unix.Rlimit
}

// RaiseNoFile raises RLIMIT_NOFILE for this process and, through
// inheritance, for every node it spawns. A zero target lifts the soft limit
// to the hard limit. A target above the hard limit needs privileges; without
// them the soft limit is lifted to the hard limit instead.
func RaiseNoFile(target uint64) (Result, error) {
	var res Result
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &res.Before); err != nil {
		return res, fmt.Errorf("getrlimit: %w", err)
	}

	want := res.Before
	switch {
	case target == 0:
		want.Cur = want.Max
	case target > want.Max:
		want.Cur, want.Max = target, target
	default:
		want.Cur = target
	}

	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want)
	if errors.Is(err, unix.EPERM) && want.Max > res.Before.Max {
		want = unix.Rlimit{Cur: res.Before.Max, Max: res.Before.Max}
		err = unix.Setrlimit(unix.RLIMIT_NOFILE, &want)
	}
	if err != nil {
		res.After = res.Before
		return res, fmt.Errorf("setrlimit: %w", err)
	}

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &res.After); err != nil {
		return res, fmt.Errorf("getrlimit: %w", err)
	}
	return res, nil
}
