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

package supervisor

import (
	"strconv"
	"strings"
)

// LaunchSpec holds everything needed to start the node process. It is
// computed once per run, after the volume is prepared, and reused for every
// respawn.
type LaunchSpec struct {
	Binary           string
	ClusterID        int
	NodeID           int32
	ListenAddress    string
	Volume           string
	AdvertiseAddress string
}

// Args returns the node's command line arguments in their fixed order.
func (l LaunchSpec) Args() []string {
	return []string{
		"start",
		"--cluster-id=" + strconv.Itoa(l.ClusterID),
		"--storage-node-id=" + strconv.FormatInt(int64(l.NodeID), 10),
		"--listen-address=" + l.ListenAddress,
		"--volumes=" + l.Volume,
		"--advertise-address=" + l.AdvertiseAddress,
	}
}

// String renders the full command line.
func (l LaunchSpec) String() string {
	return l.Binary + " " + strings.Join(l.Args(), " ")
}
