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

// State is a phase of a supervisor run. States only move forward.
type State int32

const (
	StateStarting State = iota
	StateResolving
	StatePreparingVolume
	StateMonitoring
	StateStopping
	StateTerminated
)

var stateNames = [...]string{
	StateStarting:        "starting",
	StateResolving:       "resolving",
	StatePreparingVolume: "preparing_volume",
	StateMonitoring:      "monitoring",
	StateStopping:        "stopping",
	StateTerminated:      "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
