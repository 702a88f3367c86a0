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

/*
Package lifecycle controls the storage node OS process on behalf of the
supervisor: detached spawning, liveness by process name, stale-process
cleanup, graceful stop, a PID file for the current instance, an RPC
readiness probe and an audit log of lifecycle events.

# Process identity

The node is identified by a fixed logical name (the executable base name,
"vsn" by default). Liveness and kill operations match running processes on
argv[0] so that unrelated processes, including the supervisor itself, are
never signalled:

	pids, err := lifecycle.FindProcesses("vsn")

# Spawning

Spawned nodes run in their own session with output appended to a log file.
The supervisor keeps a Handle but never blocks on the child's exit; a
background reaper collects the exit status so a crashed node does not
linger as a zombie that still answers signal 0:

	spawner := lifecycle.NewSpawner()
	handle, err := spawner.SpawnDetached("/opt/varlog/bin/vsn", args, logPath)

# Node controller

NodeController combines the pieces into the four operations the supervisor
loop needs: IsAlive, KillStale, Spawn and Stop.

	ctl := lifecycle.NewNodeController(lifecycle.NodeControllerConfig{
	    ProcessName: "vsn",
	    PIDFile:     "/home/deploy/varlog-sn/run/vsn.pid",
	    LogFile:     "/home/deploy/varlog-sn/logs/vsn.log",
	})

# Lifecycle logging

Lifecycle events are appended as JSON lines for audit purposes:

	logger := lifecycle.NewLifecycleLogger("/home/deploy/varlog-sn/logs/lifecycle.log")
	logger.LogSpawn(pid, args)
*/
package lifecycle
