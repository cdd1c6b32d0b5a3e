// Copyright 2024 The taskmesh Authors
// This file is part of the taskmesh library.
//
// The taskmesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The taskmesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the taskmesh library. If not, see <http://www.gnu.org/licenses/>.

// Package worker implements the core of a distributed-computation worker
// endpoint: the per-key task and dependency state machines, the peer
// dependency-gathering loop, the admission/execution loop and the scheduler
// session that ties them together.
//
// Byte-level wire framing, MsgPack encoding and RPC session lifetimes live
// outside this package (see taskmesh/transport); worker only ever exchanges
// already-decoded Go values with its collaborators.
package worker

import "time"

// Key is the opaque, globally unique identifier the scheduler assigns to a
// task or the data it produces.
type Key string

// Priority orders task admission; lower tuples admit first. AddTask injects
// the worker-local priority_counter at index 2 to break ties in submission
// order (see Priority.withCounter).
type Priority []int64

// Less reports whether p sorts before o, comparing element-wise and
// treating a shorter, otherwise-equal prefix as smaller.
func (p Priority) Less(o Priority) bool {
	for i := 0; i < len(p) && i < len(o); i++ {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return len(p) < len(o)
}

// withCounter returns a copy of p with counter inserted at index 2, growing
// p if necessary. This is the deterministic, assignment-order tie-break
// described in §5 of the spec.
func (p Priority) withCounter(counter int64) Priority {
	out := make(Priority, 0, len(p)+1)
	if len(p) >= 2 {
		out = append(out, p[:2]...)
		out = append(out, counter)
		out = append(out, p[2:]...)
	} else {
		out = append(out, p...)
		for len(out) < 2 {
			out = append(out, 0)
		}
		out = append(out, counter)
	}
	return out
}

// TaskState is a state in the per-key task lifecycle.
type TaskState int

const (
	TaskWaiting TaskState = iota
	TaskReady
	TaskConstrained
	TaskExecuting
	// TaskLongRunning is reserved: a task that has called into a
	// long-running secede protocol. Nothing in this package drives a task
	// into this state; it exists so callers can recognize it if a future
	// extension starts using it (see Open Questions, spec.md §9).
	TaskLongRunning
	TaskMemory
	TaskError
)

func (s TaskState) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskReady:
		return "ready"
	case TaskConstrained:
		return "constrained"
	case TaskExecuting:
		return "executing"
	case TaskLongRunning:
		return "long-running"
	case TaskMemory:
		return "memory"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// processing reports whether s is one of the states for which release must
// notify the scheduler (waiting, ready, constrained, executing).
func (s TaskState) processing() bool {
	switch s {
	case TaskWaiting, TaskReady, TaskConstrained, TaskExecuting:
		return true
	default:
		return false
	}
}

// DepState is a state in the per-dependency lifecycle.
type DepState int

const (
	DepWaiting DepState = iota
	DepFlight
	DepMemory
)

func (s DepState) String() string {
	switch s {
	case DepWaiting:
		return "waiting"
	case DepFlight:
		return "flight"
	case DepMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Task is the per-key task record described in spec.md §3.
type Task struct {
	Key                  Key
	State                TaskState
	Priority             Priority
	Duration             float64
	ResourceRestrictions map[string]int64

	Callable Callable
	Args     []any
	Kwargs   map[string]any

	Future FutureHandle

	Dependencies   map[Key]struct{}
	WaitingForData map[Key]struct{}
}

// Dependency is the per-key dependency record described in spec.md §3.
type Dependency struct {
	Key             Key
	State           DepState
	WhoHas          map[string]struct{} // peer addresses advertising this key
	NBytes          int64
	SuspiciousCount int
}

// Peer is the per-address bookkeeping record described in spec.md §3.
type Peer struct {
	Address              string
	HasWhat              map[Key]struct{}
	PendingDataPerWorker []Key
}

// StartStop is one entry of a task's append-only phase log.
type StartStop struct {
	Phase string
	Start time.Time
	End   time.Time
}

// FutureHandle is the opaque client-side completion sink referenced by
// spec.md §3. The core stores it on the Task record and never calls
// Resolve or Reject itself; a real deployment wires it to whatever
// client-future object submitted the task.
type FutureHandle interface {
	Resolve(value any)
	Reject(err error)
}

// ExecResult is an explicit optional/variant for an execution outcome, in
// place of the source's "sentinel value for no result" (spec.md §9).
// Exactly one of Value/Err is meaningful, selected by Ok. Nothing in this
// package builds or reads it: finishExecute receives the value and error
// returned by Callable.Invoke directly and branches on the error.
type ExecResult struct {
	Value any
	Err   error
	Ok    bool
}
