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

package worker

import "fmt"

// stateStore is the in-memory table set of §3: task/dependency/peer records,
// the three execution queues, and the per-key result tables. It is
// deliberately passive — every method here is a direct table manipulation
// with no scheduling policy attached, mirroring the teacher's separation
// between a queue/bookkeeping layer (eth/downloader's queue.go) and the
// policy that drives it (downloader.go). All access is serialized by the
// owning Worker's mutex; stateStore itself holds no lock.
type stateStore struct {
	tasks map[Key]*Task
	deps  map[Key]*Dependency
	peers map[string]*Peer

	// dependents maps a dep key to the set of task keys that read it.
	dependents map[Key]map[Key]struct{}

	ready       *readyQueue
	constrained *fifoQueue
	dataNeeded  *fifoQueue
	executing   map[Key]struct{}

	inFlightTasks    map[Key]string
	inFlightWorkers  map[string]map[Key]struct{}
	missingDepFlight map[Key]struct{}

	data       map[Key]any
	types      map[Key]string
	nbytes     map[Key]int64
	exceptions map[Key]string
	tracebacks map[Key]string
	startstops map[Key][]StartStop

	availableResources map[string]int64
	priorityCounter    int64
	totalConnections   int
	targetMessageSize  int64
	executedCount      int64
}

// newStateStore returns an empty store configured with the given connection
// budget, per-batch byte target, and a starting resource pool. A nil
// resources map means the worker advertises no constrained resources.
func newStateStore(totalConnections int, targetMessageSize int64, resources map[string]int64) *stateStore {
	pool := make(map[string]int64, len(resources))
	for k, v := range resources {
		pool[k] = v
	}
	return &stateStore{
		tasks:               make(map[Key]*Task),
		deps:                make(map[Key]*Dependency),
		peers:               make(map[string]*Peer),
		dependents:          make(map[Key]map[Key]struct{}),
		ready:               newReadyQueue(),
		constrained:         newFIFOQueue(),
		dataNeeded:          newFIFOQueue(),
		executing:           make(map[Key]struct{}),
		inFlightTasks:       make(map[Key]string),
		inFlightWorkers:     make(map[string]map[Key]struct{}),
		missingDepFlight:    make(map[Key]struct{}),
		data:                make(map[Key]any),
		types:               make(map[Key]string),
		nbytes:              make(map[Key]int64),
		exceptions:          make(map[Key]string),
		tracebacks:          make(map[Key]string),
		startstops:          make(map[Key][]StartStop),
		availableResources:  pool,
		totalConnections:    totalConnections,
		targetMessageSize:   targetMessageSize,
	}
}

func (s *stateStore) task(key Key) (*Task, bool) {
	t, ok := s.tasks[key]
	return t, ok
}

func (s *stateStore) dep(key Key) (*Dependency, bool) {
	d, ok := s.deps[key]
	return d, ok
}

// ensureDep returns the dependency record for key, creating it in state
// waiting if it doesn't already exist.
func (s *stateStore) ensureDep(key Key) *Dependency {
	d, ok := s.deps[key]
	if ok {
		return d
	}
	d = &Dependency{Key: key, State: DepWaiting, WhoHas: make(map[string]struct{})}
	s.deps[key] = d
	return d
}

// ensurePeer returns the peer record for addr, creating it if necessary.
func (s *stateStore) ensurePeer(addr string) *Peer {
	p, ok := s.peers[addr]
	if ok {
		return p
	}
	p = &Peer{Address: addr, HasWhat: make(map[Key]struct{})}
	s.peers[addr] = p
	return p
}

func (s *stateStore) addDependent(dep, taskKey Key) {
	set, ok := s.dependents[dep]
	if !ok {
		set = make(map[Key]struct{})
		s.dependents[dep] = set
	}
	set[taskKey] = struct{}{}
}

// removeDependent drops taskKey from dep's dependent set and reports whether
// the set is now empty (the caller uses this to decide whether the dep
// itself should be released).
func (s *stateStore) removeDependent(dep, taskKey Key) bool {
	set, ok := s.dependents[dep]
	if !ok {
		return true
	}
	delete(set, taskKey)
	if len(set) == 0 {
		delete(s.dependents, dep)
		return true
	}
	return false
}

func (s *stateStore) dependentsOf(dep Key) map[Key]struct{} {
	return s.dependents[dep]
}

// linkPeerDep records that addr advertises dep, maintaining the bidirectional
// who_has/has_what consistency invariant 4 (§3) in both directions at once.
func (s *stateStore) linkPeerDep(addr string, dep Key) {
	d := s.ensureDep(dep)
	d.WhoHas[addr] = struct{}{}
	p := s.ensurePeer(addr)
	p.HasWhat[dep] = struct{}{}
}

// unlinkPeerDep removes the advertisement in both directions. It does not
// delete the dep or peer record even if their sets become empty; callers
// decide whether an empty who_has warrants missing-dep recovery.
func (s *stateStore) unlinkPeerDep(addr string, dep Key) {
	if d, ok := s.deps[dep]; ok {
		delete(d.WhoHas, addr)
	}
	if p, ok := s.peers[addr]; ok {
		delete(p.HasWhat, dep)
	}
}

// purgePeer removes addr from every dep's who_has set and drops the peer
// record entirely, used on connection loss (spec.md §4.D, §7 class 3).
func (s *stateStore) purgePeer(addr string) {
	p, ok := s.peers[addr]
	if !ok {
		return
	}
	for dep := range p.HasWhat {
		if d, ok := s.deps[dep]; ok {
			delete(d.WhoHas, addr)
		}
	}
	delete(s.peers, addr)
}

// nextPriorityCounter returns the current priority_counter and increments it;
// used by add_task to break submission-order ties (spec.md §4.E step 2).
func (s *stateStore) nextPriorityCounter() int64 {
	c := s.priorityCounter
	s.priorityCounter++
	return c
}

// decrementPriorityCounter implements the post-dispatch bookkeeping the
// scheduler session performs after every compute-task/release-task/
// delete-data op (spec.md §4.F).
func (s *stateStore) decrementPriorityCounter() {
	s.priorityCounter--
}

// deleteResultTables drops every per-key result table entry for key.
func (s *stateStore) deleteResultTables(key Key) {
	delete(s.data, key)
	delete(s.types, key)
	delete(s.nbytes, key)
	delete(s.exceptions, key)
	delete(s.tracebacks, key)
	delete(s.startstops, key)
}

// hasResultReference reports whether a task record of the same key still
// exists and so owns key's result tables, used by release_dep to decide whether result tables survive (spec.md §3
// "Lifecycles", §4.E release_dep).
func (s *stateStore) hasResultReference(key Key) bool {
	_, ok := s.tasks[key]
	return ok
}

// appendStartStop records one phase-log entry for key.
func (s *stateStore) appendStartStop(key Key, entry StartStop) {
	s.startstops[key] = append(s.startstops[key], entry)
}

// sizeOf is the default nbytes estimator used when a value arrives without
// an explicit size hint (spec.md §4.B put_key_in_memory: "default sizeof").
// It is intentionally coarse: an accurate byte accounting would require
// walking the opaque value's wire representation, which belongs to the
// code-loader capability, not the state store.
func sizeOf(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	default:
		return 8
	}
}

// debugString is a small diagnostic helper for logging; not used on any hot
// path.
func (s *stateStore) debugString() string {
	return fmt.Sprintf("tasks=%d deps=%d peers=%d ready=%d constrained=%d data_needed=%d executing=%d",
		len(s.tasks), len(s.deps), len(s.peers), s.ready.len(), s.constrained.len(), s.dataNeeded.len(), len(s.executing))
}
