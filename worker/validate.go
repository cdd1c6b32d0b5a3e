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

// validateTask checks the per-state invariants of §3 for a single task key.
// It is a no-op if validation is disabled or the key is unknown (the key
// may have been released concurrently with the caller queuing the check).
func (w *Worker) validateTask(key Key) error {
	if !w.validate {
		return nil
	}
	t, ok := w.store.task(key)
	if !ok {
		return nil
	}
	switch t.State {
	case TaskReady:
		if len(t.WaitingForData) != 0 {
			return &InvariantError{Detail: fmt.Sprintf("ready key %s has non-empty waiting_for_data", key)}
		}
		for dep := range t.Dependencies {
			if _, ok := w.store.data[dep]; !ok {
				return &InvariantError{Detail: fmt.Sprintf("ready key %s missing dependency %s from data", key, dep)}
			}
		}
	case TaskExecuting:
		if _, ok := w.store.executing[key]; !ok {
			return &InvariantError{Detail: fmt.Sprintf("executing key %s absent from executing set", key)}
		}
		if _, ok := w.store.data[key]; ok {
			return &InvariantError{Detail: fmt.Sprintf("executing key %s already has a data entry", key)}
		}
	case TaskMemory:
		if _, ok := w.store.data[key]; !ok {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s absent from data", key)}
		}
		if _, ok := w.store.nbytes[key]; !ok {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s missing nbytes", key)}
		}
		if _, ok := w.store.types[key]; !ok {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s missing types", key)}
		}
		if len(t.WaitingForData) != 0 {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s still has waiting_for_data", key)}
		}
		if w.store.ready.has(key) {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s still queued in ready", key)}
		}
		if _, ok := w.store.executing[key]; ok {
			return &InvariantError{Detail: fmt.Sprintf("memory key %s still in executing set", key)}
		}
	}
	return nil
}

// has reports whether key is currently queued, used only by the validator
// (a linear scan is acceptable here: this path only runs when validation is
// enabled, not on the hot admission path).
func (q *readyQueue) has(key Key) bool {
	for _, item := range q.items {
		if item.key == key {
			return true
		}
	}
	return false
}

// validateDep checks the per-state invariants of §3 for a single dependency
// key.
func (w *Worker) validateDep(key Key) error {
	if !w.validate {
		return nil
	}
	d, ok := w.store.dep(key)
	if !ok {
		return nil
	}
	switch d.State {
	case DepFlight:
		peer, ok := w.store.inFlightTasks[key]
		if !ok {
			return &InvariantError{Detail: fmt.Sprintf("flight dep %s has no in_flight_tasks entry", key)}
		}
		if set, ok := w.store.inFlightWorkers[peer]; !ok || func() bool { _, ok := set[key]; return !ok }() {
			return &InvariantError{Detail: fmt.Sprintf("flight dep %s not recorded under peer %s in_flight_workers", key, peer)}
		}
	case DepWaiting:
		dependents := w.store.dependentsOf(key)
		if len(dependents) == 0 {
			return &InvariantError{Detail: fmt.Sprintf("waiting dep %s has no dependents", key)}
		}
		if w.store.nbytes[key] == 0 {
			if _, ok := w.store.nbytes[key]; !ok {
				return &InvariantError{Detail: fmt.Sprintf("waiting dep %s has no nbytes", key)}
			}
		}
	}
	return nil
}

// validateGlobal checks the whole-store invariants: who_has/has_what
// bidirectional symmetry, the connection-budget bound on
// in_flight_workers, and that every dep in a waiting task's
// waiting_for_data is in flight, marked missing, or has a dep record.
func (w *Worker) validateGlobal() error {
	if !w.validate {
		return nil
	}
	for depKey, d := range w.store.deps {
		for addr := range d.WhoHas {
			p, ok := w.store.peers[addr]
			if !ok {
				return &InvariantError{Detail: fmt.Sprintf("who_has[%s] names unknown peer %s", depKey, addr)}
			}
			if _, ok := p.HasWhat[depKey]; !ok {
				return &InvariantError{Detail: fmt.Sprintf("peer %s missing %s in has_what despite who_has", addr, depKey)}
			}
		}
	}
	for addr, p := range w.store.peers {
		for depKey := range p.HasWhat {
			d, ok := w.store.deps[depKey]
			if !ok {
				return &InvariantError{Detail: fmt.Sprintf("has_what[%s] names unknown dep %s", addr, depKey)}
			}
			if _, ok := d.WhoHas[addr]; !ok {
				return &InvariantError{Detail: fmt.Sprintf("dep %s missing peer %s in who_has despite has_what", depKey, addr)}
			}
		}
	}
	if len(w.store.inFlightWorkers) > w.store.totalConnections {
		return &InvariantError{Detail: fmt.Sprintf("in_flight_workers has %d distinct peers, exceeds total_connections %d",
			len(w.store.inFlightWorkers), w.store.totalConnections)}
	}
	for key := range w.store.tasks {
		t := w.store.tasks[key]
		if t.State != TaskWaiting {
			continue
		}
		for dep := range t.WaitingForData {
			_, inFlight := w.store.inFlightTasks[dep]
			_, missing := w.store.missingDepFlight[dep]
			_, known := w.store.deps[dep]
			if !inFlight && !missing && !known {
				return &InvariantError{Detail: fmt.Sprintf("task %s waits on dep %s that is neither in flight, missing nor known", key, dep)}
			}
		}
	}
	return nil
}

// checkAll runs validateTask/validateDep for key (trying both tables, since
// a caller doesn't always know which one changed) plus validateGlobal, and
// panics on the first violation: per spec.md §4.G, a violation is a
// programming error and must abort, not be recovered.
func (w *Worker) checkAll(key Key) {
	if !w.validate {
		return
	}
	if err := w.validateTask(key); err != nil {
		panic(err)
	}
	if err := w.validateDep(key); err != nil {
		panic(err)
	}
	if err := w.validateGlobal(); err != nil {
		panic(err)
	}
}
