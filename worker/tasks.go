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

// AddTaskParams is the decoded form of a compute-task message (spec.md
// §4.E, §6). FuncBlob/ArgsBlob/KwargsBlob are handed to the worker's
// CodeLoader unchanged.
type AddTaskParams struct {
	Key                  Key
	Priority             Priority
	WhoHas               map[Key][]string
	NBytes               map[Key]int64
	Duration             float64
	ResourceRestrictions map[string]int64
	FuncBlob             []byte
	ArgsBlob             []byte
	KwargsBlob           []byte
	Future               FutureHandle
}

// AddTask ingests a scheduler task assignment (spec.md §4.E).
func (w *Worker) AddTask(p AddTaskParams) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addTask(p)
}

func (w *Worker) addTask(p AddTaskParams) error {
	if p.Key == "" {
		return fmt.Errorf("worker: add_task with empty key")
	}
	if len(p.Priority) == 0 {
		return fmt.Errorf("worker: add_task %s with empty priority", p.Key)
	}

	priority := p.Priority.withCounter(w.store.nextPriorityCounter())

	if existing, ok := w.store.task(p.Key); ok {
		switch existing.State {
		case TaskMemory, TaskError:
			w.sendTaskStateToScheduler(p.Key)
			return nil
		case TaskWaiting, TaskReady, TaskExecuting, TaskConstrained:
			return nil
		}
	}

	if d, ok := w.store.dep(p.Key); ok && d.State == DepMemory {
		t := &Task{
			Key:   p.Key,
			State: TaskMemory,
		}
		w.store.tasks[p.Key] = t
		w.sendTaskStateToScheduler(p.Key)
		return nil
	}

	callable, args, kwargs, err := w.codeLoader.Decode(p.FuncBlob, p.ArgsBlob, p.KwargsBlob)
	if err != nil {
		w.store.exceptions[p.Key] = err.Error()
		w.store.tracebacks[p.Key] = err.Error()
		w.sendTaskStateToScheduler(p.Key)
		return nil
	}

	t := &Task{
		Key:                  p.Key,
		State:                TaskWaiting,
		Priority:             priority,
		Duration:             p.Duration,
		ResourceRestrictions: p.ResourceRestrictions,
		Callable:             callable,
		Args:                 args,
		Kwargs:               kwargs,
		Future:               p.Future,
		Dependencies:         make(map[Key]struct{}, len(p.WhoHas)),
		WaitingForData:       make(map[Key]struct{}, len(p.WhoHas)),
	}
	w.store.tasks[p.Key] = t

	for dep, size := range p.NBytes {
		if _, ok := w.store.nbytes[dep]; !ok {
			w.store.nbytes[dep] = size
		}
	}

	for dep := range p.WhoHas {
		t.Dependencies[dep] = struct{}{}
		w.store.addDependent(dep, p.Key)

		d := w.store.ensureDep(dep)
		if depTask, ok := w.store.task(dep); ok && depTask.State == TaskMemory {
			d.State = DepMemory
		} else if d.State != DepMemory {
			t.WaitingForData[dep] = struct{}{}
		}
	}

	for dep, peerAddrs := range p.WhoHas {
		if len(peerAddrs) == 0 {
			return fmt.Errorf("worker: add_task %s names dep %s with no peers", p.Key, dep)
		}
		d, _ := w.store.dep(dep)
		for _, addr := range peerAddrs {
			w.store.linkPeerDep(addr, dep)
			if d.State != DepMemory {
				peer := w.store.ensurePeer(addr)
				peer.PendingDataPerWorker = append(peer.PendingDataPerWorker, dep)
			}
		}
	}

	if len(t.WaitingForData) > 0 {
		w.store.dataNeeded.push(p.Key)
	} else if err := w.transitionTask(p.Key, TaskReady, taskTransitionArgs{}); err != nil {
		return err
	}

	if w.validate {
		for dep := range t.Dependencies {
			if _, ok := w.store.dep(dep); !ok {
				return &InvariantError{Detail: fmt.Sprintf("add_task %s: dep %s missing a dep_state entry", p.Key, dep)}
			}
			if err := w.validateDep(dep); err != nil {
				return err
			}
		}
		if err := w.validateTask(p.Key); err != nil {
			return err
		}
	}

	w.ensureComputing()
	w.ensureCommunicating()
	return nil
}

// ReleaseKey tears down a task record (spec.md §4.E release_key).
func (w *Worker) ReleaseKey(key Key, cause, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseKeyLocked(key, cause, reason)
}

func (w *Worker) releaseKeyLocked(key Key, cause, reason string) {
	t, ok := w.store.task(key)
	if !ok {
		return
	}
	if reason == "stolen" && (t.State == TaskExecuting || t.State == TaskMemory) {
		return
	}

	processing := t.State.processing()

	for dep := range t.Dependencies {
		if nowEmpty := w.store.removeDependent(dep, key); nowEmpty {
			if d, ok := w.store.dep(dep); ok && d.State != DepFlight {
				w.releaseDep(dep)
			}
		}
	}

	delete(w.store.tasks, key)
	w.store.deleteResultTables(key)

	if processing {
		w.outbound.Send(ReleaseMsg{Key: key, Cause: cause})
	}
}

// releaseDep tears down a dependency record and cascades release to
// dependents that no longer need it (spec.md §4.E release_dep). Dependents
// already in memory or error keep their records and result tables. Callers
// must hold w.mu.
func (w *Worker) releaseDep(dep Key) {
	d, ok := w.store.dep(dep)
	if !ok {
		return
	}

	if peer, wasInFlight := w.store.inFlightTasks[dep]; wasInFlight {
		delete(w.store.inFlightTasks, dep)
		if set, ok := w.store.inFlightWorkers[peer]; ok {
			delete(set, dep)
			if len(set) == 0 {
				delete(w.store.inFlightWorkers, peer)
			}
		}
	}
	delete(w.store.missingDepFlight, dep)

	for addr := range d.WhoHas {
		if p, ok := w.store.peers[addr]; ok {
			delete(p.HasWhat, dep)
		}
	}
	delete(w.store.deps, dep)

	if !w.store.hasResultReference(dep) {
		w.store.deleteResultTables(dep)
	}

	dependents := w.store.dependentsOf(dep)
	for dependentKey := range dependents {
		t, ok := w.store.task(dependentKey)
		if !ok {
			continue
		}
		delete(t.Dependencies, dep)
		delete(t.WaitingForData, dep)
		if t.State != TaskMemory && t.State != TaskError {
			w.releaseKeyLocked(dependentKey, string(dep), "")
		}
	}
	delete(w.store.dependents, dep)
}
