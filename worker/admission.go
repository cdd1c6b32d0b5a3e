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

import "time"

// ensureComputing drives the admission loop: it is called after every event
// that might make work runnable (task assignment, a dependency landing in
// memory, execution completing, a fetch completing). Callers must hold w.mu.
//
// Unlike the source this was modeled on, a single call admits at most
// defaultAdmissionBudget tasks before returning. The source's unbounded
// "while not empty" loop could starve the listener and scheduler-session
// activities under a large ready backlog (see Open Questions); bounding the
// batch trades a little throughput for fairness, and the caller re-invokes
// ensureComputing on every subsequent event anyway so nothing is starved for
// long.
func (w *Worker) ensureComputing() {
	budget := defaultAdmissionBudget

	for budget > 0 {
		key, ok := w.store.constrained.peek()
		if !ok {
			break
		}
		t, ok := w.store.task(key)
		if !ok || t.State != TaskConstrained {
			w.store.constrained.pop()
			continue
		}
		if !w.resourcesSuffice(t.ResourceRestrictions) {
			// Head-of-line blocking is intentional: a starving resource
			// waits rather than letting a later, cheaper task jump ahead.
			break
		}
		w.store.constrained.pop()
		if err := w.transitionTask(key, TaskExecuting, taskTransitionArgs{}); err != nil {
			w.log.Error("admission: constrained->executing failed", "key", key, "err", err)
		}
		budget--
	}

	for budget > 0 {
		key, ok := w.store.ready.pop()
		if !ok {
			break
		}
		t, ok := w.store.task(key)
		if !ok || (t.State != TaskReady && t.State != TaskConstrained) {
			continue
		}
		if err := w.transitionTask(key, TaskExecuting, taskTransitionArgs{}); err != nil {
			w.log.Error("admission: ready->executing failed", "key", key, "err", err)
		}
		budget--
	}

	readyQueueGauge.Update(int64(w.store.ready.len()))
}

func (w *Worker) resourcesSuffice(reqs map[string]int64) bool {
	for resource, amount := range reqs {
		if w.store.availableResources[resource] < amount {
			return false
		}
	}
	return true
}

// spawnExecute prepares key's callable and arguments and runs it on a
// background goroutine. Called with w.mu held, from the ready->executing
// and constrained->executing handlers.
func (w *Worker) spawnExecute(key Key) {
	t, ok := w.store.task(key)
	if !ok {
		return
	}
	callable := t.Callable
	args := w.packData(t.Args)
	kwargs := w.packDataKwargs(t.Kwargs)

	w.runAsync(func() {
		start := time.Now()
		value, err := callable.Invoke(args, kwargs)
		elapsed := time.Since(start)

		w.mu.Lock()
		defer w.mu.Unlock()
		w.finishExecute(key, value, err, start, elapsed)
	})
}

// finishExecute applies the outcome of an execute(key) call. If the task's
// recorded state is no longer executing — a concurrent release_key raced
// it — the result is discarded silently per P8.
func (w *Worker) finishExecute(key Key, value any, err error, start time.Time, elapsed time.Duration) {
	t, ok := w.store.task(key)
	if !ok || t.State != TaskExecuting {
		w.log.Debug("discarding stale execute result", "key", key)
		return
	}

	executeTimer.Update(elapsed)
	w.store.appendStartStop(key, StartStop{Phase: "compute", Start: start, End: start.Add(elapsed)})

	if err != nil {
		tasksFailedMeter.Mark(1)
		if terr := w.transitionTask(key, TaskError, taskTransitionArgs{err: err, traceback: err.Error()}); terr != nil {
			w.log.Error("execute: executing->error failed", "key", key, "err", terr)
		}
	} else {
		tasksExecutedMeter.Mark(1)
		if terr := w.transitionTask(key, TaskMemory, taskTransitionArgs{value: value}); terr != nil {
			w.log.Error("execute: executing->memory failed", "key", key, "err", terr)
		}
	}

	w.ensureComputing()
	w.ensureCommunicating()
}

// packData substitutes any argument naming a key already resident in data
// with that key's value (spec.md §4.C pack_data). Arguments are otherwise
// passed through unchanged.
func (w *Worker) packData(args []any) []any {
	if len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		if k, ok := a.(Key); ok {
			if v, ok := w.store.data[k]; ok {
				out[i] = v
				continue
			}
		}
		out[i] = a
	}
	return out
}

// packDataKwargs is the keyword-argument counterpart of packData.
func (w *Worker) packDataKwargs(kwargs map[string]any) map[string]any {
	if len(kwargs) == 0 {
		return kwargs
	}
	out := make(map[string]any, len(kwargs))
	for name, a := range kwargs {
		if k, ok := a.(Key); ok {
			if v, ok := w.store.data[k]; ok {
				out[name] = v
				continue
			}
		}
		out[name] = a
	}
	return out
}
