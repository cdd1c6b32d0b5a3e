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

// taskTransitionArgs carries the handful of optional values a task
// transition handler may need. Exactly which fields are meaningful depends
// on the edge; handlers ignore the rest.
type taskTransitionArgs struct {
	value     any
	err       error
	traceback string
}

// depTransitionArgs is the dependency-transition equivalent of
// taskTransitionArgs.
type depTransitionArgs struct {
	peer  string
	value any
}

type taskHandler func(w *Worker, key Key, args taskTransitionArgs) error
type depHandler func(w *Worker, key Key, args depTransitionArgs) error

// taskTransitions is the static (from,to) -> handler mapping called for in
// the redesign notes: any edge absent from this table is illegal and is
// rejected at lookup time rather than falling through a dynamic dispatch
// over state names.
var taskTransitions = map[[2]TaskState]taskHandler{
	{TaskWaiting, TaskReady}:         handleTaskWaitingToReady,
	{TaskWaiting, TaskMemory}:        handleTaskWaitingToMemory,
	{TaskReady, TaskExecuting}:       handleTaskReadyToExecuting,
	{TaskReady, TaskMemory}:          handleTaskReadyToMemory,
	{TaskConstrained, TaskExecuting}: handleTaskConstrainedToExecuting,
	{TaskExecuting, TaskMemory}:      handleTaskExecutingToMemory,
	{TaskExecuting, TaskError}:       handleTaskExecutingToError,
	{TaskWaiting, TaskError}:         handleTaskWaitingToError,
}

var depTransitions = map[[2]DepState]depHandler{
	{DepWaiting, DepFlight}: handleDepWaitingToFlight,
	{DepFlight, DepWaiting}: handleDepFlightToWaiting,
	{DepFlight, DepMemory}:  handleDepFlightToMemory,
	{DepWaiting, DepMemory}: handleDepWaitingToMemory,
}

// transitionTask moves key from its current state to to, running the
// registered handler. Calling with from == to is a no-op with a warning;
// an edge absent from taskTransitions is rejected and logged loudly.
func (w *Worker) transitionTask(key Key, to TaskState, args taskTransitionArgs) error {
	t, ok := w.store.task(key)
	if !ok {
		return fmt.Errorf("worker: transition on unknown task %s", key)
	}
	from := t.State
	if from == to {
		w.log.Warn("no-op task transition", "key", key, "state", from)
		return nil
	}
	handler, ok := taskTransitions[[2]TaskState{from, to}]
	if !ok {
		err := &illegalTransitionError{kind: "task", key: key, from: from, to: to}
		w.log.Error(err.Error())
		return err
	}
	if err := handler(w, key, args); err != nil {
		return err
	}
	w.transitionFeed.Send(TransitionEvent{Key: key, Kind: "task", From: from.String(), To: to.String()})
	w.checkAll(key)
	return nil
}

// transitionDep is the dependency-table equivalent of transitionTask.
func (w *Worker) transitionDep(key Key, to DepState, args depTransitionArgs) error {
	d, ok := w.store.dep(key)
	if !ok {
		return fmt.Errorf("worker: transition on unknown dep %s", key)
	}
	from := d.State
	if from == to {
		w.log.Warn("no-op dep transition", "key", key, "state", from)
		return nil
	}
	handler, ok := depTransitions[[2]DepState{from, to}]
	if !ok {
		err := &illegalTransitionError{kind: "dep", key: key, from: from, to: to}
		w.log.Error(err.Error())
		return err
	}
	if err := handler(w, key, args); err != nil {
		return err
	}
	w.transitionFeed.Send(TransitionEvent{Key: key, Kind: "dep", From: from.String(), To: to.String()})
	w.checkAll(key)
	return nil
}

func handleTaskWaitingToReady(w *Worker, key Key, _ taskTransitionArgs) error {
	t, _ := w.store.task(key)
	if len(t.ResourceRestrictions) > 0 {
		t.State = TaskConstrained
		w.store.constrained.push(key)
	} else {
		t.State = TaskReady
		w.store.ready.push(key, t.Priority)
	}
	return nil
}

func handleTaskWaitingToMemory(w *Worker, key Key, _ taskTransitionArgs) error {
	t, _ := w.store.task(key)
	t.State = TaskMemory
	t.WaitingForData = nil
	w.sendTaskStateToScheduler(key)
	return nil
}

func handleTaskReadyToExecuting(w *Worker, key Key, _ taskTransitionArgs) error {
	t, _ := w.store.task(key)
	t.State = TaskExecuting
	w.store.executing[key] = struct{}{}
	w.spawnExecute(key)
	return nil
}

func handleTaskReadyToMemory(w *Worker, key Key, _ taskTransitionArgs) error {
	t, _ := w.store.task(key)
	t.State = TaskMemory
	w.sendTaskStateToScheduler(key)
	return nil
}

func handleTaskConstrainedToExecuting(w *Worker, key Key, _ taskTransitionArgs) error {
	t, _ := w.store.task(key)
	for resource, amount := range t.ResourceRestrictions {
		remaining := w.store.availableResources[resource] - amount
		if remaining < 0 {
			return fmt.Errorf("worker: insufficient resource %s for task %s", resource, key)
		}
		w.store.availableResources[resource] = remaining
	}
	t.State = TaskExecuting
	w.store.executing[key] = struct{}{}
	w.spawnExecute(key)
	return nil
}

func handleTaskExecutingToMemory(w *Worker, key Key, args taskTransitionArgs) error {
	t, _ := w.store.task(key)
	for resource, amount := range t.ResourceRestrictions {
		w.store.availableResources[resource] += amount
	}
	delete(w.store.executing, key)
	w.store.executedCount++
	w.putKeyInMemory(key, args.value)
	t.State = TaskMemory
	if _, ok := w.store.dep(key); ok {
		w.transitionDep(key, DepMemory, depTransitionArgs{value: args.value})
	}
	w.sendTaskStateToScheduler(key)
	return nil
}

func handleTaskExecutingToError(w *Worker, key Key, args taskTransitionArgs) error {
	t, _ := w.store.task(key)
	for resource, amount := range t.ResourceRestrictions {
		w.store.availableResources[resource] += amount
	}
	delete(w.store.executing, key)
	t.State = TaskError
	msg := ""
	if args.err != nil {
		msg = args.err.Error()
	}
	w.store.exceptions[key] = msg
	w.store.tracebacks[key] = args.traceback
	w.sendTaskStateToScheduler(key)
	return nil
}

// handleTaskWaitingToError fails a task that never reached executing — the
// bad_dep path (spec.md §4.D "Missing-dep recovery", §7 class 4, P9): a
// dependent of a dep that's been escalated to bad_dep is still sitting in
// waiting, not executing, so the executing->error edge alone can't cover
// scenario 3. No resources to refund and no executing-set entry to remove
// since the task was never admitted.
func handleTaskWaitingToError(w *Worker, key Key, args taskTransitionArgs) error {
	t, _ := w.store.task(key)
	t.State = TaskError
	t.WaitingForData = nil
	msg := ""
	if args.err != nil {
		msg = args.err.Error()
	}
	w.store.exceptions[key] = msg
	w.store.tracebacks[key] = args.traceback
	w.sendTaskStateToScheduler(key)
	return nil
}

func handleDepWaitingToFlight(w *Worker, key Key, args depTransitionArgs) error {
	if args.peer == "" {
		return fmt.Errorf("worker: dep %s waiting->flight requires a peer", key)
	}
	d, _ := w.store.dep(key)
	d.State = DepFlight
	w.store.inFlightTasks[key] = args.peer
	set, ok := w.store.inFlightWorkers[args.peer]
	if !ok {
		set = make(map[Key]struct{})
		w.store.inFlightWorkers[args.peer] = set
	}
	set[key] = struct{}{}
	return nil
}

func handleDepFlightToWaiting(w *Worker, key Key, _ depTransitionArgs) error {
	d, _ := w.store.dep(key)
	peer := w.store.inFlightTasks[key]
	delete(w.store.inFlightTasks, key)
	if set, ok := w.store.inFlightWorkers[peer]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(w.store.inFlightWorkers, peer)
		}
	}
	if peer != "" {
		w.store.unlinkPeerDep(peer, key)
	}
	d.State = DepWaiting
	if len(d.WhoHas) == 0 {
		w.store.missingDepFlight[key] = struct{}{}
		w.handleMissingDep([]Key{key})
	}
	for dependentKey := range w.store.dependentsOf(key) {
		if t, ok := w.store.task(dependentKey); ok && t.State == TaskWaiting {
			w.store.dataNeeded.push(dependentKey)
		}
	}
	if len(w.store.dependentsOf(key)) == 0 {
		w.releaseDep(key)
	}
	return nil
}

func handleDepFlightToMemory(w *Worker, key Key, args depTransitionArgs) error {
	d, _ := w.store.dep(key)
	peer := w.store.inFlightTasks[key]
	delete(w.store.inFlightTasks, key)
	if set, ok := w.store.inFlightWorkers[peer]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(w.store.inFlightWorkers, peer)
		}
	}
	w.putKeyInMemory(key, args.value)
	d.State = DepMemory
	return nil
}

func handleDepWaitingToMemory(w *Worker, key Key, _ depTransitionArgs) error {
	if _, ok := w.store.data[key]; !ok {
		return fmt.Errorf("worker: dep %s waiting->memory asserted but no data present", key)
	}
	d, _ := w.store.dep(key)
	d.State = DepMemory
	w.log.Debug("dep already resident", "key", key)
	return nil
}

// putKeyInMemory is the single writer of the data table (spec.md §4.B). A
// key already present is left untouched: this is property P1, single-writer
// data, expressed as a no-op on the second write rather than an error,
// since a race between a peer fetch and local execution is expected, not
// exceptional.
func (w *Worker) putKeyInMemory(key Key, value any) {
	if _, exists := w.store.data[key]; exists {
		return
	}
	w.store.data[key] = value
	if _, ok := w.store.nbytes[key]; !ok {
		w.store.nbytes[key] = sizeOf(value)
	}
	w.store.types[key] = fmt.Sprintf("%T", value)

	for dependentKey := range w.store.dependentsOf(key) {
		t, ok := w.store.task(dependentKey)
		if !ok {
			continue
		}
		delete(t.WaitingForData, key)
		if len(t.WaitingForData) == 0 && t.State == TaskWaiting {
			if err := w.transitionTask(dependentKey, TaskReady, taskTransitionArgs{}); err != nil {
				w.log.Error("failed to promote dependent to ready", "key", dependentKey, "err", err)
			}
		}
	}
}
