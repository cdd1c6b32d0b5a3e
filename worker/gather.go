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

import (
	"context"
	"fmt"
	"math/rand"
)

// ensureCommunicating drives the peer gather loop. Callers must hold w.mu.
// It processes the head of data_needed repeatedly until either the queue is
// exhausted, the connection budget (total_connections) is saturated, or the
// head task can make no further progress this round.
func (w *Worker) ensureCommunicating() {
	defer func() { dataNeededGauge.Update(int64(w.store.dataNeeded.len())) }()

	for {
		if len(w.store.inFlightWorkers) >= w.store.totalConnections {
			return
		}
		key, ok := w.store.dataNeeded.peek()
		if !ok {
			return
		}
		t, ok := w.store.task(key)
		if !ok || t.State != TaskWaiting {
			w.store.dataNeeded.pop()
			continue
		}
		if !w.gatherDepsForTask(key, t) {
			return
		}
	}
}

// gatherDepsForTask implements one data_needed-head iteration of spec.md
// §4.D. It returns whether it made progress — dispatched at least one fetch
// or retired the head task — so ensureCommunicating knows whether to keep
// looping on the same head or stop for this round.
func (w *Worker) gatherDepsForTask(key Key, t *Task) bool {
	var waiting, missing []Key
	for dep := range t.WaitingForData {
		d, ok := w.store.dep(dep)
		if !ok || d.State != DepWaiting {
			continue
		}
		if len(d.WhoHas) == 0 {
			missing = append(missing, dep)
			continue
		}
		waiting = append(waiting, dep)
	}

	if len(missing) > 0 {
		for _, dep := range missing {
			w.store.missingDepFlight[dep] = struct{}{}
		}
		w.handleMissingDep(missing)
	}

	progressed := false
	for _, dep := range waiting {
		if len(w.store.inFlightWorkers) >= w.store.totalConnections {
			break
		}
		d, ok := w.store.dep(dep)
		if !ok || d.State != DepWaiting {
			continue
		}
		if _, already := w.store.inFlightTasks[dep]; already {
			continue
		}
		peer, ok := w.pickPeer(d)
		if !ok {
			// No peer without an outstanding fetch is available for this
			// dep right now; move on to the next one in this round.
			continue
		}
		batch := w.selectKeysForGather(peer, dep)
		for _, bdep := range batch {
			if err := w.transitionDep(bdep, DepFlight, depTransitionArgs{peer: peer}); err != nil {
				w.log.Error("gather: waiting->flight failed", "key", bdep, "err", err)
			}
		}
		w.dispatchGetData(peer, batch)
		progressed = true
	}

	stillWaiting, stillInFlight := false, false
	for dep := range t.WaitingForData {
		d, ok := w.store.dep(dep)
		if !ok {
			continue
		}
		switch d.State {
		case DepWaiting:
			stillWaiting = true
		case DepFlight:
			stillInFlight = true
		}
	}
	if !stillWaiting && !stillInFlight {
		w.store.dataNeeded.pop()
		return true
	}
	return progressed
}

// pickPeer chooses uniformly at random among the peers advertising d that
// don't already have an outstanding fetch, following the same
// random-peer-selection rule used elsewhere in the cluster for gossip fan-
// out (pick one of N eligible candidates with equal probability, excluding
// anyone already busy).
func (w *Worker) pickPeer(d *Dependency) (string, bool) {
	candidates := make([]string, 0, len(d.WhoHas))
	for addr := range d.WhoHas {
		if _, busy := w.store.inFlightWorkers[addr]; busy {
			continue
		}
		candidates = append(candidates, addr)
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// selectKeysForGather extends a fetch batch for peer beyond seedDep, draining
// that peer's pending_data_per_worker queue while each candidate is still
// waiting and the running byte total stays within target_message_size
// (spec.md §4.D). It stops at — and leaves queued — the first candidate that
// violates either condition.
func (w *Worker) selectKeysForGather(peer string, seedDep Key) []Key {
	batch := []Key{seedDep}
	totalBytes := w.store.nbytes[seedDep]

	p := w.store.ensurePeer(peer)
	idx := 0
	for ; idx < len(p.PendingDataPerWorker); idx++ {
		candidate := p.PendingDataPerWorker[idx]
		if candidate == seedDep {
			continue
		}
		d, ok := w.store.dep(candidate)
		if !ok || d.State != DepWaiting {
			break
		}
		size := w.store.nbytes[candidate]
		if totalBytes+size > w.store.targetMessageSize {
			break
		}
		batch = append(batch, candidate)
		totalBytes += size
	}
	p.PendingDataPerWorker = p.PendingDataPerWorker[idx:]
	return batch
}

// dispatchGetData issues the get_data RPC for batch to peer on a background
// goroutine. The dispatch itself does not block ensureCommunicating: the
// loop keeps picking other deps/peers while this fetch is outstanding.
func (w *Worker) dispatchGetData(peer string, batch []Key) {
	inFlightWorkersGauge.Update(int64(len(w.store.inFlightWorkers)))
	w.runAsync(func() {
		result, err := w.peers.GetData(context.Background(), peer, batch, w.address)

		w.mu.Lock()
		defer w.mu.Unlock()
		w.handleGatherResponse(peer, batch, result, err)
	})
}

// handleGatherResponse applies the outcome of a get_data RPC (spec.md §4.D
// "RPC response handling").
func (w *Worker) handleGatherResponse(peer string, batch []Key, result map[Key]any, err error) {
	if err != nil {
		w.store.purgePeer(peer)
		for _, dep := range batch {
			if e := w.transitionDep(dep, DepWaiting, depTransitionArgs{}); e != nil {
				w.log.Error("gather: flight->waiting failed after connection error", "key", dep, "err", e)
			}
		}
		w.ensureComputing()
		w.ensureCommunicating()
		return
	}

	var received []Key
	for _, dep := range batch {
		if value, ok := result[dep]; ok {
			if e := w.transitionDep(dep, DepMemory, depTransitionArgs{value: value}); e != nil {
				w.log.Error("gather: flight->memory failed", "key", dep, "err", e)
			}
			received = append(received, dep)
		} else {
			if e := w.transitionDep(dep, DepWaiting, depTransitionArgs{}); e != nil {
				w.log.Error("gather: flight->waiting failed", "key", dep, "err", e)
			}
		}
	}
	if len(received) > 0 {
		depsFetchedMeter.Mark(int64(len(received)))
		w.outbound.Send(AddKeysMsg{Keys: received})
	}

	w.ensureComputing()
	w.ensureCommunicating()
}

// handleMissingDep implements missing-dep recovery (spec.md §4.D). Each dep
// whose suspicious_deps counter already exceeds 5 is declared a bad_dep
// immediately; the rest have their counter incremented and are asked about
// via the scheduler's who_has RPC.
func (w *Worker) handleMissingDep(deps []Key) {
	toAsk := make([]Key, 0, len(deps))
	for _, dep := range deps {
		d, ok := w.store.dep(dep)
		if !ok {
			delete(w.store.missingDepFlight, dep)
			continue
		}
		if d.SuspiciousCount > 5 {
			w.markBadDep(dep)
			delete(w.store.missingDepFlight, dep)
			continue
		}
		d.SuspiciousCount++
		toAsk = append(toAsk, dep)
	}
	if len(toAsk) == 0 {
		w.ensureCommunicating()
		return
	}

	w.runAsync(func() {
		reply, err := w.scheduler.WhoHas(context.Background(), toAsk)

		w.mu.Lock()
		defer w.mu.Unlock()
		w.applyWhoHasReply(toAsk, reply, err)
	})
}

// applyWhoHasReply merges a who_has response back into who_has/has_what, or
// releases deps the scheduler also can't place.
func (w *Worker) applyWhoHasReply(asked []Key, reply map[Key][]string, err error) {
	depsMissingMeter.Mark(int64(len(asked)))
	for _, dep := range asked {
		delete(w.store.missingDepFlight, dep)
		if err != nil {
			// Scheduler RPC itself failed; leave the dep waiting so a later
			// data_needed cycle retries the recovery.
			continue
		}
		peers := reply[dep]
		if len(peers) == 0 {
			w.releaseDep(dep)
			continue
		}
		for _, addr := range peers {
			w.store.linkPeerDep(addr, dep)
		}
		for dependentKey := range w.store.dependentsOf(dep) {
			if t, ok := w.store.task(dependentKey); ok && t.State == TaskWaiting {
				w.store.dataNeeded.push(dependentKey)
			}
		}
	}
	w.ensureCommunicating()
}

// markBadDep fails every dependent of dep with a "dependent not found" error
// and releases the dep (spec.md §4.D, §7 class 4).
func (w *Worker) markBadDep(dep Key) {
	badDepMeter.Mark(1)
	msg := fmt.Sprintf("Could not find dependent %s", dep)
	for dependentKey := range w.store.dependentsOf(dep) {
		if err := w.transitionTask(dependentKey, TaskError, taskTransitionArgs{
			err:       fmt.Errorf("%s", msg),
			traceback: msg,
		}); err != nil {
			w.log.Error("bad_dep: failed to fail dependent", "key", dependentKey, "err", err)
		}
	}
	w.releaseDep(dep)
}
