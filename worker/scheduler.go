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

// Outgoing message shapes (spec.md §6 "Wire operations the core PRODUCES").
// Encoding these onto the wire is the transport package's job; the core only
// ever builds the Go value and hands it to BatchedSender. They are exported
// so an out-of-core BatchedSender implementation (package transport) can
// type-switch on them.
type (
	ReleaseMsg struct {
		Key   Key
		Cause string
	}
	AddKeysMsg struct {
		Keys []Key
	}
	RemoveKeysMsg struct {
		Address string
		Keys    []Key
	}
	TaskFinishedMsg struct {
		Key        Key
		NBytes     int64
		Type       string
		StartStops []StartStop
	}
	TaskErredMsg struct {
		Key        Key
		Exception  string
		Traceback  string
		StartStops []StartStop
	}
)

// Incoming op payloads (spec.md §6 "Wire operations the core CONSUMES").
type (
	GetDataRequest struct {
		Keys []Key
		Who  string
	}
	DeleteDataRequest struct {
		Keys   []Key
		Report bool
	}
	ReleaseTaskRequest struct {
		Key    Key
		Cause  string
		Reason string
	}
)

// HandleOp dispatches one decoded incoming message (spec.md §4.F "Incoming
// dispatch"). reply is nil for messages that carry no reply channel.
func (w *Worker) HandleOp(op string, payload any, reply func(any)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch op {
	case "compute-stream":
		// Marks the point after which outgoing traffic switches to the
		// batched, coalescing stream and compute-task/release-task/
		// delete-data become acceptable (spec.md §4.F).
		w.isComputing = true

	case "get_data":
		req, ok := payload.(GetDataRequest)
		if !ok {
			w.log.Error("get_data: malformed payload")
			return
		}
		resp := make(map[Key]any, len(req.Keys))
		for _, key := range req.Keys {
			if v, ok := w.store.data[key]; ok {
				resp[key] = v
			}
		}
		if reply != nil {
			reply(resp)
		}

	case "keys":
		keys := make([]Key, 0, len(w.store.data))
		for key := range w.store.data {
			keys = append(keys, key)
		}
		if reply != nil {
			reply(keys)
		}

	case "delete-data", "delete_data":
		if op == "delete-data" && !w.isComputing {
			w.log.Warn("delete-data received before compute-stream", "op", op)
			return
		}
		req, ok := payload.(DeleteDataRequest)
		if !ok {
			w.log.Error("delete-data: malformed payload")
			return
		}
		for _, key := range req.Keys {
			w.releaseKeyLocked(key, "delete-data", "")
			w.store.deleteResultTables(key)
		}
		if req.Report {
			w.outbound.Send(RemoveKeysMsg{Address: w.address, Keys: req.Keys})
		}
		if w.isComputing {
			w.store.decrementPriorityCounter()
			w.ensureComputing()
			w.ensureCommunicating()
		}

	case "gather", "terminate":
		// Reserved administrative ops (spec.md §1 Non-goals): the hook
		// exists so a future dispatch table entry has somewhere to land,
		// but nothing drives it yet.
		w.log.Warn("administrative op not implemented", "op", op)

	case "compute-task":
		if !w.isComputing {
			w.log.Warn("compute-task received before compute-stream", "op", op)
			return
		}
		params, ok := payload.(AddTaskParams)
		if !ok {
			w.log.Error("compute-task: malformed payload")
			return
		}
		if err := w.addTask(params); err != nil {
			w.log.Error("add_task failed", "key", params.Key, "err", err)
		}
		w.store.decrementPriorityCounter()
		w.ensureComputing()
		w.ensureCommunicating()

	case "release-task":
		if !w.isComputing {
			w.log.Warn("release-task received before compute-stream", "op", op)
			return
		}
		req, ok := payload.(ReleaseTaskRequest)
		if !ok {
			w.log.Error("release-task: malformed payload")
			return
		}
		w.releaseKeyLocked(req.Key, req.Cause, req.Reason)
		w.store.decrementPriorityCounter()
		w.ensureComputing()
		w.ensureCommunicating()

	case "close":
		w.log.Info("close received, shutting down")
		w.stopOnce.Do(func() { close(w.stopCh) })

	default:
		w.log.Warn("unknown op", "op", op)
	}
}

// sendTaskStateToScheduler implements spec.md §4.F. The message shape is
// selected by where key's result currently lives.
func (w *Worker) sendTaskStateToScheduler(key Key) {
	if _, ok := w.store.data[key]; ok {
		w.outbound.Send(TaskFinishedMsg{
			Key:        key,
			NBytes:     w.store.nbytes[key],
			Type:       w.store.types[key],
			StartStops: w.store.startstops[key],
		})
		return
	}
	if exc, ok := w.store.exceptions[key]; ok {
		w.outbound.Send(TaskErredMsg{
			Key:        key,
			Exception:  exc,
			Traceback:  w.store.tracebacks[key],
			StartStops: w.store.startstops[key],
		})
		return
	}
	w.log.Error("send_task_state_to_scheduler: key in neither data nor exceptions", "key", key)
}
