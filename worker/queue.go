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

import "container/heap"

// readyQueue is a priority queue over keys in state ready, ordered by their
// Priority tuple. It is a small heap.Interface implementation in the shape
// of the teacher's own common/prque/sstack (see prque/sstack_test.go): a
// slice-backed binary heap keyed on an ordered priority. prque itself can't
// be reused directly because its generic priority parameter must be a
// single cmp.Ordered scalar, while ready admission orders on a whole tuple
// compared lexicographically (spec.md §3, §5) — there's no tuple-priority
// queue anywhere in the retrieved pack, so this follows the teacher's own
// lower-level building block instead of its top-level wrapper.
type readyQueue struct {
	items []*readyItem
	seq   int64
}

type readyItem struct {
	key      Key
	priority Priority
	seq      int64
	index    int
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) push(key Key, priority Priority) {
	q.seq++
	heap.Push(q, &readyItem{key: key, priority: priority, seq: q.seq})
}

// pop removes and returns the lowest-priority key, or ("", false) if empty.
func (q *readyQueue) pop() (Key, bool) {
	if q.Len() == 0 {
		return "", false
	}
	item := heap.Pop(q).(*readyItem)
	return item.key, true
}

func (q *readyQueue) len() int { return len(q.items) }

// heap.Interface

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority.Less(b.priority) {
		return true
	}
	if b.priority.Less(a.priority) {
		return false
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*readyItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// fifoQueue is an insertion-ordered queue of keys, used for the constrained
// and data_needed structures (spec.md §3). Both are drained strictly from
// the head; a key already queued is not re-queued.
type fifoQueue struct {
	items  []Key
	queued map[Key]struct{}
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{queued: make(map[Key]struct{})}
}

// push appends key to the back unless it is already queued.
func (q *fifoQueue) push(key Key) {
	if _, ok := q.queued[key]; ok {
		return
	}
	q.queued[key] = struct{}{}
	q.items = append(q.items, key)
}

// peek returns the head without removing it.
func (q *fifoQueue) peek() (Key, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

// pop removes and returns the head.
func (q *fifoQueue) pop() (Key, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	key := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, key)
	return key, true
}

func (q *fifoQueue) len() int { return len(q.items) }

func (q *fifoQueue) has(key Key) bool {
	_, ok := q.queued[key]
	return ok
}
