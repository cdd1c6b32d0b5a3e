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
	"sync"
	"testing"
	"time"
)

// waitForTaskState blocks until key's task record reaches want, or fails the
// test after timeout. It subscribes to the worker's transition feed rather
// than polling, so it never races a transition that happens between checks.
func waitForTaskState(t *testing.T, w *Worker, key Key, want TaskState, timeout time.Duration) {
	t.Helper()
	ch := make(chan TransitionEvent, 64)
	sub := w.SubscribeTransitions(ch)
	defer sub.Unsubscribe()

	w.mu.Lock()
	tk, ok := w.store.task(key)
	already := ok && tk.State == want
	w.mu.Unlock()
	if already {
		return
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == "task" && ev.Key == key && ev.To == want.String() {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for task %s to reach state %s", key, want)
		}
	}
}

// fakeSender is a test double for BatchedSender: it records every message
// handed to it under a lock, mirroring the teacher's own nop/record-only
// placeholders (fetcherTester's broadcastBlock etc in eth/fetcher).
type fakeSender struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeSender) Send(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeSender) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) taskFinished(key Key) (TaskFinishedMsg, bool) {
	for _, m := range f.messages() {
		if tf, ok := m.(TaskFinishedMsg); ok && tf.Key == key {
			return tf, true
		}
	}
	return TaskFinishedMsg{}, false
}

func (f *fakeSender) taskErred(key Key) (TaskErredMsg, bool) {
	for _, m := range f.messages() {
		if te, ok := m.(TaskErredMsg); ok && te.Key == key {
			return te, true
		}
	}
	return TaskErredMsg{}, false
}

// fakeScheduler is a test double for SchedulerClient. whoHas is consulted by
// the WhoHas RPC; by default every key comes back with no holders, which
// makes applyWhoHasReply release the dep. Tests that need repeated recovery
// rounds (spec.md §8 scenario 3) seed whoHas with a peer instead.
type fakeScheduler struct {
	mu         sync.Mutex
	registered bool
	whoHas     map[Key][]string
	whoHasCall int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{whoHas: make(map[Key][]string)}
}

func (s *fakeScheduler) Register(ctx context.Context, info RegisterInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
	return nil
}

func (s *fakeScheduler) WhoHas(ctx context.Context, keys []Key) (map[Key][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whoHasCall++
	out := make(map[Key][]string, len(keys))
	for _, k := range keys {
		out[k] = s.whoHas[k]
	}
	return out, nil
}

func (s *fakeScheduler) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whoHasCall
}

// fakePeers is a test double for PeerClient. data maps a peer address to the
// key/value pairs it serves; a peer absent from data (or named in failAddrs)
// fails every GetData call, simulating connection loss (spec.md §4.D "RPC
// response handling").
type fakePeers struct {
	mu         sync.Mutex
	data       map[string]map[Key]any
	failAddrs  map[string]bool
	getDataLog []getDataCall
}

type getDataCall struct {
	addr string
	keys []Key
}

func newFakePeers() *fakePeers {
	return &fakePeers{data: make(map[string]map[Key]any), failAddrs: make(map[string]bool)}
}

func (p *fakePeers) serve(addr string, key Key, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data[addr] == nil {
		p.data[addr] = make(map[Key]any)
	}
	p.data[addr][key] = value
}

func (p *fakePeers) fail(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAddrs[addr] = true
}

func (p *fakePeers) GetData(ctx context.Context, addr string, keys []Key, who string) (map[Key]any, error) {
	p.mu.Lock()
	p.getDataLog = append(p.getDataLog, getDataCall{addr: addr, keys: keys})
	fail := p.failAddrs[addr]
	store := p.data[addr]
	p.mu.Unlock()

	if fail {
		return nil, errPeerUnreachable
	}
	out := make(map[Key]any, len(keys))
	for _, k := range keys {
		if v, ok := store[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *fakePeers) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.getDataLog)
}

// errPeerUnreachable is the canned connection-loss error fakePeers returns
// for addresses marked failed.
var errPeerUnreachable = &peerUnreachableError{}

type peerUnreachableError struct{}

func (*peerUnreachableError) Error() string { return "worker test: peer unreachable" }

// blockingFuture is a FutureHandle test double that records whether it was
// resolved or rejected; nothing in this package calls it yet (Future is
// optional, spec.md §3), but AddTaskParams.Future needs a concrete type in
// tests that exercise it.
type blockingFuture struct {
	mu       sync.Mutex
	value    any
	err      error
	resolved bool
	rejected bool
}

func (f *blockingFuture) Resolve(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.resolved = v, true
}

func (f *blockingFuture) Reject(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err, f.rejected = err, true
}

// newTestWorker builds a Worker wired to fake collaborators, ready for
// add_task calls. Validation is left at its production default (on) since
// most of this package's behavior is specified in terms of the invariants
// it checks.
func newTestWorker(opts ...func(*Config)) (*Worker, *fakeScheduler, *fakeSender, *fakePeers, *FuncTable) {
	sched := newFakeScheduler()
	sender := &fakeSender{}
	peers := newFakePeers()
	loader := NewFuncTable()

	cfg := Config{
		Address:          "tcp://127.0.0.1:9000",
		NCores:           1,
		TotalConnections: 50,
		Scheduler:        sched,
		Outbound:         sender,
		Peers:            peers,
		CodeLoader:       loader,
	}
	for _, o := range opts {
		o(&cfg)
	}
	w := New(cfg)
	return w, sched, sender, peers, loader
}

func withResources(res map[string]int64) func(*Config) {
	return func(c *Config) { c.AvailableResources = res }
}

func withTotalConnections(n int) func(*Config) {
	return func(c *Config) { c.TotalConnections = n }
}
