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
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// RegisterInfo is the payload sent to the scheduler on registration
// (spec.md §4.F, §6).
type RegisterInfo struct {
	Address   string
	NCores    int
	Keys      []Key
	NBytes    map[Key]int64
	Now       time.Time
	Executing []Key
	InMemory  []Key
	Ready     []Key
	InFlight  []Key
}

// SchedulerClient is the set of RPCs the worker issues to the scheduler. Its
// implementation (connection lifetime, retries, MsgPack encoding) lives
// outside this package (spec.md §1 explicit out-of-scope list).
type SchedulerClient interface {
	// Register performs the boot-time handshake; a non-nil error is always
	// fatal for the worker (spec.md §7 class 5).
	Register(ctx context.Context, info RegisterInfo) error
	// WhoHas asks the scheduler which peers hold each of keys, used by
	// missing-dep recovery (spec.md §4.D).
	WhoHas(ctx context.Context, keys []Key) (map[Key][]string, error)
}

// BatchedSender is the outgoing, time-windowed channel to the scheduler that
// carries per-key state publication and add-keys/remove-keys notices
// (spec.md §4.F "Outgoing"). Coalescing policy is an external collaborator.
type BatchedSender interface {
	Send(msg any)
}

// PeerClient dispatches get_data RPCs to peer workers (spec.md §4.D step 4,
// §6). Implementations must not block the caller's mutex: GetData is always
// invoked from a goroutine that has released the worker lock first.
type PeerClient interface {
	GetData(ctx context.Context, addr string, keys []Key, who string) (map[Key]any, error)
}

// Config bundles the construction-time parameters of a Worker, following the
// teacher's functional-options-free, struct-literal configuration style used
// throughout eth/downloader and miner for their New(...) constructors.
type Config struct {
	Address            string
	NCores             int
	TotalConnections   int
	TargetMessageSize  int64
	AvailableResources map[string]int64
	// DisableValidation turns off the invariant checker (spec.md §4.G: "When
	// enabled (default on)"). Validation is on unless a caller explicitly
	// opts out, since the validator is the cheapest way to catch a broken
	// invariant before it corrupts the state store further.
	DisableValidation bool
	Logger            log.Logger

	Scheduler  SchedulerClient
	Outbound   BatchedSender
	Peers      PeerClient
	CodeLoader CodeLoader
}

const (
	defaultTotalConnections  = 50
	defaultTargetMessageSize = 50 * 1024 * 1024
	// defaultAdmissionBudget bounds how many admissions ensureComputing
	// performs per invocation, shared across its constrained and ready
	// phases, before returning,
	// addressing the unbounded "while !isempty(ready)" loop the redesign
	// notes call out (spec.md §9 Open Questions).
	defaultAdmissionBudget = 64
)

// Worker is the core of the distributed-computation worker endpoint: the
// task/dependency state machines, the peer gather loop, the admission loop
// and the scheduler session, all serialized behind a single mutex per
// spec.md §5.
type Worker struct {
	mu    sync.Mutex
	store *stateStore
	log   log.Logger

	address    string
	ncores     int
	validate   bool
	codeLoader CodeLoader

	scheduler SchedulerClient
	outbound  BatchedSender
	peers     PeerClient

	isComputing bool

	// transitionFeed publishes a TransitionEvent after every task/dep state
	// change so tests and future admin surfaces can observe the state
	// machine without coupling the core to a specific sink (spec.md
	// SPEC_FULL §1 "Event notification").
	transitionFeed event.Feed

	// wg tracks background execute/fetch activity so Stop
	// can wait for a quiescent point before returning.
	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// TransitionEvent is published on the Worker's transition feed each time a
// task or dependency record changes state.
type TransitionEvent struct {
	Key  Key
	Kind string // "task" or "dep"
	From string
	To   string
}

// SubscribeTransitions registers ch to receive every TransitionEvent the
// worker publishes. The returned Subscription's Unsubscribe must be called
// to stop delivery; Err() reports why the feed gave up on ch.
func (w *Worker) SubscribeTransitions(ch chan<- TransitionEvent) event.Subscription {
	return w.transitionFeed.Subscribe(ch)
}

// New constructs a Worker. The returned value has not registered with a
// scheduler or accepted any task yet; call Run to do both.
func New(cfg Config) *Worker {
	totalConnections := cfg.TotalConnections
	if totalConnections <= 0 {
		totalConnections = defaultTotalConnections
	}
	targetMessageSize := cfg.TargetMessageSize
	if targetMessageSize <= 0 {
		targetMessageSize = defaultTargetMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	loader := cfg.CodeLoader
	if loader == nil {
		loader = NewFuncTable()
	}
	return &Worker{
		store:      newStateStore(totalConnections, targetMessageSize, cfg.AvailableResources),
		log:        logger,
		address:    cfg.Address,
		ncores:     cfg.NCores,
		validate:   !cfg.DisableValidation,
		codeLoader: loader,
		scheduler:  cfg.Scheduler,
		outbound:   cfg.Outbound,
		peers:      cfg.Peers,
		stopCh:     make(chan struct{}),
	}
}

// Run registers the worker with the scheduler and blocks until Stop is
// called or registration fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	info := w.registrationSnapshot()
	if err := w.scheduler.Register(ctx, info); err != nil {
		return &FatalError{Reason: "registration failed: " + err.Error()}
	}
	w.log.Info("worker registered", "address", w.address)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return nil
	}
}

// Stop requests an orderly shutdown (spec.md §4.F "close"). It waits for any
// in-flight execute/fetch goroutines to apply their results before
// returning.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// SetComputing flips is_computing, the gate controlling whether
// compute-task/release-task/delete-data ops are accepted (spec.md §4.F).
func (w *Worker) SetComputing(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.isComputing = v
}

func (w *Worker) registrationSnapshot() RegisterInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := RegisterInfo{
		Address: w.address,
		NCores:  w.ncores,
		NBytes:  make(map[Key]int64, len(w.store.nbytes)),
		Now:     time.Now(),
	}
	for k := range w.store.tasks {
		info.Keys = append(info.Keys, k)
	}
	for k, v := range w.store.nbytes {
		info.NBytes[k] = v
	}
	for k := range w.store.executing {
		info.Executing = append(info.Executing, k)
	}
	for k := range w.store.data {
		info.InMemory = append(info.InMemory, k)
	}
	for _, item := range w.store.ready.items {
		info.Ready = append(info.Ready, item.key)
	}
	for k := range w.store.inFlightTasks {
		info.InFlight = append(info.InFlight, k)
	}
	return info
}

// runAsync spawns f tracked by the worker's WaitGroup, used for execute(key)
// and peer-fetch dispatch so Stop can drain them (spec.md §5 suspension
// points).
func (w *Worker) runAsync(f func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		f()
	}()
}
