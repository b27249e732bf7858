/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// reservation is the budget held by a dispatched request until its terminal event.
type reservation struct {
	seq          uint64
	model        string
	cost         float64
	dispatchedAt time.Time
}

// cycleState is owned by the loop goroutine and passed to every step of a cycle.
type cycleState struct {
	// pending holds requests not yet batched, in intake order.
	pending    []string
	pendingSet sets.Set[string]

	seq          uint64
	reservations map[string]reservation
	// batches counts requests without a terminal event per batch.
	batches map[uint64]int

	// zeroHeadroom counts consecutive snapshots without headroom. lastGeneration is the
	// snapshot counted last, so one snapshot is counted once however many cycles read it.
	zeroHeadroom   int
	lastGeneration uint64
	backpressure   bool
	snapshot       common.ResourceSnapshot
	cycles         uint64
}

func newCycleState() *cycleState {
	return &cycleState{
		pendingSet:   sets.New[string](),
		reservations: make(map[string]reservation),
		batches:      make(map[uint64]int),
	}
}

func (c *cycleState) reserved() float64 {
	total := 0.0
	for _, r := range c.reservations {
		total += r.cost
	}
	return total
}

// reservedAgainst returns the cost the snapshot does not account for yet. A snapshot that
// observes in-flight work already includes every batch dispatched before it was taken.
func (c *cycleState) reservedAgainst(snap common.ResourceSnapshot) float64 {
	if !snap.InFlightObserved {
		return c.reserved()
	}
	total := 0.0
	for _, r := range c.reservations {
		if !r.dispatchedAt.Before(snap.Timestamp) {
			total += r.cost
		}
	}
	return total
}

func (c *cycleState) addPending(id string) {
	if c.pendingSet.Has(id) {
		return
	}
	c.pendingSet.Insert(id)
	c.pending = append(c.pending, id)
}

func (c *cycleState) removePending(ids ...string) {
	if len(ids) == 0 {
		return
	}
	c.pendingSet.Delete(ids...)
	kept := c.pending[:0]
	for _, id := range c.pending {
		if c.pendingSet.Has(id) {
			kept = append(kept, id)
		}
	}
	c.pending = kept
}

func (c *cycleState) reserve(seq uint64, model string, entries []common.BatchEntry, at time.Time) {
	for _, e := range entries {
		c.reservations[e.RequestID] = reservation{seq: seq, model: model, cost: e.Cost, dispatchedAt: at}
	}
	c.batches[seq] = len(entries)
}

func (c *cycleState) release(id string) {
	r, ok := c.reservations[id]
	if !ok {
		return
	}
	delete(c.reservations, id)
	c.batches[r.seq]--
	if c.batches[r.seq] <= 0 {
		delete(c.batches, r.seq)
	}
}

// cycle runs Collect, Snapshot, Compose, Dispatch, Demux and Sweep once.
func (s *Scheduler) cycle(ctx context.Context, state *cycleState) {
	start := s.clock.Now()
	state.cycles++

	s.collect(state)
	budget := s.snapshot(state)
	s.composeAndDispatch(ctx, state, budget)
	s.demux(state)
	s.sweep(state)

	s.publishStats(state)
	s.metrics.RecordCycle(s.clock.Since(start))
}

// collect drains the intake queue without blocking.
func (s *Scheduler) collect(state *cycleState) {
	for {
		select {
		case id := <-s.intake:
			state.addPending(id)
		default:
			return
		}
	}
}

// snapshot reads the latest resource snapshot, updates backpressure and returns the budget
// left after in-flight reservations.
func (s *Scheduler) snapshot(state *cycleState) common.ResourceSnapshot {
	snap := s.tracker.Latest()
	state.snapshot = snap

	if snap.Generation != state.lastGeneration {
		state.lastGeneration = snap.Generation
		if snap.Headroom <= 0 {
			state.zeroHeadroom++
		} else {
			state.zeroHeadroom = 0
		}
	}
	active := state.zeroHeadroom >= s.cfg.BackpressureCycles
	if active != state.backpressure {
		if active {
			klog.Infof("No resource headroom for %d snapshots, refusing admissions", state.zeroHeadroom)
		} else {
			klog.Info("Resource headroom recovered, accepting admissions")
		}
		state.backpressure = active
		s.backpressure.Store(active)
		s.metrics.SetBackpressure(active)
	}
	return snap.Reserve(state.reservedAgainst(snap))
}

func (s *Scheduler) composeAndDispatch(ctx context.Context, state *cycleState, budget common.ResourceSnapshot) {
	if len(state.pending) == 0 {
		return
	}

	var gone []string
	candidates := make([]*common.Request, 0, len(state.pending))
	for _, id := range state.pending {
		req, err := s.store.Get(id)
		if err != nil {
			gone = append(gone, id)
			continue
		}
		candidates = append(candidates, req)
	}
	// Running requests only count towards contention.
	for _, id := range s.store.List(common.StateRunning) {
		if req, err := s.store.Get(id); err == nil {
			candidates = append(candidates, req)
		}
	}
	state.removePending(gone...)

	result := s.composer.Compose(candidates, budget)
	state.removePending(result.Dropped...)
	for _, id := range result.Oversized {
		err := common.NewError(common.CodeCapacityExceeded, "request cost exceeds capacity of %.0f tokens", budget.Capacity)
		if ferr := s.store.Fail(id, err); ferr != nil {
			klog.ErrorS(ferr, "Failed to fail oversized request", "request", id)
		} else {
			s.recordFinished(id)
		}
	}
	state.removePending(result.Oversized...)

	batch := result.Batch
	if batch.IsEmpty() {
		return
	}

	now := s.clock.Now()
	entries := batch.Entries[:0]
	cost := 0.0
	var selected []string
	for _, e := range batch.Entries {
		selected = append(selected, e.RequestID)
		// A cancellation may land between compose and admission.
		if err := s.store.Transition(e.RequestID, common.StateAdmitted); err != nil {
			klog.V(4).InfoS("Request left the batch before dispatch", "request", e.RequestID, "err", err)
			continue
		}
		if req, err := s.store.Get(e.RequestID); err == nil {
			s.metrics.RecordQueueWait(req.Model, now.Sub(req.ArrivalTime))
		}
		entries = append(entries, e)
		cost += e.Cost
	}
	state.removePending(selected...)
	batch.Entries = entries
	batch.Cost = cost
	if batch.IsEmpty() {
		return
	}

	state.seq++
	batch.Seq = state.seq
	state.reserve(batch.Seq, batch.Model, batch.Entries, s.clock.Now())
	s.metrics.RecordBatch(batch.Len(), batch.Cost)
	klog.V(4).InfoS("Batch composed", "batch", batch.Seq, "model", batch.Model, "size", batch.Len(),
		"cost", batch.Cost, "headroom", budget.Headroom, "deferred", len(result.Deferred))

	if err := s.gateway.Dispatch(ctx, batch); err != nil {
		cerr := common.AsError(err)
		klog.ErrorS(err, "Dispatch failed", "batch", batch.Seq, "model", batch.Model)
		s.metrics.RecordBackendError(batch.Model, cerr.Code)
		for _, id := range batch.RequestIDs() {
			if ferr := s.store.Fail(id, cerr); ferr != nil {
				klog.V(4).InfoS("Failed to fail request", "request", id, "err", ferr)
			} else {
				s.recordFinished(id)
			}
			state.release(id)
		}
	}
}

// demux applies the results received so far without blocking.
func (s *Scheduler) demux(state *cycleState) {
	for {
		select {
		case ev := <-s.gateway.Results():
			s.apply(state, ev)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(state *cycleState, ev common.Event) {
	switch ev.Kind {
	case common.EventAccepted:
		s.logTransitionError(ev, s.store.Transition(ev.RequestID, common.StateRunning))
	case common.EventTokens:
		err := s.store.AppendOutput(ev.RequestID, ev.Tokens)
		if err != nil {
			s.logTransitionError(ev, err)
			return
		}
		if r, ok := state.reservations[ev.RequestID]; ok {
			s.metrics.RecordOutputTokens(r.model, len(ev.Tokens))
			if s.limiter != nil {
				s.limiter.RecordOutputTokens(r.model, len(ev.Tokens))
			}
		}
	case common.EventTerminal:
		var err error
		if ev.State == common.StateFailed {
			err = s.store.Fail(ev.RequestID, ev.Err)
		} else {
			err = s.store.Complete(ev.RequestID, ev.State, ev.Err)
		}
		if err != nil {
			s.logTransitionError(ev, err)
		} else {
			s.recordFinished(ev.RequestID)
			klog.V(4).InfoS("Request finished", "request", ev.RequestID, "batch", ev.BatchSeq, "state", ev.State)
		}
		state.release(ev.RequestID)
	}
}

// logTransitionError reports an event the store refused. Events for requests cancelled
// while admitted are expected and only logged at debug level.
func (s *Scheduler) logTransitionError(ev common.Event, err error) {
	if err == nil {
		return
	}
	if req, gerr := s.store.Get(ev.RequestID); gerr == nil && req.State.IsTerminal() {
		klog.V(4).InfoS("Ignoring event for finished request", "request", ev.RequestID, "kind", ev.Kind, "state", req.State)
		return
	}
	klog.ErrorS(err, "Failed to apply result event", "request", ev.RequestID, "batch", ev.BatchSeq, "kind", ev.Kind)
}

func (s *Scheduler) recordFinished(id string) {
	req, err := s.store.Get(id)
	if err != nil {
		return
	}
	s.metrics.RecordFinished(req.Model, req.State, req.FinishedAt.Sub(req.ArrivalTime))
}

func (s *Scheduler) sweep(state *cycleState) {
	result := s.store.Sweep(s.cfg.TerminalRetention)
	state.removePending(result.Removed...)
	if len(result.Removed) > 0 {
		klog.V(4).Infof("Swept %d terminal requests", len(result.Removed))
	}
	s.metrics.SetQueueDepth(s.store.Counts())
}

func (s *Scheduler) publishStats(state *cycleState) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	s.stats = Stats{
		Pending:               len(state.pending),
		InFlightBatches:       len(state.batches),
		Reserved:              state.reserved(),
		Backpressure:          state.backpressure,
		ZeroHeadroomSnapshots: state.zeroHeadroom,
		LastBatchSeq:          state.seq,
		Cycles:                state.cycles,
		Snapshot:              state.snapshot,
	}
}
