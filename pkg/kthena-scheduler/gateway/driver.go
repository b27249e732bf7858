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

package gateway

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// batchRun tracks the requests of one dispatched batch.
type batchRun struct {
	batch    *common.Batch
	members  sets.Set[string]
	accepted sets.Set[string]
	finished sets.Set[string]
	acked    bool
}

// drive executes one batch and guarantees a terminal event for every request of it.
func (g *Gateway) drive(parent context.Context, batch *common.Batch, backend Backend) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	run := &batchRun{
		batch:    batch,
		members:  sets.New[string](batch.RequestIDs()...),
		accepted: sets.New[string](),
		finished: sets.New[string](),
	}

	events := make(chan common.Event, batch.Len()+1)
	var mu sync.Mutex
	closed := false
	emit := func(ev common.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- backend.Execute(ctx, batch, emit)
	}()

	timer := time.NewTimer(g.cfg.DispatchTimeout)
	defer timer.Stop()

	var failure *common.Error
loop:
	for {
		select {
		case ev := <-events:
			g.handle(run, ev)
			if run.acked {
				resetTimer(timer, g.cfg.IdleTimeout)
			}
			if run.finished.Len() == run.members.Len() {
				break loop
			}
		case err := <-errCh:
			// Everything emitted before Execute returned is already buffered.
		drain:
			for {
				select {
				case ev := <-events:
					g.handle(run, ev)
				default:
					break drain
				}
			}
			if err != nil {
				failure = common.NewError(common.CodeBackendUnavailable, "backend %s: %v", backend.Name(), err)
			}
			break loop
		case <-timer.C:
			if run.acked {
				failure = common.NewError(common.CodeBackendUnavailable, "backend %s idle for %s", backend.Name(), g.cfg.IdleTimeout)
			} else {
				failure = common.NewError(common.CodeDispatchTimeout, "backend %s did not acknowledge within %s", backend.Name(), g.cfg.DispatchTimeout)
			}
			break loop
		case <-parent.Done():
			failure = common.NewError(common.CodeBackendUnavailable, "dispatch aborted: %v", parent.Err())
			break loop
		}
	}

	cancel()
	mu.Lock()
	closed = true
	mu.Unlock()

	if failure == nil {
		failure = common.NewError(common.CodeBackendUnavailable, "backend %s returned without a terminal status", backend.Name())
	}
	for _, e := range batch.Entries {
		if run.finished.Has(e.RequestID) {
			continue
		}
		g.metrics.RecordBackendError(batch.Model, failure.Code)
		g.publish(common.TerminalEvent(batch.Seq, e.RequestID, common.StateFailed, failure))
		run.finished.Insert(e.RequestID)
	}
	klog.V(4).InfoS("Batch finished", "batch", batch.Seq, "backend", backend.Name())
}

// handle validates one backend event and forwards it. Events for unknown or finished requests are dropped.
func (g *Gateway) handle(run *batchRun, ev common.Event) {
	ev.BatchSeq = run.batch.Seq
	if !run.members.Has(ev.RequestID) || run.finished.Has(ev.RequestID) {
		klog.V(4).InfoS("Dropping backend event", "batch", run.batch.Seq, "request", ev.RequestID, "kind", ev.Kind)
		return
	}
	run.acked = true

	if !run.accepted.Has(ev.RequestID) {
		run.accepted.Insert(ev.RequestID)
		g.publish(common.Event{BatchSeq: ev.BatchSeq, RequestID: ev.RequestID, Kind: common.EventAccepted})
	}

	switch ev.Kind {
	case common.EventAccepted:
		return
	case common.EventTokens:
		if len(ev.Tokens) == 0 {
			return
		}
	case common.EventTerminal:
		if !ev.State.IsTerminal() {
			ev.Err = common.NewError(common.CodeBackendUnavailable, "backend reported non-terminal state %q", ev.State)
			ev.State = common.StateFailed
		}
		if ev.State == common.StateFailed {
			if ev.Err == nil {
				ev.Err = common.NewError(common.CodeBackendUnavailable, "backend failed the request")
			}
			g.metrics.RecordBackendError(run.batch.Model, ev.Err.Code)
		}
		run.finished.Insert(ev.RequestID)
	default:
		klog.V(4).InfoS("Unknown event kind", "batch", run.batch.Seq, "kind", ev.Kind)
		return
	}
	g.publish(ev)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
