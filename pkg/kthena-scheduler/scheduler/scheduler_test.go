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
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/composer"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/config"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/datastore"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/gateway"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/metrics"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/ratelimit"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/resource"
)

const (
	bytesPerToken = 1024
	// 10000 tokens of capacity and headroom
	fullMemory = 10000 * bytesPerToken

	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	sched   *Scheduler
	store   datastore.Store
	probe   *resource.StaticProbe
	tracker resource.Tracker
	// observed marks probe readings as already including in-flight batches.
	observed bool
	sim      *gateway.SimBackend
	gw       *gateway.Gateway
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type harnessOptions struct {
	sim      gateway.SimConfig
	routes   map[string]gateway.Backend
	cfg      Config
	schedOpt []Option
	observed bool
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	probe := resource.NewStaticProbe(resource.Reading{TotalMemory: fullMemory, AvailableMemory: fullMemory, InFlightObserved: o.observed})
	tracker := resource.NewTracker(probe, resource.Config{BytesPerToken: bytesPerToken})
	require.NoError(t, tracker.Start(ctx))

	sim := gateway.NewSimBackend("sim", o.sim)
	routes := o.routes
	if routes == nil {
		routes = map[string]gateway.Backend{gateway.DefaultRoute: sim}
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	gw := gateway.New(gateway.Config{DispatchTimeout: time.Second, IdleTimeout: time.Second}, routes, m)
	store := datastore.New()

	cfg := o.cfg
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = tick
	}
	opts := append([]Option{WithMetrics(m)}, o.schedOpt...)
	sched := New(cfg, store, tracker, composer.New(composer.DefaultConfig(), nil, nil), gw, opts...)

	h := &harness{
		sched:    sched,
		store:    store,
		probe:    probe,
		tracker:  tracker,
		observed: o.observed,
		sim:      sim,
		gw:       gw,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) start() {
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.sched.Run(h.ctx)
	}()
}

func (h *harness) stop() {
	h.cancel()
	if h.done != nil {
		<-h.done
	}
	h.gw.Close()
}

func (h *harness) setMemory(t *testing.T, available uint64) {
	t.Helper()
	h.probe.Set(resource.Reading{TotalMemory: fullMemory, AvailableMemory: available, InFlightObserved: h.observed})
	h.tracker.Sample(h.ctx)
}

func (h *harness) waitState(t *testing.T, id string, want common.RequestState) *common.Request {
	t.Helper()
	var last *common.Request
	require.Eventually(t, func() bool {
		req, err := h.sched.Get(id)
		if err != nil {
			return false
		}
		last = req
		return req.State == want
	}, waitFor, tick, "request %s never reached %s", id, want)
	return last
}

func newRequest(id string, maxNewTokens int) *common.Request {
	return &common.Request{
		ID:          id,
		Model:       "m",
		InputTokens: []int32{1, 2, 3, 4},
		Params:      common.GenerationParams{MaxNewTokens: maxNewTokens},
	}
}

func simOutput(id string, n int) []int32 {
	out := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, gateway.SimToken(id, i, 0))
	}
	return out
}

func TestSubmitAndComplete(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		got, err := h.sched.Submit(newRequest(id, 4))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	for _, id := range ids {
		req := h.waitState(t, id, common.StateCompleted)
		assert.Equal(t, simOutput(id, 4), req.Output)
		assert.Nil(t, req.Err)
	}

	out, state, err := h.sched.Outstanding("a")
	require.NoError(t, err)
	assert.Equal(t, common.StateCompleted, state)
	assert.Equal(t, simOutput("a", 4), out)

	require.NoError(t, h.sched.Acknowledge("a"))
	require.Eventually(t, func() bool {
		_, err := h.sched.Get("a")
		return errors.Is(err, common.ErrNotFound)
	}, waitFor, tick)

	stats := h.sched.Stats()
	assert.False(t, stats.Backpressure)
	assert.Zero(t, stats.Reserved)
	assert.Zero(t, stats.InFlightBatches)
	assert.NotZero(t, stats.LastBatchSeq)
	assert.Equal(t, 2, stats.Counts[common.StateCompleted])

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Admissions.WithLabelValues("m", metrics.AdmissionAccepted)))
	assert.Equal(t, 12.0, testutil.ToFloat64(h.metrics.OutputTokens.WithLabelValues("m")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RequestsFinished.WithLabelValues("m", string(common.StateCompleted))))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name string
		req  *common.Request
	}{
		{name: "nil request"},
		{name: "no prompt", req: &common.Request{ID: "x", Model: "m"}},
		{name: "negative max new tokens", req: &common.Request{Model: "m", Prompt: "hi", Params: common.GenerationParams{MaxNewTokens: -1}}},
		{name: "prompt fills max length", req: &common.Request{Model: "m", InputTokens: []int32{1, 2, 3}, Params: common.GenerationParams{MaxLength: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Submit(tt.req)
			assert.True(t, errors.Is(err, common.ErrInvalidArgument), "got %v", err)
		})
	}

	_, err := h.sched.Submit(newRequest("dup", 1))
	require.NoError(t, err)
	_, err = h.sched.Submit(newRequest("dup", 1))
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
	assert.Equal(t, 1, h.store.Pending())
}

func TestIntakeFull(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{IntakeBuffer: 1}})

	_, err := h.sched.Submit(newRequest("a", 1))
	require.NoError(t, err)
	_, err = h.sched.Submit(newRequest("b", 1))
	assert.True(t, errors.Is(err, common.ErrCapacityExceeded))

	_, err = h.store.Get("b")
	assert.True(t, errors.Is(err, common.ErrNotFound), "overflowed request must not stay admitted")
	assert.Equal(t, 1, h.store.Pending())

	// Once the loop drains the intake the caller retries with the same identifier.
	h.start()
	h.waitState(t, "a", common.StateCompleted)
	id, err := h.sched.Submit(newRequest("b", 1))
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	h.waitState(t, "b", common.StateCompleted)
}

func TestBackendFailureThenRecovery(t *testing.T) {
	h := newHarness(t, harnessOptions{sim: gateway.SimConfig{FailFirst: 1}})

	// Both requests are collected by the first cycle and share the failing batch.
	for _, id := range []string{"a", "b"} {
		_, err := h.sched.Submit(newRequest(id, 2))
		require.NoError(t, err)
	}
	h.start()

	for _, id := range []string{"a", "b"} {
		req := h.waitState(t, id, common.StateFailed)
		require.NotNil(t, req.Err)
		assert.Equal(t, common.CodeBackendUnavailable, req.Err.Code)
	}

	_, err := h.sched.Submit(newRequest("c", 2))
	require.NoError(t, err)
	req := h.waitState(t, "c", common.StateCompleted)
	assert.Equal(t, simOutput("c", 2), req.Output)
	assert.Equal(t, 2, h.sim.Batches())
}

func TestCancelBeforeDispatch(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for _, id := range []string{"a", "b"} {
		_, err := h.sched.Submit(newRequest(id, 2))
		require.NoError(t, err)
	}
	require.NoError(t, h.sched.Cancel(context.Background(), "a"))
	h.start()

	h.waitState(t, "b", common.StateCompleted)
	req, err := h.sched.Get("a")
	require.NoError(t, err)
	assert.Equal(t, common.StateCancelled, req.State)
	assert.Empty(t, req.Output)
	assert.Equal(t, 1, h.sim.Batches())

	err = h.sched.Cancel(context.Background(), "a")
	assert.True(t, errors.Is(err, common.ErrInvalidTransition))
	err = h.sched.Cancel(context.Background(), "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, harnessOptions{sim: gateway.SimConfig{TokenDelay: 10 * time.Millisecond}})
	h.start()

	_, err := h.sched.Submit(newRequest("a", 500))
	require.NoError(t, err)
	h.waitState(t, "a", common.StateRunning)

	require.NoError(t, h.sched.Cancel(context.Background(), "a"))
	req := h.waitState(t, "a", common.StateCancelled)
	assert.True(t, req.CancelRequested)
	assert.Less(t, len(req.Output), 500)
	require.NotNil(t, req.Err)
	assert.Equal(t, common.CodeCancelled, req.Err.Code)
}

func TestOversizedRequestFails(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start()

	_, err := h.sched.Submit(newRequest("huge", 20000))
	require.NoError(t, err)
	req := h.waitState(t, "huge", common.StateFailed)
	assert.Equal(t, common.CodeCapacityExceeded, req.Err.Code)
	assert.Zero(t, h.sim.Batches())
}

func TestBackpressure(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{BackpressureCycles: 3}})
	h.start()

	// A single zero-headroom snapshot read by many cycles is not sustained pressure.
	h.setMemory(t, 0)
	cycles := h.sched.Stats().Cycles
	require.Eventually(t, func() bool {
		return h.sched.Stats().Cycles > cycles+10
	}, waitFor, tick)
	stats := h.sched.Stats()
	assert.False(t, stats.Backpressure)
	assert.Equal(t, 1, stats.ZeroHeadroomSnapshots)

	h.setMemory(t, 0)
	h.setMemory(t, 0)
	require.Eventually(t, func() bool {
		return h.sched.Stats().Backpressure
	}, waitFor, tick)
	assert.Equal(t, 3, h.sched.Stats().ZeroHeadroomSnapshots)

	_, err := h.sched.Submit(newRequest("a", 2))
	assert.True(t, errors.Is(err, common.ErrCapacityExceeded), "got %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Backpressure))

	h.setMemory(t, fullMemory)
	require.Eventually(t, func() bool {
		return !h.sched.Stats().Backpressure
	}, waitFor, tick)

	_, err = h.sched.Submit(newRequest("a", 2))
	require.NoError(t, err)
	h.waitState(t, "a", common.StateCompleted)
}

func TestObservedInFlightWorkIsNotReservedTwice(t *testing.T) {
	h := newHarness(t, harnessOptions{
		observed: true,
		sim:      gateway.SimConfig{TokenDelay: 10 * time.Millisecond},
	})
	h.start()

	// 4 prompt tokens and 4000 new tokens cost 4016.
	_, err := h.sched.Submit(newRequest("a", 4000))
	require.NoError(t, err)
	h.waitState(t, "a", common.StateRunning)
	assert.Equal(t, 4016.0, h.sched.Stats().Reserved)

	// The probe now reports the memory held by a.
	h.setMemory(t, (10000-4016)*bytesPerToken)
	require.Eventually(t, func() bool {
		return h.sched.Stats().Snapshot.Headroom == 10000-4016
	}, waitFor, tick)

	// b costs 4016*1.05 with a running. It only fits when a is not subtracted again.
	_, err = h.sched.Submit(newRequest("b", 4000))
	require.NoError(t, err)
	h.waitState(t, "b", common.StateRunning)
}

func TestUnobservedInFlightWorkIsReserved(t *testing.T) {
	h := newHarness(t, harnessOptions{sim: gateway.SimConfig{TokenDelay: 10 * time.Millisecond}})
	h.start()

	_, err := h.sched.Submit(newRequest("a", 4000))
	require.NoError(t, err)
	h.waitState(t, "a", common.StateRunning)

	// A static figure does not move with running batches, so a stays reserved.
	h.setMemory(t, (10000-4016)*bytesPerToken)
	_, err = h.sched.Submit(newRequest("b", 4000))
	require.NoError(t, err)
	cycles := h.sched.Stats().Cycles
	require.Eventually(t, func() bool {
		return h.sched.Stats().Cycles > cycles+10
	}, waitFor, tick)
	req, err := h.sched.Get("b")
	require.NoError(t, err)
	assert.Equal(t, common.StateQueued, req.State)
}

func TestQueuedUntilHeadroom(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{BackpressureCycles: 1000}})
	h.setMemory(t, 0)
	h.start()

	_, err := h.sched.Submit(newRequest("a", 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.sched.Stats().Cycles > 5
	}, waitFor, tick)
	req, err := h.sched.Get("a")
	require.NoError(t, err)
	assert.Equal(t, common.StateQueued, req.State)
	assert.Equal(t, 1, h.sched.Stats().Pending)

	h.setMemory(t, fullMemory)
	h.waitState(t, "a", common.StateCompleted)
}

func TestRateLimitedSubmit(t *testing.T) {
	limiter := ratelimit.NewRateLimiter(nil, nil)
	limiter.AddOrUpdateLimiter(config.RateLimit{Model: "m", InputTokensPerSecond: 1, Burst: 6})
	h := newHarness(t, harnessOptions{schedOpt: []Option{WithRateLimiter(limiter)}})

	_, err := h.sched.Submit(newRequest("a", 1))
	require.NoError(t, err)
	_, err = h.sched.Submit(newRequest("b", 1))
	assert.True(t, errors.Is(err, common.ErrRateLimited), "got %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Admissions.WithLabelValues("m", metrics.AdmissionRateLimited)))

	other := newRequest("c", 1)
	other.Model = "unlimited"
	_, err = h.sched.Submit(other)
	assert.NoError(t, err)
}

func TestNoBackendForModel(t *testing.T) {
	h := newHarness(t, harnessOptions{routes: map[string]gateway.Backend{}})
	h.start()

	_, err := h.sched.Submit(newRequest("a", 2))
	require.NoError(t, err)
	req := h.waitState(t, "a", common.StateFailed)
	assert.Equal(t, common.CodeBackendUnavailable, req.Err.Code)
	assert.Zero(t, h.sched.Stats().Reserved)
}

func TestModelsBatchSeparately(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for i, id := range []string{"a", "b", "c"} {
		req := newRequest(id, 1)
		if i == 1 {
			req.Model = "other"
		}
		_, err := h.sched.Submit(req)
		require.NoError(t, err)
	}
	h.start()

	for _, id := range []string{"a", "b", "c"} {
		h.waitState(t, id, common.StateCompleted)
	}
	assert.Equal(t, 2, h.sim.Batches())
}
