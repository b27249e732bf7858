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

package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/metrics"
)

const (
	defaultSampleInterval = time.Second
	defaultSampleTimeout  = 500 * time.Millisecond
	defaultBytesPerToken  = 128 * 1024
)

// Reading is the raw output of a probe.
type Reading struct {
	TotalMemory      uint64
	AvailableMemory  uint64
	ComputeOccupancy float64
	// InFlightObserved is set by probes that measure the serving host or backend itself,
	// so that running batches already show up in AvailableMemory.
	InFlightObserved bool
}

// Probe reads host or backend resource figures.
type Probe interface {
	Name() string
	Read(ctx context.Context) (Reading, error)
}

// Tracker periodically samples resources and publishes the latest snapshot.
type Tracker interface {
	// Start takes the initial sample. It fails when the probe cannot be read at all.
	Start(ctx context.Context) error
	// Run samples on a fixed interval until ctx is done.
	Run(ctx context.Context)
	// Sample takes a new snapshot. On timeout or probe failure it returns the previous snapshot marked stale.
	Sample(ctx context.Context) common.ResourceSnapshot
	// Latest returns the most recent snapshot without blocking.
	Latest() common.ResourceSnapshot
}

type Config struct {
	// BytesPerToken converts memory into token units, typically the KV cache footprint of one token.
	BytesPerToken uint64
	// MaxBatchTokens caps the token budget of a snapshot. Zero means no cap.
	MaxBatchTokens float64
	SampleInterval time.Duration
	SampleTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.BytesPerToken == 0 {
		c.BytesPerToken = defaultBytesPerToken
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = defaultSampleTimeout
	}
}

type tracker struct {
	cfg     Config
	probe   Probe
	clock   clock.PassiveClock
	metrics *metrics.Metrics

	mutex      sync.RWMutex
	latest     common.ResourceSnapshot
	generation uint64
}

type Option func(*tracker)

func WithClock(c clock.PassiveClock) Option {
	return func(t *tracker) {
		t.clock = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *tracker) {
		t.metrics = m
	}
}

func NewTracker(probe Probe, cfg Config, opts ...Option) Tracker {
	cfg.setDefaults()
	t := &tracker{
		cfg:   cfg,
		probe: probe,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	// Until the first sample succeeds the tracker reports no headroom.
	t.latest = common.ResourceSnapshot{Timestamp: t.clock.Now(), Stale: true}
	return t
}

func (t *tracker) Start(ctx context.Context) error {
	reading, err := t.read(ctx)
	if err != nil {
		return fmt.Errorf("initial sample from %s probe: %w", t.probe.Name(), err)
	}
	snapshot := t.publish(t.snapshotOf(reading))
	klog.Infof("Resource tracker started with %s probe, capacity %.0f tokens, headroom %.0f tokens",
		t.probe.Name(), snapshot.Capacity, snapshot.Headroom)
	return nil
}

func (t *tracker) Run(ctx context.Context) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		t.Sample(ctx)
	}, t.cfg.SampleInterval)
}

func (t *tracker) Sample(ctx context.Context) common.ResourceSnapshot {
	reading, err := t.read(ctx)
	if err != nil {
		klog.V(4).Infof("Resource probe %s failed, keeping previous snapshot: %v", t.probe.Name(), err)
		t.metrics.RecordStaleSnapshot()
		t.mutex.Lock()
		t.generation++
		t.latest = t.latest.MarkStale()
		t.latest.Generation = t.generation
		snapshot := t.latest
		t.mutex.Unlock()
		return snapshot
	}
	return t.publish(t.snapshotOf(reading))
}

func (t *tracker) Latest() common.ResourceSnapshot {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.latest
}

func (t *tracker) publish(s common.ResourceSnapshot) common.ResourceSnapshot {
	t.mutex.Lock()
	t.generation++
	s.Generation = t.generation
	t.latest = s
	t.mutex.Unlock()
	t.metrics.RecordHeadroom(s.Headroom)
	return s
}

type readResult struct {
	reading Reading
	err     error
}

// read runs the probe bounded by the sample timeout. A probe that ignores its context
// is abandoned; its late result is discarded.
func (t *tracker) read(ctx context.Context) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.SampleTimeout)
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		r, err := t.probe.Read(ctx)
		done <- readResult{reading: r, err: err}
	}()
	select {
	case res := <-done:
		return res.reading, res.err
	case <-ctx.Done():
		return Reading{}, fmt.Errorf("%s probe: %w", t.probe.Name(), ctx.Err())
	}
}

func (t *tracker) snapshotOf(r Reading) common.ResourceSnapshot {
	occupancy := math.Min(math.Max(r.ComputeOccupancy, 0), 1)
	tokens := t.tokens(r.AvailableMemory)
	return common.ResourceSnapshot{
		Timestamp:        t.clock.Now(),
		TotalMemory:      r.TotalMemory,
		AvailableMemory:  r.AvailableMemory,
		ComputeOccupancy: occupancy,
		Capacity:         t.tokens(r.TotalMemory),
		Headroom:         math.Max(0, math.Floor(tokens*(1-occupancy))),
		InFlightObserved: r.InFlightObserved,
	}
}

func (t *tracker) tokens(bytes uint64) float64 {
	tokens := float64(bytes / t.cfg.BytesPerToken)
	if t.cfg.MaxBatchTokens > 0 && tokens > t.cfg.MaxBatchTokens {
		return t.cfg.MaxBatchTokens
	}
	return tokens
}
