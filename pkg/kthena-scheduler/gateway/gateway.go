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
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/metrics"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultResultBuffer    = 1024

	// DefaultRoute matches every model without an explicit backend.
	DefaultRoute = "*"
)

// Backend executes batches. Execute reports events through emit and returns once the
// backend has nothing more to say about the batch. It must return when ctx is done.
type Backend interface {
	Name() string
	Execute(ctx context.Context, batch *common.Batch, emit func(common.Event)) error
}

// Canceler is implemented by backends that accept advisory cancellation of a running request.
type Canceler interface {
	Cancel(ctx context.Context, batchSeq uint64, requestID string) error
}

type Config struct {
	// DispatchTimeout bounds the wait for the backend to acknowledge a batch.
	DispatchTimeout time.Duration
	// IdleTimeout bounds the silence of an acknowledged batch.
	IdleTimeout  time.Duration
	ResultBuffer int
}

func (c *Config) setDefaults() {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = defaultResultBuffer
	}
}

type inflight struct {
	seq     uint64
	backend Backend
}

// Gateway dispatches batches to backends and merges their events into one results channel.
type Gateway struct {
	cfg     Config
	routes  map[string]Backend
	metrics *metrics.Metrics

	results chan common.Event
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mutex sync.Mutex
	// running maps request identifiers to the batch executing them.
	running map[string]inflight
}

// New creates a gateway. routes maps a model name, or DefaultRoute, to its backend.
func New(cfg Config, routes map[string]Backend, m *metrics.Metrics) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		cfg:     cfg,
		routes:  routes,
		metrics: m,
		results: make(chan common.Event, cfg.ResultBuffer),
		done:    make(chan struct{}),
		running: make(map[string]inflight),
	}
}

// Results is the stream of events of every dispatched batch.
func (g *Gateway) Results() <-chan common.Event {
	return g.results
}

func (g *Gateway) backendFor(model string) (Backend, bool) {
	if b, ok := g.routes[model]; ok {
		return b, true
	}
	b, ok := g.routes[DefaultRoute]
	return b, ok
}

// Dispatch starts executing the batch and returns immediately. It fails only when no backend
// serves the model of the batch.
func (g *Gateway) Dispatch(ctx context.Context, batch *common.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	backend, ok := g.backendFor(batch.Model)
	if !ok {
		return common.NewError(common.CodeBackendUnavailable, "no backend serves model %q", batch.Model)
	}

	g.mutex.Lock()
	for _, id := range batch.RequestIDs() {
		g.running[id] = inflight{seq: batch.Seq, backend: backend}
	}
	g.mutex.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.drive(ctx, batch, backend)
	}()
	klog.V(4).InfoS("Batch dispatched", "batch", batch.Seq, "backend", backend.Name(), "size", batch.Len(), "cost", batch.Cost)
	return nil
}

// Cancel forwards an advisory cancellation to the backend running the request.
// It reports whether the backend was told.
func (g *Gateway) Cancel(ctx context.Context, requestID string) (bool, error) {
	g.mutex.Lock()
	in, ok := g.running[requestID]
	g.mutex.Unlock()
	if !ok {
		return false, nil
	}
	canceler, ok := in.backend.(Canceler)
	if !ok {
		return false, nil
	}
	if err := canceler.Cancel(ctx, in.seq, requestID); err != nil {
		return false, fmt.Errorf("cancel %s on %s: %w", requestID, in.backend.Name(), err)
	}
	return true, nil
}

// Close stops forwarding events and waits for running batches to observe their cancelled context.
func (g *Gateway) Close() {
	g.once.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

func (g *Gateway) publish(ev common.Event) {
	if ev.Kind == common.EventTerminal {
		g.mutex.Lock()
		delete(g.running, ev.RequestID)
		g.mutex.Unlock()
	}
	select {
	case g.results <- ev:
	case <-g.done:
	}
}
