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

// Package scheduler runs the batching loop: it collects admitted requests, composes batches
// under the resource budget, dispatches them and applies the results.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/composer"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/datastore"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/gateway"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/metrics"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/ratelimit"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/resource"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/tokenizer"
)

const (
	defaultCycleInterval      = 10 * time.Millisecond
	defaultBackpressureCycles = 3
	defaultIntakeBuffer       = 256
)

type Config struct {
	CycleInterval time.Duration
	// BackpressureCycles is the number of consecutive resource snapshots without headroom
	// after which admissions are refused.
	BackpressureCycles int
	IntakeBuffer       int
	// TerminalRetention bounds how long unacknowledged terminal requests are kept.
	TerminalRetention time.Duration
}

func (c *Config) setDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = defaultCycleInterval
	}
	if c.BackpressureCycles <= 0 {
		c.BackpressureCycles = defaultBackpressureCycles
	}
	if c.IntakeBuffer <= 0 {
		c.IntakeBuffer = defaultIntakeBuffer
	}
}

// Stats is a view of the loop published at the end of every cycle.
type Stats struct {
	Counts                map[common.RequestState]int `json:"counts"`
	Pending               int                         `json:"pending"`
	InFlightBatches       int                         `json:"in_flight_batches"`
	Reserved              float64                     `json:"reserved"`
	Backpressure          bool                        `json:"backpressure"`
	ZeroHeadroomSnapshots int                         `json:"zero_headroom_snapshots"`
	LastBatchSeq          uint64                      `json:"last_batch_seq"`
	Cycles                uint64                      `json:"cycles"`
	Snapshot              common.ResourceSnapshot     `json:"snapshot"`
}

type Option func(*Scheduler)

func WithRateLimiter(l *ratelimit.TokenRateLimiter) Option {
	return func(s *Scheduler) {
		s.limiter = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tokenizer = t
		}
	}
}

func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// Scheduler owns the batching loop. The front-end operations are safe for concurrent use,
// Run must be called once.
type Scheduler struct {
	cfg       Config
	store     datastore.Store
	tracker   resource.Tracker
	composer  *composer.Composer
	gateway   *gateway.Gateway
	limiter   *ratelimit.TokenRateLimiter
	tokenizer tokenizer.Tokenizer
	metrics   *metrics.Metrics
	clock     clock.WithTicker

	intake chan string
	wake   chan struct{}

	backpressure atomic.Bool
	running      atomic.Bool

	statsMutex sync.RWMutex
	stats      Stats
}

func New(cfg Config, store datastore.Store, tracker resource.Tracker, c *composer.Composer, gw *gateway.Gateway, opts ...Option) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		tracker:   tracker,
		composer:  c,
		gateway:   gw,
		tokenizer: tokenizer.NewSimpleEstimateTokenizer(),
		clock:     clock.RealClock{},
		intake:    make(chan string, cfg.IntakeBuffer),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit admits a request and returns its identifier. The request is batched by a later cycle.
func (s *Scheduler) Submit(req *common.Request) (string, error) {
	if req == nil {
		return "", common.NewError(common.CodeInvalidArgument, "request is nil")
	}
	if err := s.validate(req); err != nil {
		s.metrics.RecordAdmission(req.Model, metrics.AdmissionInvalid)
		return "", err
	}
	if s.backpressure.Load() {
		s.metrics.RecordAdmission(req.Model, metrics.AdmissionRejected)
		return "", common.NewError(common.CodeCapacityExceeded, "no resource headroom for %d snapshots", s.cfg.BackpressureCycles)
	}
	if s.limiter != nil {
		if err := s.limiter.RateLimit(req); err != nil {
			s.metrics.RecordAdmission(req.Model, metrics.AdmissionRateLimited)
			return "", err
		}
	}

	id, err := s.store.Admit(req)
	if err != nil {
		result := metrics.AdmissionRejected
		if common.CodeOf(err) == common.CodeInvalidArgument {
			result = metrics.AdmissionInvalid
		}
		s.metrics.RecordAdmission(req.Model, result)
		return "", err
	}

	select {
	case s.intake <- id:
	default:
		// The caller may retry with the same identifier.
		if werr := s.store.Withdraw(id); werr != nil {
			klog.ErrorS(werr, "Failed to withdraw request after intake overflow", "request", id)
		}
		err := common.NewError(common.CodeCapacityExceeded, "intake queue full")
		s.metrics.RecordAdmission(req.Model, metrics.AdmissionRejected)
		return "", err
	}
	s.metrics.RecordAdmission(req.Model, metrics.AdmissionAccepted)
	s.signal()
	return id, nil
}

func (s *Scheduler) validate(req *common.Request) error {
	if len(req.InputTokens) == 0 && req.Prompt == "" {
		return common.NewError(common.CodeInvalidArgument, "request has neither input tokens nor prompt")
	}
	if req.Params.MaxNewTokens < 0 || req.Params.MaxLength < 0 {
		return common.NewError(common.CodeInvalidArgument, "max_new_tokens and max_length must not be negative")
	}
	if req.Params.MaxLength > 0 {
		n, err := tokenizer.PromptTokens(s.tokenizer, req)
		if err != nil {
			return common.NewError(common.CodeInvalidArgument, "tokenize prompt: %v", err)
		}
		if n >= req.Params.MaxLength {
			return common.NewError(common.CodeInvalidArgument, "prompt of %d tokens leaves no room under max_length %d", n, req.Params.MaxLength)
		}
	}
	return nil
}

// Cancel cancels a request. Queued and admitted requests are cancelled at once, a running
// request is cancelled when its backend reports a terminal status.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	now, err := s.store.Cancel(id)
	if err != nil {
		return err
	}
	if now {
		s.recordFinished(id)
	}
	// An admitted request may already be on its way to the backend.
	if told, err := s.gateway.Cancel(ctx, id); err != nil {
		klog.ErrorS(err, "Advisory cancel failed", "request", id)
	} else if told {
		klog.V(4).InfoS("Advisory cancel forwarded", "request", id)
	}
	s.signal()
	return nil
}

func (s *Scheduler) Get(id string) (*common.Request, error) {
	return s.store.Get(id)
}

func (s *Scheduler) Watch(id string) (<-chan struct{}, error) {
	return s.store.Watch(id)
}

func (s *Scheduler) Outstanding(id string) ([]int32, common.RequestState, error) {
	return s.store.Outstanding(id)
}

func (s *Scheduler) Acknowledge(id string) error {
	return s.store.Acknowledge(id)
}

func (s *Scheduler) List(state common.RequestState) []string {
	return s.store.List(state)
}

// Stats returns the view published by the last cycle with fresh per-state counts.
func (s *Scheduler) Stats() Stats {
	s.statsMutex.RLock()
	stats := s.stats
	s.statsMutex.RUnlock()
	stats.Counts = s.store.Counts()
	return stats
}

// Ready reports whether the loop is running.
func (s *Scheduler) Ready() bool {
	return s.running.Load()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is done. A cycle runs on every tick, after a submission
// and when results arrive.
func (s *Scheduler) Run(ctx context.Context) {
	klog.Infof("Scheduler loop started, cycle interval %s", s.cfg.CycleInterval)
	s.running.Store(true)
	defer s.running.Store(false)

	state := newCycleState()
	ticker := s.clock.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		s.cycle(ctx, state)
		select {
		case <-ctx.Done():
			klog.Info("Scheduler loop stopped")
			return
		case <-ticker.C():
		case <-s.wake:
		case ev := <-s.gateway.Results():
			s.apply(state, ev)
		}
	}
}
