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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const (
	defaultSimTokens = 8
	defaultSimVocab  = 32000
)

// ErrSimulatedFailure is returned by the simulator for injected failures.
var ErrSimulatedFailure = errors.New("simulated backend failure")

type SimConfig struct {
	// TokenDelay is the duration of one decode step.
	TokenDelay time.Duration
	// DefaultTokens is generated for requests without MaxNewTokens.
	DefaultTokens int
	Vocab         int
	// FailFirst makes the first n batches fail before any terminal status.
	FailFirst int
	// Silent makes the simulator never acknowledge a batch.
	Silent bool
}

// SimBackend generates deterministic tokens in process. It decodes all requests of a batch
// in lockstep, one token per request and step.
type SimBackend struct {
	name    string
	cfg     SimConfig
	batches atomic.Int64

	mutex     sync.Mutex
	cancelled sets.Set[string]
}

func NewSimBackend(name string, cfg SimConfig) *SimBackend {
	if cfg.DefaultTokens <= 0 {
		cfg.DefaultTokens = defaultSimTokens
	}
	if cfg.Vocab <= 0 {
		cfg.Vocab = defaultSimVocab
	}
	return &SimBackend{
		name:      name,
		cfg:       cfg,
		cancelled: sets.New[string](),
	}
}

func (b *SimBackend) Name() string {
	return b.name
}

// Batches returns the number of batches the simulator received.
func (b *SimBackend) Batches() int {
	return int(b.batches.Load())
}

// SimToken returns the token the simulator generates for a request at a step.
func SimToken(requestID string, step, vocab int) int32 {
	if vocab <= 0 {
		vocab = defaultSimVocab
	}
	return int32((xxhash.Sum64String(requestID) + uint64(step)) % uint64(vocab))
}

type simRequest struct {
	entry  common.BatchEntry
	budget int
	stop   sets.Set[int32]
	done   bool
}

func (b *SimBackend) Execute(ctx context.Context, batch *common.Batch, emit func(common.Event)) error {
	n := b.batches.Add(1)
	if b.cfg.Silent {
		<-ctx.Done()
		return ctx.Err()
	}

	reqs := make([]*simRequest, 0, batch.Len())
	for _, e := range batch.Entries {
		emit(common.Event{RequestID: e.RequestID, Kind: common.EventAccepted})
		reqs = append(reqs, &simRequest{
			entry:  e,
			budget: b.tokenBudget(e),
			stop:   sets.New[int32](e.Params.StopTokens...),
		})
	}
	if int(n) <= b.cfg.FailFirst {
		return ErrSimulatedFailure
	}

	for step := 0; ; step++ {
		active := 0
		for _, r := range reqs {
			if r.done {
				continue
			}
			id := r.entry.RequestID
			if b.takeCancelled(id) {
				r.done = true
				emit(common.TerminalEvent(batch.Seq, id, common.StateCancelled, common.NewError(common.CodeCancelled, "cancelled by caller")))
				continue
			}
			if step >= r.budget {
				r.done = true
				emit(common.TerminalEvent(batch.Seq, id, common.StateCompleted, nil))
				continue
			}
			tok := SimToken(id, step, b.cfg.Vocab)
			emit(common.Event{RequestID: id, Kind: common.EventTokens, Tokens: []int32{tok}})
			if r.stop.Has(tok) {
				r.done = true
				emit(common.TerminalEvent(batch.Seq, id, common.StateCompleted, nil))
				continue
			}
			active++
		}
		if active == 0 {
			return nil
		}
		if b.cfg.TokenDelay > 0 {
			select {
			case <-time.After(b.cfg.TokenDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (b *SimBackend) Cancel(_ context.Context, _ uint64, requestID string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.cancelled.Insert(requestID)
	return nil
}

func (b *SimBackend) takeCancelled(id string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.cancelled.Has(id) {
		return false
	}
	b.cancelled.Delete(id)
	return true
}

func (b *SimBackend) tokenBudget(e common.BatchEntry) int {
	budget := e.Params.MaxNewTokens
	if budget <= 0 {
		budget = b.cfg.DefaultTokens
	}
	prompt := len(e.InputTokens)
	if e.Params.MaxLength > 0 && e.Params.MaxLength-prompt < budget {
		budget = e.Params.MaxLength - prompt
	}
	if budget < 0 {
		return 0
	}
	return budget
}
