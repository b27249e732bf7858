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

package composer

import (
	"sort"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/datastore"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/tokenizer"
)

// Result is the outcome of one composition pass.
type Result struct {
	// Batch is empty when nothing could be scheduled. Its Seq is assigned by the caller.
	Batch *common.Batch
	// Deferred requests stay Queued because their cost alone exceeds the headroom.
	Deferred []string
	// Oversized requests can never fit, their contention-free cost exceeds the idle capacity.
	Oversized []string
	// Dropped requests were cancelled or finished before they could be batched.
	Dropped []string
}

// Composer builds batches greedily in arrival order. It remembers how often each request
// was deferred, so a single composer must serve one scheduler loop.
type Composer struct {
	cfg       Config
	tokenizer tokenizer.Tokenizer
	clock     clock.PassiveClock
	deferrals map[string]int
}

func New(cfg Config, tok tokenizer.Tokenizer, c clock.PassiveClock) *Composer {
	cfg.setDefaults()
	if tok == nil {
		tok = tokenizer.NewSimpleEstimateTokenizer()
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &Composer{
		cfg:       cfg,
		tokenizer: tok,
		clock:     c,
		deferrals: make(map[string]int),
	}
}

// Config returns the effective configuration.
func (c *Composer) Config() Config {
	return c.cfg
}

// Compose selects the batch for this cycle. Candidates may include running requests,
// they are never selected but count towards contention on their model.
func (c *Composer) Compose(candidates []*common.Request, budget common.ResourceSnapshot) Result {
	result := Result{Batch: &common.Batch{Budget: budget.Headroom, CreatedAt: c.clock.Now()}}

	ordered := make([]*common.Request, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return datastore.ArrivedBefore(ordered[i], ordered[j])
	})

	running := make(map[string]int)
	for _, r := range ordered {
		if r.State == common.StateRunning {
			running[r.Model]++
		}
	}

	seen := make(map[string]struct{}, len(ordered))
	for _, r := range ordered {
		switch {
		case r.State.IsTerminal():
			result.Dropped = append(result.Dropped, r.ID)
			continue
		case r.State != common.StateQueued:
			continue
		}
		seen[r.ID] = struct{}{}
		if result.Batch.Model != "" && r.Model != result.Batch.Model {
			continue
		}

		prompt := c.promptTokens(r)
		// Oversize is judged on the idle cost, contention drains with running work.
		if budget.Capacity > 0 && c.cfg.Cost(prompt, r.Params, 0) > budget.Capacity {
			result.Oversized = append(result.Oversized, r.ID)
			delete(c.deferrals, r.ID)
			continue
		}
		cost := c.cfg.Cost(prompt, r.Params, running[r.Model])
		if cost > budget.Headroom {
			c.deferrals[r.ID]++
			result.Deferred = append(result.Deferred, r.ID)
			if c.deferrals[r.ID] >= c.cfg.StarvationCycles {
				klog.V(4).InfoS("Starving request blocks later candidates", "request", r.ID, "cost", cost, "deferrals", c.deferrals[r.ID])
				break
			}
			continue
		}
		if result.Batch.Cost+cost > budget.Headroom || result.Batch.Len() >= c.cfg.MaxBatchSize {
			break
		}

		result.Batch.Model = r.Model
		result.Batch.Cost += cost
		result.Batch.Entries = append(result.Batch.Entries, common.BatchEntry{
			RequestID:   r.ID,
			InputTokens: r.InputTokens,
			Prompt:      r.Prompt,
			Params:      r.Params,
			Cost:        cost,
		})
		delete(c.deferrals, r.ID)
	}

	// Forget requests that left the candidate set.
	for id := range c.deferrals {
		if _, ok := seen[id]; !ok {
			delete(c.deferrals, id)
		}
	}
	return result
}

func (c *Composer) promptTokens(r *common.Request) int {
	n, err := tokenizer.PromptTokens(c.tokenizer, r)
	if err != nil {
		klog.V(4).InfoS("Tokenizer failed, falling back to estimate", "request", r.ID, "err", err)
		n, _ = tokenizer.PromptTokens(tokenizer.NewSimpleEstimateTokenizer(), r)
	}
	return n
}
