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

package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/config"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/tokenizer"
)

// TokenRateLimiter limits admissions per model by prompt tokens, and by the output tokens
// the model produced recently.
type TokenRateLimiter struct {
	mutex sync.RWMutex
	// ratelimiter by model
	inputLimiter  map[string]*rate.Limiter
	outputLimiter map[string]*rate.Limiter
	tokenizer     tokenizer.Tokenizer
	clock         clock.PassiveClock
}

func NewRateLimiter(tok tokenizer.Tokenizer, c clock.PassiveClock) *TokenRateLimiter {
	if tok == nil {
		tok = tokenizer.NewSimpleEstimateTokenizer()
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &TokenRateLimiter{
		inputLimiter:  make(map[string]*rate.Limiter),
		outputLimiter: make(map[string]*rate.Limiter),
		tokenizer:     tok,
		clock:         c,
	}
}

// RateLimit consumes the prompt tokens of req from its model's input budget.
func (r *TokenRateLimiter) RateLimit(req *common.Request) error {
	r.mutex.RLock()
	inputLimiter, hasInputLimit := r.inputLimiter[req.Model]
	outputLimiter, hasOutputLimit := r.outputLimiter[req.Model]
	r.mutex.RUnlock()

	now := r.clock.Now()
	if hasInputLimit {
		size, err := tokenizer.PromptTokens(r.tokenizer, req)
		if err != nil {
			return err
		}
		if !inputLimiter.AllowN(now, size) {
			return common.NewError(common.CodeRateLimited, "input token rate limit exceeded for model %q", req.Model)
		}
	}

	// Output tokens are only known afterwards, so admission only checks that some capacity is left.
	if hasOutputLimit && outputLimiter.TokensAt(now) < 1.0 {
		return common.NewError(common.CodeRateLimited, "output token rate limit exceeded for model %q", req.Model)
	}
	return nil
}

// RecordOutputTokens consumes generated tokens from the model's output budget.
func (r *TokenRateLimiter) RecordOutputTokens(model string, tokenCount int) {
	if tokenCount <= 0 {
		return
	}

	r.mutex.RLock()
	limiter, exists := r.outputLimiter[model]
	r.mutex.RUnlock()

	if !exists {
		return
	}
	limiter.AllowN(r.clock.Now(), tokenCount)
}

func (r *TokenRateLimiter) AddOrUpdateLimiter(rl config.RateLimit) {
	if rl.Model == "" {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if rl.InputTokensPerSecond <= 0 {
		delete(r.inputLimiter, rl.Model)
	} else {
		r.inputLimiter[rl.Model] = rate.NewLimiter(rate.Limit(rl.InputTokensPerSecond), burst(rl.Burst, rl.InputTokensPerSecond))
	}

	if rl.OutputTokensPerSecond <= 0 {
		delete(r.outputLimiter, rl.Model)
	} else {
		r.outputLimiter[rl.Model] = rate.NewLimiter(rate.Limit(rl.OutputTokensPerSecond), burst(rl.Burst, rl.OutputTokensPerSecond))
	}
	klog.V(4).Infof("Rate limit for model %s: input %.0f/s output %.0f/s", rl.Model, rl.InputTokensPerSecond, rl.OutputTokensPerSecond)
}

func (r *TokenRateLimiter) DeleteLimiter(model string) {
	if model == "" {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.inputLimiter, model)
	delete(r.outputLimiter, model)
}

func burst(b int, perSecond float64) int {
	if b > 0 {
		return b
	}
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}
