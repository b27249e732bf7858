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
	"math"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const (
	defaultPromptWeight        = 1.0
	defaultGenerationWeight    = 1.0
	defaultPageSize            = 16
	defaultContentionFactor    = 0.05
	defaultMaxNewTokens        = 256
	defaultMaxBatchSize        = 64
	defaultStarvationThreshold = 8
)

type Config struct {
	PromptWeight     float64
	GenerationWeight float64
	// PageSize rounds the token footprint up to whole KV cache pages.
	PageSize int
	// ContentionFactor inflates the cost by this fraction per running request of the same model.
	ContentionFactor float64
	// DefaultMaxNewTokens is the expected generation when a request sets no limit.
	DefaultMaxNewTokens int
	MaxBatchSize        int
	// StarvationCycles is how many consecutive deferrals turn a request into a barrier.
	StarvationCycles int
}

func (c *Config) setDefaults() {
	if c.PromptWeight <= 0 {
		c.PromptWeight = defaultPromptWeight
	}
	if c.GenerationWeight <= 0 {
		c.GenerationWeight = defaultGenerationWeight
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.ContentionFactor < 0 {
		c.ContentionFactor = 0
	}
	if c.DefaultMaxNewTokens <= 0 {
		c.DefaultMaxNewTokens = defaultMaxNewTokens
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.StarvationCycles <= 0 {
		c.StarvationCycles = defaultStarvationThreshold
	}
}

// DefaultConfig returns the composer defaults.
func DefaultConfig() Config {
	c := Config{ContentionFactor: defaultContentionFactor}
	c.setDefaults()
	return c
}

// ExpectedGeneration is the number of tokens a request is expected to generate.
func (c Config) ExpectedGeneration(promptTokens int, params common.GenerationParams) int {
	g := params.MaxNewTokens
	if g <= 0 {
		g = c.DefaultMaxNewTokens
	}
	if params.MaxLength > 0 && params.MaxLength-promptTokens < g {
		g = params.MaxLength - promptTokens
	}
	if g < 0 {
		return 0
	}
	return g
}

// Cost estimates the token budget a request holds while it runs, given the number of
// requests already running on the same model.
func (c Config) Cost(promptTokens int, params common.GenerationParams, running int) float64 {
	raw := c.PromptWeight*float64(promptTokens) + c.GenerationWeight*float64(c.ExpectedGeneration(promptTokens, params))
	page := float64(c.PageSize)
	paged := math.Ceil(raw/page) * page
	return paged * (1 + c.ContentionFactor*float64(running))
}
