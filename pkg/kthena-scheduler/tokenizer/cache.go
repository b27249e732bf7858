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

package tokenizer

import (
	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedTokenizer memoizes token counts keyed by the xxhash of the prompt.
type CachedTokenizer struct {
	inner Tokenizer
	cache *lru.Cache[uint64, int]
}

func NewCachedTokenizer(inner Tokenizer, size int) (*CachedTokenizer, error) {
	cache, err := lru.New[uint64, int](size)
	if err != nil {
		return nil, err
	}
	return &CachedTokenizer{inner: inner, cache: cache}, nil
}

func (c *CachedTokenizer) CalculateTokenNum(prompt string) (int, error) {
	key := xxhash.Sum64String(prompt)
	if n, ok := c.cache.Get(key); ok {
		return n, nil
	}
	n, err := c.inner.CalculateTokenNum(prompt)
	if err != nil {
		return 0, err
	}
	c.cache.Add(key, n)
	return n, nil
}

// Len returns the number of cached prompts.
func (c *CachedTokenizer) Len() int {
	return c.cache.Len()
}
