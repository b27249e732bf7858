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
	"fmt"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

// Tokenizer counts the tokens of a prompt.
type Tokenizer interface {
	CalculateTokenNum(string) (int, error)
}

// Kind selects a tokenizer implementation.
type Kind string

const (
	KindEstimate   Kind = "estimate"
	KindWhitespace Kind = "whitespace"
	KindTiktoken   Kind = "tiktoken"
)

// New returns the tokenizer of the given kind. A positive cacheSize wraps it in a result cache.
func New(kind Kind, cacheSize int) (Tokenizer, error) {
	var t Tokenizer
	switch kind {
	case KindEstimate, "":
		t = NewSimpleEstimateTokenizer()
	case KindWhitespace:
		t = &WhitespaceTokenizer{}
	case KindTiktoken:
		t = NewTikToken()
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
	if cacheSize <= 0 {
		return t, nil
	}
	return NewCachedTokenizer(t, cacheSize)
}

// PromptTokens returns the prompt length of a request. Explicit input tokens win over the prompt text.
func PromptTokens(t Tokenizer, req *common.Request) (int, error) {
	if len(req.InputTokens) > 0 || req.Prompt == "" {
		return len(req.InputTokens), nil
	}
	return t.CalculateTokenNum(req.Prompt)
}
