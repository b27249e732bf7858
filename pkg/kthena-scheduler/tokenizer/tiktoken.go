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
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

const encodingName = "cl100k_base"

var setLoader sync.Once

// TikToken counts BPE tokens with the cl100k_base encoding. The vocabulary is embedded,
// no network access is needed.
type TikToken struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
	err      error
}

func NewTikToken() *TikToken {
	return &TikToken{}
}

func (t *TikToken) CalculateTokenNum(prompt string) (int, error) {
	t.once.Do(func() {
		setLoader.Do(func() {
			tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
		})
		t.encoding, t.err = tiktoken.GetEncoding(encodingName)
	})
	if t.err != nil {
		return 0, t.err
	}
	return len(t.encoding.Encode(prompt, nil, nil)), nil
}
