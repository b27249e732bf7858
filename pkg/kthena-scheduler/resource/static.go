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
	"sync"
	"time"
)

// StaticProbe returns fixed figures. It backs dev mode and tests, where Set and SetError
// change what the next sample sees.
type StaticProbe struct {
	mutex   sync.Mutex
	reading Reading
	err     error
	delay   time.Duration
}

func NewStaticProbe(r Reading) *StaticProbe {
	return &StaticProbe{reading: r}
}

func (p *StaticProbe) Name() string {
	return "static"
}

func (p *StaticProbe) Set(r Reading) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.reading = r
	p.err = nil
}

func (p *StaticProbe) SetError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.err = err
}

// SetDelay makes every read block for d or until its context is done.
func (p *StaticProbe) SetDelay(d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.delay = d
}

func (p *StaticProbe) Read(ctx context.Context) (Reading, error) {
	p.mutex.Lock()
	r, err, delay := p.reading, p.err, p.delay
	p.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	}
	return r, err
}
