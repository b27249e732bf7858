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

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"k8s.io/klog/v2"
)

const (
	defaultRefreshInterval = 10 * time.Minute
	maxRetryAttempts       = 3
)

// JWKSRotator fetches a JWKS document and refreshes it periodically.
type JWKSRotator struct {
	uri             string
	refreshInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	mu              sync.RWMutex
	keySet          jwk.Set
}

func NewJWKSRotator(uri string, refreshInterval time.Duration) *JWKSRotator {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &JWKSRotator{
		uri:             uri,
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start fetches the key set once and then keeps rotating it in the background.
func (jr *JWKSRotator) Start(ctx context.Context) error {
	klog.V(4).Info("Starting JWKS rotator")
	if err := jr.rotate(ctx); err != nil {
		return err
	}
	go jr.rotationLoop(ctx)
	return nil
}

func (jr *JWKSRotator) Stop() {
	jr.stopOnce.Do(func() {
		close(jr.stopCh)
	})
}

// KeySet returns the current key set, nil before the first successful fetch.
func (jr *JWKSRotator) KeySet() jwk.Set {
	jr.mu.RLock()
	defer jr.mu.RUnlock()
	return jr.keySet
}

func (jr *JWKSRotator) rotationLoop(ctx context.Context) {
	ticker := time.NewTicker(jr.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jr.stopCh:
			return
		case <-ticker.C:
			if err := jr.rotate(ctx); err != nil {
				// Keep serving the previous key set.
				klog.Errorf("Failed to rotate JWKS: %v", err)
			}
		}
	}
}

func (jr *JWKSRotator) rotate(ctx context.Context) error {
	var lastErr error
	for i := 0; i < maxRetryAttempts; i++ {
		keySet, err := jwk.Fetch(ctx, jr.uri)
		if err == nil {
			jr.mu.Lock()
			jr.keySet = keySet
			jr.mu.Unlock()
			klog.V(4).Infof("JWKS from %s rotated, %d keys", jr.uri, keySet.Len())
			return nil
		}
		lastErr = err
		klog.V(4).Infof("Failed to fetch JWKS from %s: %v", jr.uri, err)
	}
	return fmt.Errorf("fetch JWKS from %s: %w", jr.uri, lastErr)
}
