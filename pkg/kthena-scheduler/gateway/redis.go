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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/common"
)

const defaultPollTimeout = time.Second

// RedisBackend exchanges batches with an execution worker over redis lists. A batch is pushed onto
// <prefix>:batches and its events are popped from <prefix>:events:<seq>.
type RedisBackend struct {
	name        string
	client      *redis.Client
	prefix      string
	pollTimeout time.Duration
}

func NewRedisBackend(name string, client *redis.Client, prefix string, pollTimeout time.Duration) *RedisBackend {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &RedisBackend{
		name:        name,
		client:      client,
		prefix:      prefix,
		pollTimeout: pollTimeout,
	}
}

func (b *RedisBackend) Name() string {
	return b.name
}

func (b *RedisBackend) BatchesKey() string {
	return b.prefix + ":batches"
}

func (b *RedisBackend) EventsKey(seq uint64) string {
	return fmt.Sprintf("%s:events:%d", b.prefix, seq)
}

func (b *RedisBackend) CancelChannel() string {
	return b.prefix + ":cancel"
}

func (b *RedisBackend) Execute(ctx context.Context, batch *common.Batch, emit func(common.Event)) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	key := b.EventsKey(batch.Seq)
	defer func() {
		// The context may already be cancelled.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := b.client.Del(cleanupCtx, key).Err(); err != nil {
			klog.V(4).Infof("Failed to delete %s: %v", key, err)
		}
	}()

	if err := b.client.LPush(ctx, b.BatchesKey(), payload).Err(); err != nil {
		return fmt.Errorf("push batch %d: %w", batch.Seq, err)
	}

	remaining := batch.Len()
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := b.client.BLPop(ctx, b.pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pop events of batch %d: %w", batch.Seq, err)
		}
		// BLPOP replies with the key followed by the value.
		ev, ok, end, err := decodeLine([]byte(res[1]))
		if err != nil {
			return err
		}
		if end {
			return nil
		}
		if !ok {
			continue
		}
		if ev.Kind == common.EventTerminal {
			remaining--
		}
		emit(ev)
	}
	return nil
}

type cancelMessage struct {
	BatchSeq  uint64 `json:"batch_seq"`
	RequestID string `json:"request_id"`
}

func (b *RedisBackend) Cancel(ctx context.Context, batchSeq uint64, requestID string) error {
	payload, err := json.Marshal(cancelMessage{BatchSeq: batchSeq, RequestID: requestID})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.CancelChannel(), payload).Err()
}
