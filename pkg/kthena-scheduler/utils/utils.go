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

package utils

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// LoadEnv returns the value of the environment variable key, or def when it is unset or empty.
func LoadEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// NewRedisClient connects to redis and verifies the connection with a ping.
// An empty password falls back to REDIS_PASSWORD.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if password == "" {
		password = LoadEnv("REDIS_PASSWORD", "")
	}
	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", addr, err)
	}
	klog.Infof("Redis connection to %s established", addr)
	return client, nil
}
