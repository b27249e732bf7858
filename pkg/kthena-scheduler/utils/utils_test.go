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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	t.Setenv("KTHENA_SCHEDULER_TEST", "value")
	assert.Equal(t, "value", LoadEnv("KTHENA_SCHEDULER_TEST", "default"))

	t.Setenv("KTHENA_SCHEDULER_TEST", "")
	assert.Equal(t, "default", LoadEnv("KTHENA_SCHEDULER_TEST", "default"))
	assert.Equal(t, "default", LoadEnv("KTHENA_SCHEDULER_UNSET", "default"))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	t.Setenv("REDIS_PASSWORD", "secret")
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")

	_, err = NewRedisClient(context.Background(), mr.Addr(), "wrong", 0)
	assert.Error(t, err)
}
