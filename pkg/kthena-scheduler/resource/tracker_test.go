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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestSnapshotHeadroom(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		reading      Reading
		wantCapacity float64
		wantHeadroom float64
	}{
		{
			name:         "idle host",
			cfg:          Config{BytesPerToken: 1},
			reading:      Reading{TotalMemory: 1000, AvailableMemory: 800},
			wantCapacity: 1000,
			wantHeadroom: 800,
		},
		{
			name:         "occupancy scales headroom",
			cfg:          Config{BytesPerToken: 10},
			reading:      Reading{TotalMemory: 1000, AvailableMemory: 1000, ComputeOccupancy: 0.25},
			wantCapacity: 100,
			wantHeadroom: 75,
		},
		{
			name:         "batch token cap",
			cfg:          Config{BytesPerToken: 1, MaxBatchTokens: 64},
			reading:      Reading{TotalMemory: 1000, AvailableMemory: 500, ComputeOccupancy: 0.5},
			wantCapacity: 64,
			wantHeadroom: 32,
		},
		{
			name:         "saturated",
			cfg:          Config{BytesPerToken: 1},
			reading:      Reading{TotalMemory: 1000, AvailableMemory: 500, ComputeOccupancy: 1.7},
			wantCapacity: 1000,
			wantHeadroom: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(NewStaticProbe(tt.reading), tt.cfg)
			s := tr.Sample(context.Background())
			assert.Equal(t, tt.wantCapacity, s.Capacity)
			assert.Equal(t, tt.wantHeadroom, s.Headroom)
			assert.False(t, s.Stale)
			assert.Equal(t, s, tr.Latest())
		})
	}
}

func TestSampleStaleOnFailure(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Unix(1700000000, 0))
	probe := NewStaticProbe(Reading{TotalMemory: 100, AvailableMemory: 100})
	tr := NewTracker(probe, Config{BytesPerToken: 1, SampleTimeout: 20 * time.Millisecond}, WithClock(fakeClock))
	require.NoError(t, tr.Start(context.Background()))
	first := tr.Latest()
	assert.Equal(t, 100.0, first.Headroom)
	assert.Equal(t, uint64(1), first.Generation)
	assert.False(t, first.InFlightObserved)

	fakeClock.Step(time.Second)
	probe.SetError(errors.New("probe broken"))
	s := tr.Sample(context.Background())
	assert.True(t, s.Stale)
	assert.Equal(t, first.Headroom, s.Headroom)
	assert.Equal(t, first.Timestamp, s.Timestamp)
	assert.Equal(t, uint64(2), s.Generation, "a stale sample is still a new snapshot")

	probe.Set(Reading{TotalMemory: 100, AvailableMemory: 40})
	probe.SetDelay(time.Second)
	start := time.Now()
	s = tr.Sample(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "sample must be bounded by the timeout")
	assert.True(t, s.Stale)
	assert.Equal(t, 100.0, s.Headroom)

	probe.SetDelay(0)
	s = tr.Sample(context.Background())
	assert.False(t, s.Stale)
	assert.Equal(t, 40.0, s.Headroom)
	assert.Equal(t, fakeClock.Now(), s.Timestamp)
	assert.Equal(t, uint64(4), s.Generation)
}

func TestStartFailsWithoutReading(t *testing.T) {
	probe := NewStaticProbe(Reading{})
	probe.SetError(errors.New("no such device"))
	tr := NewTracker(probe, Config{})
	assert.Error(t, tr.Start(context.Background()))
	assert.True(t, tr.Latest().Stale)
	assert.Equal(t, 0.0, tr.Latest().Headroom)
}

func TestRunSamplesPeriodically(t *testing.T) {
	probe := NewStaticProbe(Reading{TotalMemory: 10, AvailableMemory: 10})
	tr := NewTracker(probe, Config{BytesPerToken: 1, SampleInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	probe.Set(Reading{TotalMemory: 10, AvailableMemory: 3})
	assert.Eventually(t, func() bool {
		return tr.Latest().Headroom == 3
	}, time.Second, 5*time.Millisecond)
}

func TestHostProbe(t *testing.T) {
	dir := t.TempDir()
	meminfo := "MemTotal:       16384 kB\nMemFree:         1024 kB\nMemAvailable:    8192 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("2.00 1.50 1.00 3/250 12345\n"), 0o644))

	probe, err := NewHostProbe(dir, 4)
	require.NoError(t, err)
	r, err := probe.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16384*1024), r.TotalMemory)
	assert.Equal(t, uint64(8192*1024), r.AvailableMemory)
	assert.InDelta(t, 0.5, r.ComputeOccupancy, 1e-9)
	assert.True(t, r.InFlightObserved)

	_, err = NewHostProbe(filepath.Join(dir, "missing"), 1)
	assert.Error(t, err)
}

func TestBackendProbe(t *testing.T) {
	usage := 0.25
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# TYPE vllm:gpu_cache_usage_perc gauge\n")
		fmt.Fprintf(w, "vllm:gpu_cache_usage_perc{model_name=\"llama\"} %g\n", usage)
		fmt.Fprintf(w, "# TYPE vllm:num_requests_running gauge\n")
		fmt.Fprintf(w, "vllm:num_requests_running{model_name=\"llama\"} 8\n")
	}))
	defer srv.Close()

	probe := NewBackendProbe(srv.URL, 1<<20, 32)
	r, err := probe.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), r.TotalMemory)
	assert.Equal(t, uint64(float64(1<<20)*0.75), r.AvailableMemory)
	assert.InDelta(t, 0.25, r.ComputeOccupancy, 1e-9)
	assert.True(t, r.InFlightObserved)
}

func TestBackendProbeMissingMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# TYPE other_metric gauge\nother_metric 1\n")
	}))
	defer srv.Close()

	_, err := NewBackendProbe(srv.URL, 1024, 0).Read(context.Background())
	assert.Error(t, err)
}
