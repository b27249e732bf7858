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
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	GPUCacheUsagePerc   = "vllm:gpu_cache_usage_perc"
	NumRequestsRunning  = "vllm:num_requests_running"
	defaultScrapeRetry  = 2
	defaultScrapeWindow = 200 * time.Millisecond
)

// BackendProbe scrapes the Prometheus endpoint of the execution backend.
// Memory is the KV cache size scaled by cache usage, occupancy is running requests over MaxRunning.
type BackendProbe struct {
	URL        string
	CacheBytes uint64
	MaxRunning int

	client *retryablehttp.Client
}

func NewBackendProbe(url string, cacheBytes uint64, maxRunning int) *BackendProbe {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultScrapeRetry
	client.RetryWaitMin = defaultScrapeWindow / 4
	client.RetryWaitMax = defaultScrapeWindow
	client.Logger = nil
	if maxRunning <= 0 {
		maxRunning = 256
	}
	return &BackendProbe{
		URL:        url,
		CacheBytes: cacheBytes,
		MaxRunning: maxRunning,
		client:     client,
	}
}

func (p *BackendProbe) Name() string {
	return "backend"
}

func (p *BackendProbe) Read(ctx context.Context) (Reading, error) {
	families, err := p.scrape(ctx)
	if err != nil {
		return Reading{}, err
	}
	usage, ok := gaugeValue(families, GPUCacheUsagePerc)
	if !ok {
		return Reading{}, fmt.Errorf("metric %s not exposed by %s", GPUCacheUsagePerc, p.URL)
	}
	running, _ := gaugeValue(families, NumRequestsRunning)

	usage = math.Min(math.Max(usage, 0), 1)
	return Reading{
		TotalMemory:      p.CacheBytes,
		AvailableMemory:  uint64(float64(p.CacheBytes) * (1 - usage)),
		ComputeOccupancy: math.Min(running/float64(p.MaxRunning), 1),
		InFlightObserved: true,
	}, nil
}

func (p *BackendProbe) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics from %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metrics from %s: status %d", p.URL, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metric families: %w", err)
	}
	return families, nil
}

// gaugeValue sums the samples of a gauge or counter family across label sets.
func gaugeValue(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	family, ok := families[name]
	if !ok || len(family.GetMetric()) == 0 {
		return 0, false
	}
	var sum float64
	for _, m := range family.GetMetric() {
		switch family.GetType() {
		case dto.MetricType_GAUGE:
			sum += m.GetGauge().GetValue()
		case dto.MetricType_COUNTER:
			sum += m.GetCounter().GetValue()
		default:
			sum += m.GetUntyped().GetValue()
		}
	}
	return sum, true
}
