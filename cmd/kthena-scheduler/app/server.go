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

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/auth"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/composer"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/config"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/datastore"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/gateway"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/metrics"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/ratelimit"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/resource"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/scheduler"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/tokenizer"
	"github.com/volcano-sh/kthena-scheduler/pkg/kthena-scheduler/utils"
)

// devMemory is the memory reported by the static probe in dev mode.
const devMemory = 8 << 30

type Server struct {
	Port        string
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	Config      *config.Config
}

func NewServer(port string, enableTLS bool, cert, key string, cfg *config.Config) *Server {
	return &Server{
		Port:        port,
		EnableTLS:   enableTLS,
		TLSCertFile: cert,
		TLSKeyFile:  key,
		Config:      cfg,
	}
}

// ApplyDevMode replaces the resource probe and the backends with in-process fakes.
func ApplyDevMode(cfg *config.Config) {
	cfg.Resource.Probe = config.ProbeStatic
	cfg.Resource.Static = config.StaticResources{TotalMemory: devMemory, AvailableMemory: devMemory}
	cfg.Backends = config.Default().Backends
}

// components is everything the router serves.
type components struct {
	scheduler *scheduler.Scheduler
	tracker   resource.Tracker
	gateway   *gateway.Gateway
	auth      *auth.JWTAuthenticator
	registry  *prometheus.Registry
	accessLog config.AccessLogConfig
}

// Run builds the scheduler, serves the API and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	c, err := build(ctx, s.Config)
	if err != nil {
		return err
	}
	defer c.gateway.Close()
	if c.auth != nil {
		defer c.auth.Close()
	}

	go c.tracker.Run(ctx)
	go c.scheduler.Run(ctx)

	s.startRouter(ctx, newRouter(c))
	return nil
}

func build(ctx context.Context, cfg *config.Config) (*components, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	tok, err := tokenizer.New(tokenizer.Kind(cfg.Tokenizer.Kind), cfg.Tokenizer.CacheSize)
	if err != nil {
		return nil, err
	}

	probe, err := newProbe(cfg.Resource)
	if err != nil {
		return nil, err
	}
	tracker := resource.NewTracker(probe, resource.Config{
		BytesPerToken:  cfg.Resource.BytesPerToken,
		MaxBatchTokens: cfg.Resource.MaxBatchTokens,
		SampleInterval: cfg.Resource.SampleInterval.Duration,
		SampleTimeout:  cfg.Resource.SampleTimeout.Duration,
	}, resource.WithMetrics(m))
	// The host interface is the only dependency the scheduler cannot run without.
	if err := tracker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start resource tracker: %w", err)
	}

	routes, err := newRoutes(ctx, cfg.Backends)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(gateway.Config{
		DispatchTimeout: cfg.Gateway.DispatchTimeout.Duration,
		IdleTimeout:     cfg.Gateway.IdleTimeout.Duration,
		ResultBuffer:    cfg.Gateway.ResultBuffer,
	}, routes, m)

	limiter := ratelimit.NewRateLimiter(tok, nil)
	for _, rl := range cfg.RateLimits {
		limiter.AddOrUpdateLimiter(rl)
	}

	store := datastore.New(datastore.WithMaxOutstanding(cfg.Store.MaxOutstanding))
	comp := composer.New(composer.Config{
		PromptWeight:        cfg.Composer.PromptWeight,
		GenerationWeight:    cfg.Composer.GenerationWeight,
		PageSize:            cfg.Composer.PageSize,
		ContentionFactor:    cfg.Composer.ContentionFactor,
		DefaultMaxNewTokens: cfg.Composer.DefaultMaxNewTokens,
		MaxBatchSize:        cfg.Composer.MaxBatchSize,
		StarvationCycles:    cfg.Composer.StarvationCycles,
	}, tok, nil)

	sched := scheduler.New(scheduler.Config{
		CycleInterval:      cfg.Scheduler.CycleInterval.Duration,
		BackpressureCycles: cfg.Scheduler.BackpressureCycles,
		IntakeBuffer:       cfg.Scheduler.IntakeBuffer,
		TerminalRetention:  cfg.Store.TerminalRetention.Duration,
	}, store, tracker, comp, gw,
		scheduler.WithMetrics(m),
		scheduler.WithRateLimiter(limiter),
		scheduler.WithTokenizer(tok),
	)

	c := &components{
		scheduler: sched,
		tracker:   tracker,
		gateway:   gw,
		registry:  registry,
		accessLog: cfg.AccessLog,
	}
	if cfg.Auth.Enabled {
		c.auth = auth.NewJWTAuthenticator(cfg.Auth)
		if err := c.auth.Start(ctx); err != nil {
			gw.Close()
			return nil, fmt.Errorf("start authenticator: %w", err)
		}
	}
	return c, nil
}

func newProbe(cfg config.ResourceConfig) (resource.Probe, error) {
	switch cfg.Probe {
	case config.ProbeHost:
		return resource.NewHostProbe(cfg.ProcPath, cfg.CPUs)
	case config.ProbeBackend:
		return resource.NewBackendProbe(cfg.MetricsURL, cfg.CacheBytes, cfg.MaxRunning), nil
	case config.ProbeStatic:
		return resource.NewStaticProbe(resource.Reading{
			TotalMemory:      cfg.Static.TotalMemory,
			AvailableMemory:  cfg.Static.AvailableMemory,
			ComputeOccupancy: cfg.Static.ComputeOccupancy,
		}), nil
	default:
		return nil, fmt.Errorf("unknown resource probe %q", cfg.Probe)
	}
}

func newRoutes(ctx context.Context, backends []config.BackendConfig) (map[string]gateway.Backend, error) {
	routes := make(map[string]gateway.Backend)
	for _, bc := range backends {
		b, err := newBackend(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		if len(bc.Models) == 0 {
			routes[gateway.DefaultRoute] = b
		}
		for _, model := range bc.Models {
			routes[model] = b
		}
		klog.Infof("Backend %s (%s) serves models %v", bc.Name, bc.Type, bc.Models)
	}
	return routes, nil
}

func newBackend(ctx context.Context, bc config.BackendConfig) (gateway.Backend, error) {
	switch bc.Type {
	case config.BackendHTTP:
		return gateway.NewHTTPBackend(bc.Name, bc.URL, &http.Client{}), nil
	case config.BackendRedis:
		client, err := utils.NewRedisClient(ctx, bc.Redis.Addr, bc.Redis.Password, bc.Redis.DB)
		if err != nil {
			return nil, err
		}
		return gateway.NewRedisBackend(bc.Name, client, bc.Redis.Prefix, bc.Redis.PollTimeout.Duration), nil
	case config.BackendSim:
		sc := gateway.SimConfig{}
		if bc.Sim != nil {
			sc.TokenDelay = bc.Sim.TokenDelay.Duration
			sc.DefaultTokens = bc.Sim.DefaultTokens
			sc.FailFirst = bc.Sim.FailFirst
		}
		return gateway.NewSimBackend(bc.Name, sc), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

const gracefulShutdownTimeout = 15 * time.Second
