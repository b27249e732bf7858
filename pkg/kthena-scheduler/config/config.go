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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"
)

const (
	ProbeHost    = "host"
	ProbeBackend = "backend"
	ProbeStatic  = "static"

	BackendHTTP  = "http"
	BackendRedis = "redis"
	BackendSim   = "sim"
)

// Config is the configuration file of kthena-scheduler.
type Config struct {
	Store      StoreConfig     `json:"store"`
	Scheduler  SchedulerConfig `json:"scheduler"`
	Composer   ComposerConfig  `json:"composer"`
	Resource   ResourceConfig  `json:"resource"`
	Gateway    GatewayConfig   `json:"gateway"`
	Backends   []BackendConfig `json:"backends"`
	Tokenizer  TokenizerConfig `json:"tokenizer"`
	RateLimits []RateLimit     `json:"rateLimits,omitempty"`
	Auth       AuthConfig      `json:"auth"`
	AccessLog  AccessLogConfig `json:"accessLog"`
}

type StoreConfig struct {
	MaxOutstanding int `json:"maxOutstanding"`
	// TerminalRetention is how long unacknowledged terminal requests are kept.
	TerminalRetention metav1.Duration `json:"terminalRetention"`
}

type SchedulerConfig struct {
	CycleInterval      metav1.Duration `json:"cycleInterval"`
	BackpressureCycles int             `json:"backpressureCycles"`
	IntakeBuffer       int             `json:"intakeBuffer"`
}

type ComposerConfig struct {
	PromptWeight        float64 `json:"promptWeight"`
	GenerationWeight    float64 `json:"generationWeight"`
	PageSize            int     `json:"pageSize"`
	ContentionFactor    float64 `json:"contentionFactor"`
	DefaultMaxNewTokens int     `json:"defaultMaxNewTokens"`
	MaxBatchSize        int     `json:"maxBatchSize"`
	StarvationCycles    int     `json:"starvationCycles"`
}

type ResourceConfig struct {
	Probe          string          `json:"probe"`
	BytesPerToken  uint64          `json:"bytesPerToken"`
	MaxBatchTokens float64         `json:"maxBatchTokens"`
	SampleInterval metav1.Duration `json:"sampleInterval"`
	SampleTimeout  metav1.Duration `json:"sampleTimeout"`

	// host probe
	ProcPath string `json:"procPath,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`

	// backend probe
	MetricsURL string `json:"metricsURL,omitempty"`
	CacheBytes uint64 `json:"cacheBytes,omitempty"`
	MaxRunning int    `json:"maxRunning,omitempty"`

	Static StaticResources `json:"static,omitempty"`
}

type StaticResources struct {
	TotalMemory      uint64  `json:"totalMemory"`
	AvailableMemory  uint64  `json:"availableMemory"`
	ComputeOccupancy float64 `json:"computeOccupancy"`
}

type GatewayConfig struct {
	DispatchTimeout metav1.Duration `json:"dispatchTimeout"`
	IdleTimeout     metav1.Duration `json:"idleTimeout"`
	ResultBuffer    int             `json:"resultBuffer"`
}

type BackendConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Models routed to this backend. An empty list makes it the default backend.
	Models []string     `json:"models,omitempty"`
	URL    string       `json:"url,omitempty"`
	Redis  *RedisConfig `json:"redis,omitempty"`
	Sim    *SimConfig   `json:"sim,omitempty"`
}

type RedisConfig struct {
	Addr        string          `json:"addr"`
	Password    string          `json:"password,omitempty"`
	DB          int             `json:"db,omitempty"`
	Prefix      string          `json:"prefix"`
	PollTimeout metav1.Duration `json:"pollTimeout,omitempty"`
}

type SimConfig struct {
	TokenDelay    metav1.Duration `json:"tokenDelay,omitempty"`
	DefaultTokens int             `json:"defaultTokens,omitempty"`
	FailFirst     int             `json:"failFirst,omitempty"`
}

type TokenizerConfig struct {
	Kind      string `json:"kind"`
	CacheSize int    `json:"cacheSize"`
}

// RateLimit limits the prompt tokens admitted per second for one model.
type RateLimit struct {
	Model                 string  `json:"model"`
	InputTokensPerSecond  float64 `json:"inputTokensPerSecond"`
	OutputTokensPerSecond float64 `json:"outputTokensPerSecond,omitempty"`
	// Burst defaults to one second worth of tokens.
	Burst int `json:"burst,omitempty"`
}

type AuthConfig struct {
	Enabled          bool            `json:"enabled"`
	JWKSURI          string          `json:"jwksUri,omitempty"`
	Issuer           string          `json:"issuer,omitempty"`
	Audiences        []string        `json:"audiences,omitempty"`
	RotationInterval metav1.Duration `json:"rotationInterval,omitempty"`
}

type AccessLogConfig struct {
	Enabled bool `json:"enabled"`
	// Format is json or text.
	Format string `json:"format"`
}

// Default returns the configuration used when no file is given: a simulated backend
// serving every model and the host probe.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			MaxOutstanding:    1024,
			TerminalRetention: metav1.Duration{Duration: 5 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			CycleInterval:      metav1.Duration{Duration: 10 * time.Millisecond},
			BackpressureCycles: 3,
			IntakeBuffer:       256,
		},
		Composer: ComposerConfig{
			PromptWeight:        1.0,
			GenerationWeight:    1.0,
			PageSize:            16,
			ContentionFactor:    0.05,
			DefaultMaxNewTokens: 256,
			MaxBatchSize:        64,
			StarvationCycles:    8,
		},
		Resource: ResourceConfig{
			Probe:          ProbeHost,
			BytesPerToken:  128 * 1024,
			MaxBatchTokens: 16384,
			SampleInterval: metav1.Duration{Duration: time.Second},
			SampleTimeout:  metav1.Duration{Duration: 500 * time.Millisecond},
		},
		Gateway: GatewayConfig{
			DispatchTimeout: metav1.Duration{Duration: 10 * time.Second},
			IdleTimeout:     metav1.Duration{Duration: 60 * time.Second},
			ResultBuffer:    1024,
		},
		Backends: []BackendConfig{
			{Name: "sim", Type: BackendSim, Sim: &SimConfig{TokenDelay: metav1.Duration{Duration: 20 * time.Millisecond}}},
		},
		Tokenizer: TokenizerConfig{
			Kind:      "estimate",
			CacheSize: 4096,
		},
		Auth: AuthConfig{
			RotationInterval: metav1.Duration{Duration: 10 * time.Minute},
		},
		AccessLog: AccessLogConfig{
			Enabled: true,
			Format:  "text",
		},
	}
}

// Load reads the configuration file at path on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg. Fields absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	// Backends given in the file replace the default simulator.
	var probe struct {
		Backends []BackendConfig `json:"backends"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Backends != nil {
		cfg.Backends = nil
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.MaxOutstanding <= 0 {
		errs = append(errs, fmt.Errorf("store.maxOutstanding must be positive"))
	}
	if c.Scheduler.CycleInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.cycleInterval must be positive"))
	}
	if c.Scheduler.BackpressureCycles <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.backpressureCycles must be positive"))
	}
	if c.Scheduler.IntakeBuffer <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.intakeBuffer must be positive"))
	}
	if c.Composer.PageSize <= 0 || c.Composer.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("composer.pageSize and composer.maxBatchSize must be positive"))
	}
	if c.Composer.ContentionFactor < 0 || c.Composer.PromptWeight < 0 || c.Composer.GenerationWeight < 0 {
		errs = append(errs, fmt.Errorf("composer weights must not be negative"))
	}
	if c.Resource.BytesPerToken == 0 {
		errs = append(errs, fmt.Errorf("resource.bytesPerToken must be positive"))
	}

	switch c.Resource.Probe {
	case ProbeHost, ProbeStatic:
	case ProbeBackend:
		if c.Resource.MetricsURL == "" || c.Resource.CacheBytes == 0 {
			errs = append(errs, fmt.Errorf("resource probe backend requires metricsURL and cacheBytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown resource probe %q", c.Resource.Probe))
	}

	if len(c.Backends) == 0 {
		errs = append(errs, fmt.Errorf("at least one backend is required"))
	}
	names := sets.New[string]()
	routed := sets.New[string]()
	defaults := 0
	for i, b := range c.Backends {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: name is required", i))
		} else if names.Has(b.Name) {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name))
		}
		names.Insert(b.Name)
		switch b.Type {
		case BackendHTTP:
			if b.URL == "" {
				errs = append(errs, fmt.Errorf("backend %s: url is required", b.Name))
			}
		case BackendRedis:
			if b.Redis == nil || b.Redis.Addr == "" || b.Redis.Prefix == "" {
				errs = append(errs, fmt.Errorf("backend %s: redis.addr and redis.prefix are required", b.Name))
			}
		case BackendSim:
		default:
			errs = append(errs, fmt.Errorf("backend %s: unknown type %q", b.Name, b.Type))
		}
		if len(b.Models) == 0 {
			defaults++
		}
		for _, m := range b.Models {
			if routed.Has(m) {
				errs = append(errs, fmt.Errorf("backend %s: model %q is already routed", b.Name, m))
			}
			routed.Insert(m)
		}
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("only one backend may omit models"))
	}

	for i, rl := range c.RateLimits {
		if rl.Model == "" || rl.InputTokensPerSecond < 0 || rl.OutputTokensPerSecond < 0 || rl.Burst < 0 {
			errs = append(errs, fmt.Errorf("rateLimits[%d]: model is required and limits must not be negative", i))
		}
	}
	if f := c.AccessLog.Format; f != "" && f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("accessLog.format must be json or text, got %q", f))
	}
	if c.Auth.Enabled && c.Auth.JWKSURI == "" {
		errs = append(errs, fmt.Errorf("auth.jwksUri is required when auth is enabled"))
	}
	return errors.Join(errs...)
}
