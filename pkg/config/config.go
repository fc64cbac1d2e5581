// Package config provides configuration types and loading for flipover.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flipover-io/flipover/pkg/strategy"
)

// Config is the root configuration structure.
type Config struct {
	// Cluster is the name of the target cluster, reported to the audit log.
	Cluster string `yaml:"cluster"`
	// Namespace receives namespaced manifests without a namespace of their own.
	Namespace string `yaml:"namespace,omitempty"`
	// Strategy is the rollout strategy name.
	Strategy string `yaml:"strategy,omitempty"`
	// DeployID is appended to Deployment names by the fast-rollback strategy.
	DeployID string `yaml:"deployId,omitempty"`
	// UUID identifies the rollout. Generated when empty.
	UUID string `yaml:"uuid,omitempty"`
	// Commit is the source revision being rolled out.
	Commit string `yaml:"commit,omitempty"`
	// Rollback restores a previous revision instead of rolling forward.
	Rollback bool `yaml:"rollback,omitempty"`
	// Manifests is a manifest file or a directory of manifest files.
	Manifests string `yaml:"manifests,omitempty"`
	// WorkDir receives rendered manifests. Defaults to a temporary directory.
	WorkDir string `yaml:"workDir,omitempty"`

	Availability AvailabilityConfig `yaml:"availability,omitempty"`
	Audit        AuditConfig        `yaml:"audit,omitempty"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
}

// AvailabilityConfig controls waiting for Deployments to become available.
type AvailabilityConfig struct {
	// Timeout bounds the wait. Default is 10 minutes.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// PollInterval is the interval between checks. Default is 2 seconds.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

// AuditConfig configures the deployment audit endpoint.
type AuditConfig struct {
	// Enabled turns audit records on.
	Enabled bool `yaml:"enabled,omitempty"`
	// URL is the base URL of the audit service.
	URL string `yaml:"url,omitempty"`
	// Secret is sent as a bearer token.
	Secret string `yaml:"secret,omitempty"`
	// CAFile is the path to the CA certificate file for TLS verification.
	// If empty, system CA pool is used.
	CAFile string `yaml:"caFile,omitempty"`
	// Timeout is the request timeout. Default is 10 seconds.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// RetryCount is the number of retries on failure. Default is 3.
	RetryCount int `yaml:"retryCount,omitempty"`
	// RetryInterval is the interval between retries. Default is 1 second.
	RetryInterval time.Duration `yaml:"retryInterval,omitempty"`
}

// MetricsConfig configures pushing rollout metrics.
type MetricsConfig struct {
	// PushgatewayURL enables pushing to a Prometheus Pushgateway.
	PushgatewayURL string `yaml:"pushgatewayURL,omitempty"`
	// Job is the Pushgateway job name. Default is "flipover".
	Job string `yaml:"job,omitempty"`
}

// Defaults.
const (
	DefaultNamespace           = "default"
	DefaultAvailabilityTimeout = 10 * time.Minute
	DefaultPollInterval        = 2 * time.Second
	DefaultAuditTimeout        = 10 * time.Second
	DefaultAuditRetryCount     = 3
	DefaultAuditRetryInterval  = time.Second
	DefaultMetricsJob          = "flipover"
)

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read decodes a YAML config file and fills defaults without validating,
// so callers can apply overrides first.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Strategy == "" {
		c.Strategy = strategy.FastRollbackName
	}
	if c.Availability.Timeout == 0 {
		c.Availability.Timeout = DefaultAvailabilityTimeout
	}
	if c.Availability.PollInterval == 0 {
		c.Availability.PollInterval = DefaultPollInterval
	}
	if c.Audit.Timeout == 0 {
		c.Audit.Timeout = DefaultAuditTimeout
	}
	if c.Audit.RetryCount == 0 {
		c.Audit.RetryCount = DefaultAuditRetryCount
	}
	if c.Audit.RetryInterval == 0 {
		c.Audit.RetryInterval = DefaultAuditRetryInterval
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultMetricsJob
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains(strategy.Names(), c.Strategy) {
		return fmt.Errorf("invalid strategy %q: must be one of %v", c.Strategy, strategy.Names())
	}
	if c.Rollback && c.Strategy != strategy.FastRollbackName {
		return fmt.Errorf("rollback requires the %q strategy", strategy.FastRollbackName)
	}
	if c.Availability.Timeout < 0 || c.Availability.PollInterval < 0 {
		return errors.New("availability timeout and pollInterval must not be negative")
	}

	if c.Audit.Enabled {
		if c.Audit.URL == "" {
			return errors.New("audit: url is required when enabled")
		}
		if u, err := url.Parse(c.Audit.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("audit: invalid url %q", c.Audit.URL)
		}
		if c.Cluster == "" {
			return errors.New("cluster is required when audit is enabled")
		}
	}
	if c.Audit.RetryCount < 0 {
		return fmt.Errorf("audit: invalid retryCount %d", c.Audit.RetryCount)
	}

	if c.Metrics.PushgatewayURL != "" {
		if u, err := url.Parse(c.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("metrics: invalid pushgatewayURL %q", c.Metrics.PushgatewayURL)
		}
	}

	return nil
}

// Default returns a default configuration using the fast-rollback strategy.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
