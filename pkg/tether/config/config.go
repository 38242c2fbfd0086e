// Package config loads the HCL configuration used by the tether CLI and
// by applications embedding the library. Environment variables are
// available to expressions as attributes of the env object, e.g.
// base_url = env.TETHER_BASE_URL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/practicehq/tether/pkg/tether/push"
	"github.com/practicehq/tether/pkg/tether/rest"
)

// Config is the decoded configuration tree.
type Config struct {
	Server    ServerConfig     `hcl:"server,block"`
	Retry     *RetryConfig     `hcl:"retry,block"`
	Reconnect *ReconnectConfig `hcl:"reconnect,block"`
	Monitor   *MonitorConfig   `hcl:"monitor,block"`
	Tokens    *TokensConfig    `hcl:"tokens,block"`
	Storage   *StorageConfig   `hcl:"storage,block"`
}

// ServerConfig names the backend endpoints and the client identity.
type ServerConfig struct {
	BaseURL  string `hcl:"base_url"`
	PushURL  string `hcl:"push_url,optional"`
	TenantID string `hcl:"tenant_id,optional"`
	UserID   string `hcl:"user_id,optional"`
}

// RetryConfig tunes the HTTP retry policy. Durations are strings in
// time.ParseDuration syntax ("1s", "500ms").
type RetryConfig struct {
	MaxRetries int    `hcl:"max_retries,optional"`
	BaseDelay  string `hcl:"base_delay,optional"`
	MaxDelay   string `hcl:"max_delay,optional"`
}

// ReconnectConfig tunes the push-channel reconnect policy.
type ReconnectConfig struct {
	Enabled      *bool  `hcl:"enabled,optional"`
	InitialDelay string `hcl:"initial_delay,optional"`
	MaxDelay     string `hcl:"max_delay,optional"`
	MaxAttempts  int    `hcl:"max_attempts,optional"`
}

// MonitorConfig tunes the liveness probe.
type MonitorConfig struct {
	ProbeInterval string `hcl:"probe_interval,optional"`
}

// TokensConfig tunes the token refresh scheduler.
type TokensConfig struct {
	CheckInterval string `hcl:"check_interval,optional"`
}

// StorageConfig locates the durable key-value store.
type StorageConfig struct {
	Path string `hcl:"path"`
}

// Load reads and decodes one HCL configuration file.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", path, diags.Error())
	}
	return decode(file.Body)
}

// Parse decodes HCL configuration from a byte slice.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}
	return decode(file.Body)
}

func decode(body hcl.Body) (*Config, error) {
	var cfg Config
	diags := gohcl.DecodeBody(body, evalContext(), &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode config: %s", diags.Error())
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server.base_url is required")
	}
	return &cfg, nil
}

// evalContext exposes the process environment to HCL expressions.
func evalContext() *hcl.EvalContext {
	envMap := make(map[string]cty.Value)
	for _, entry := range os.Environ() {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envMap[sanitizeAttrName(parts[0])] = cty.StringVal(parts[1])
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(envMap),
		},
	}
}

// sanitizeAttrName maps an environment variable name onto a valid HCL
// attribute name.
func sanitizeAttrName(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range name {
		valid := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// RetryPolicies returns the read and mutation retry policies, with config
// overrides applied on top of the defaults.
func (c *Config) RetryPolicies() (read, mutation rest.RetryPolicy, err error) {
	read = rest.DefaultRetryPolicy()
	if c.Retry != nil {
		if c.Retry.MaxRetries > 0 {
			read.MaxRetries = c.Retry.MaxRetries
		}
		if read.BaseDelay, err = override(c.Retry.BaseDelay, read.BaseDelay); err != nil {
			return read, mutation, fmt.Errorf("retry.base_delay: %w", err)
		}
		if read.MaxDelay, err = override(c.Retry.MaxDelay, read.MaxDelay); err != nil {
			return read, mutation, fmt.Errorf("retry.max_delay: %w", err)
		}
	}
	mutation = read
	mutation.MaxRetries = rest.MutationMaxRetries
	return read, mutation, nil
}

// ApplyReconnect copies the reconnect settings onto a push builder.
func (c *Config) ApplyReconnect(b *push.ManagerBuilder) error {
	if c.Reconnect == nil {
		return nil
	}
	if c.Reconnect.Enabled != nil {
		b.WithReconnectEnabled(*c.Reconnect.Enabled)
	}
	if c.Reconnect.MaxAttempts > 0 {
		b.WithMaxReconnects(c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.InitialDelay != "" {
		d, err := time.ParseDuration(c.Reconnect.InitialDelay)
		if err != nil {
			return fmt.Errorf("reconnect.initial_delay: %w", err)
		}
		b.WithInitialDelay(d)
	}
	if c.Reconnect.MaxDelay != "" {
		d, err := time.ParseDuration(c.Reconnect.MaxDelay)
		if err != nil {
			return fmt.Errorf("reconnect.max_delay: %w", err)
		}
		b.WithMaxDelay(d)
	}
	return nil
}

// ProbeInterval returns the liveness probe interval.
func (c *Config) ProbeInterval() (time.Duration, error) {
	if c.Monitor == nil || c.Monitor.ProbeInterval == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Monitor.ProbeInterval)
	if err != nil {
		return 0, fmt.Errorf("monitor.probe_interval: %w", err)
	}
	return d, nil
}

// TokenCheckInterval returns the token check interval.
func (c *Config) TokenCheckInterval() (time.Duration, error) {
	if c.Tokens == nil || c.Tokens.CheckInterval == "" {
		return 10 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Tokens.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("tokens.check_interval: %w", err)
	}
	return d, nil
}

// PushURL returns the push endpoint, derived from the base URL when not
// set explicitly.
func (c *Config) PushURL() string {
	if c.Server.PushURL != "" {
		return c.Server.PushURL
	}
	url := c.Server.BaseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimSuffix(url, "/") + "/ws"
}

func override(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
