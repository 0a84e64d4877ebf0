// Package config handles gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid finding real config
// files on the host running the test.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order used when no
// explicit path (from the -config flag) is given: ./config.yaml,
// ~/.config/thane-gateway/config.yaml, /config/config.yaml,
// /etc/thane-gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thane-gateway", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/thane-gateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all gateway configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Projects  []ProjectConfig `yaml:"projects"`
	Workers   WorkersConfig   `yaml:"workers"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Defaults  GenParams       `yaml:"defaults"`
	LogLevel  string          `yaml:"log_level"`
}

// BackendConfig points at the OpenAI-compatible chat-completion backend
// (llama.cpp server, vLLM, or similar) that actually runs inference.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig describes the broker connection used for both ingress and
// egress.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// ProjectConfig is one statically-configured tenant. Each project owns
// its own input topic, reply topic template, system prompt, and
// generation defaults.
type ProjectConfig struct {
	Name               string    `yaml:"name"`
	SystemPrompt       string    `yaml:"system_prompt"`
	SystemPromptFile   string    `yaml:"system_prompt_file"`
	InputTopic         string    `yaml:"input_topic"`
	ReplyTopicTemplate string    `yaml:"reply_topic_template"`
	Defaults           GenParams `yaml:"defaults"`
}

// GenParams carries generation parameters forwarded to the backend.
// Pointer fields distinguish "unset" from "explicitly zero" so defaults
// can be layered: project defaults over gateway defaults.
type GenParams struct {
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"top_p"`
	MaxTokens      *int     `yaml:"max_tokens"`
	EnableThinking *bool    `yaml:"enable_thinking"`
}

// WorkersConfig sizes the worker pool, the independent inference-slot
// semaphore, and the bounded request queue.
type WorkersConfig struct {
	NumWorkers       int           `yaml:"num_workers"`
	InferenceSlots   int           `yaml:"inference_slots"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	RequestTTL       time.Duration `yaml:"request_ttl"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
}

// SessionsConfig bounds the session registry: how many concurrent
// sessions are kept in memory, how long an idle session survives, and
// how much dialog history each session retains.
type SessionsConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SessionTimeout        time.Duration `yaml:"session_timeout"`
	MaxHistoryTokens      int           `yaml:"max_history_tokens"`
	ReaperInterval        time.Duration `yaml:"reaper_interval"`
}

// RateLimitConfig bounds how many requests a single session may issue
// in a fixed window.
type RateLimitConfig struct {
	MaxRequestsPerWindow int           `yaml:"max_requests_per_session_per_window"`
	WindowDuration       time.Duration `yaml:"window_duration"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "thane-gateway"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 120 * time.Second
	}
	if c.Backend.Model == "" {
		c.Backend.Model = "default"
	}
	if c.Workers.NumWorkers == 0 {
		c.Workers.NumWorkers = 8
	}
	if c.Workers.InferenceSlots == 0 {
		c.Workers.InferenceSlots = 2
	}
	if c.Workers.QueueCapacity == 0 {
		c.Workers.QueueCapacity = 4 * c.Workers.NumWorkers
	}
	if c.Workers.RequestTTL == 0 {
		c.Workers.RequestTTL = 60 * time.Second
	}
	if c.Workers.ShutdownDeadline == 0 {
		c.Workers.ShutdownDeadline = 10 * time.Second
	}
	if c.Sessions.MaxConcurrentSessions == 0 {
		c.Sessions.MaxConcurrentSessions = 1000
	}
	if c.Sessions.SessionTimeout == 0 {
		c.Sessions.SessionTimeout = 30 * time.Minute
	}
	if c.Sessions.MaxHistoryTokens == 0 {
		c.Sessions.MaxHistoryTokens = 4096
	}
	if c.Sessions.ReaperInterval == 0 {
		c.Sessions.ReaperInterval = time.Minute
	}
	if c.RateLimit.MaxRequestsPerWindow == 0 {
		c.RateLimit.MaxRequestsPerWindow = 30
	}
	if c.RateLimit.WindowDuration == 0 {
		c.RateLimit.WindowDuration = 60 * time.Second
	}
	c.Defaults.applyDefaults()

	for i := range c.Projects {
		p := &c.Projects[i]
		if p.InputTopic == "" {
			p.InputTopic = p.Name + "/user_input"
		}
		if p.ReplyTopicTemplate == "" {
			p.ReplyTopicTemplate = p.Name + "/assistant_response/{sessionId}"
		}
		p.Defaults.inheritFrom(c.Defaults)
		p.Defaults.applyDefaults()
	}
}

// applyDefaults fills unset generation parameters with conservative
// defaults.
func (g *GenParams) applyDefaults() {
	if g.Temperature == nil {
		g.Temperature = floatPtr(0.7)
	}
	if g.TopP == nil {
		g.TopP = floatPtr(0.9)
	}
	if g.MaxTokens == nil {
		g.MaxTokens = intPtr(512)
	}
	if g.EnableThinking == nil {
		g.EnableThinking = boolPtr(false)
	}
}

// inheritFrom copies any field unset in g from parent, letting
// per-project config override per-gateway defaults field-by-field.
func (g *GenParams) inheritFrom(parent GenParams) {
	if g.Temperature == nil {
		g.Temperature = parent.Temperature
	}
	if g.TopP == nil {
		g.TopP = parent.TopP
	}
	if g.MaxTokens == nil {
		g.MaxTokens = parent.MaxTokens
	}
	if g.EnableThinking == nil {
		g.EnableThinking = parent.EnableThinking
	}
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url must be set")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must be set")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range (1-65535)", c.MQTT.Port)
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project must be configured")
	}

	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project name %q", p.Name)
		}
		seen[p.Name] = true
		if p.SystemPrompt == "" && p.SystemPromptFile == "" {
			return fmt.Errorf("project %q: system_prompt or system_prompt_file must be set", p.Name)
		}
	}

	if c.Workers.NumWorkers <= c.Workers.InferenceSlots {
		return fmt.Errorf("workers.num_workers (%d) must exceed workers.inference_slots (%d): workers must outnumber slots so queue drain continues while inference is saturated",
			c.Workers.NumWorkers, c.Workers.InferenceSlots)
	}
	if c.Workers.QueueCapacity < 1 {
		return fmt.Errorf("workers.queue_capacity must be at least 1")
	}
	if c.Sessions.MaxConcurrentSessions < 1 {
		return fmt.Errorf("sessions.max_concurrent_sessions must be at least 1")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ProjectByName returns the configured project with the given name, or
// false if none matches.
func (c *Config) ProjectByName(name string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// Default returns a default configuration suitable for local
// development against a llama.cpp server on localhost. All defaults
// are already applied.
func Default() *Config {
	cfg := &Config{
		Backend: BackendConfig{URL: "http://localhost:8000"},
		MQTT:    MQTTConfig{Broker: "localhost"},
		Projects: []ProjectConfig{
			{Name: "general", SystemPrompt: "You are a helpful assistant."},
		},
	}
	cfg.applyDefaults()
	return cfg
}
