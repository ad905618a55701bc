// ABOUTME: Settings loading with global + project config merge, env overrides, and defaults
// ABOUTME: JSONC (comments stripped by tidwall/jsonc) or YAML settings files

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment variables that override settings files.
const (
	EnvEndpoint = "SRC_ENDPOINT"
	EnvAgent    = "SG_NVIM_AGENT"
	EnvLogLevel = "SG_NVIM_LOG_LEVEL"
)

// Defaults applied by Load.
const (
	DefaultEndpoint           = "https://sourcegraph.com"
	DefaultRequestTimeout     = 60 * time.Second
	DefaultShutdownGrace      = 2 * time.Second
	DefaultMaxConcurrent      = 16
	DefaultNotificationBuffer = 1024
	DefaultLogLevel           = "info"
)

// Duration accepts "1m30s" style strings or a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML accepts a duration string or seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// AgentSettings describes how to run the Cody agent.
type AgentSettings struct {
	Path           string            `json:"path,omitempty" yaml:"path,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	RequestTimeout Duration          `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	ShutdownGrace  Duration          `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
}

// RouterSettings bounds editor request handling.
type RouterSettings struct {
	MaxConcurrent      int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	NotificationBuffer int `json:"notification_buffer,omitempty" yaml:"notification_buffer,omitempty"`
}

// LogSettings controls the backend log.
type LogSettings struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

// MetricsSettings enables the Prometheus endpoint when Addr is set.
type MetricsSettings struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// Settings holds the merged configuration.
type Settings struct {
	Endpoint      string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Agent         AgentSettings     `json:"agent" yaml:"agent"`
	Router        RouterSettings    `json:"router" yaml:"router"`
	HostAliases   map[string]string `json:"host_aliases,omitempty" yaml:"host_aliases,omitempty"`
	Log           LogSettings       `json:"log" yaml:"log"`
	Metrics       MetricsSettings   `json:"metrics" yaml:"metrics"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers,omitempty"`

	// Sources lists the files that contributed, global first.
	Sources []string `json:"-" yaml:"-"`
}

// Load reads and merges global and project-local settings, expands ${VAR}
// references, applies environment overrides, and fills defaults. Project
// settings override global settings. An empty projectRoot skips the
// project layer.
func Load(projectRoot string) (*Settings, error) {
	return LoadFrom(GlobalDir(), projectDirOrEmpty(projectRoot))
}

func projectDirOrEmpty(root string) string {
	if root == "" {
		return ""
	}
	return ProjectDir(root)
}

// LoadFrom is Load with explicit directories. An empty projectDir skips
// the project layer.
func LoadFrom(globalDir, projectDir string) (*Settings, error) {
	global, err := loadDir(globalDir)
	if err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	merged := global
	if projectDir != "" {
		project, err := loadDir(projectDir)
		if err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
		merged = merge(global, project)
	}

	ResolveEnvVars(merged)
	applyEnv(merged)
	applyDefaults(merged)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// loadDir reads the first settings file in dir. A missing file yields
// zero Settings.
func loadDir(dir string) (*Settings, error) {
	path := SettingsFile(dir)
	s, err := loadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	s.Sources = []string{path}
	return s, nil
}

// loadFile reads Settings from a JSONC or YAML file, chosen by extension.
func loadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return &s, nil
}

// merge overlays project settings onto global settings.
// Non-zero project values override global values; maps merge per key.
func merge(global, project *Settings) *Settings {
	if global == nil {
		global = &Settings{}
	}
	if project == nil {
		return global
	}

	result := *global
	result.Sources = append(append([]string(nil), global.Sources...), project.Sources...)

	if project.Endpoint != "" {
		result.Endpoint = project.Endpoint
	}
	if project.Agent.Path != "" {
		result.Agent.Path = project.Agent.Path
	}
	if project.Agent.Args != nil {
		result.Agent.Args = project.Agent.Args
	}
	if project.Agent.RequestTimeout != 0 {
		result.Agent.RequestTimeout = project.Agent.RequestTimeout
	}
	if project.Agent.ShutdownGrace != 0 {
		result.Agent.ShutdownGrace = project.Agent.ShutdownGrace
	}
	if project.Router.MaxConcurrent != 0 {
		result.Router.MaxConcurrent = project.Router.MaxConcurrent
	}
	if project.Router.NotificationBuffer != 0 {
		result.Router.NotificationBuffer = project.Router.NotificationBuffer
	}
	if project.Log.Level != "" {
		result.Log.Level = project.Log.Level
	}
	if project.Log.File != "" {
		result.Log.File = project.Log.File
	}
	if project.Metrics.Addr != "" {
		result.Metrics.Addr = project.Metrics.Addr
	}

	result.Agent.Env = mergeMap(global.Agent.Env, project.Agent.Env)
	result.HostAliases = mergeMap(global.HostAliases, project.HostAliases)
	result.CustomHeaders = mergeMap(global.CustomHeaders, project.CustomHeaders)
	return &result
}

func mergeMap(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func applyEnv(s *Settings) {
	if v := os.Getenv(EnvEndpoint); v != "" {
		s.Endpoint = v
	}
	if v := os.Getenv(EnvAgent); v != "" {
		s.Agent.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.Log.Level = v
	}
}

func applyDefaults(s *Settings) {
	s.Endpoint = strings.TrimRight(s.Endpoint, "/")
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if s.Agent.RequestTimeout <= 0 {
		s.Agent.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if s.Agent.ShutdownGrace <= 0 {
		s.Agent.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if s.Router.MaxConcurrent == 0 {
		s.Router.MaxConcurrent = DefaultMaxConcurrent
	}
	if s.Router.NotificationBuffer == 0 {
		s.Router.NotificationBuffer = DefaultNotificationBuffer
	}
	if s.Log.Level == "" {
		s.Log.Level = DefaultLogLevel
	}
}

// Validate rejects settings the backend cannot run with.
func (s *Settings) Validate() error {
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint %q must be an http(s) URL", s.Endpoint)
	}
	if s.Router.MaxConcurrent < 1 {
		return fmt.Errorf("router.max_concurrent must be at least 1, got %d", s.Router.MaxConcurrent)
	}
	if s.Router.NotificationBuffer < 1 {
		return fmt.Errorf("router.notification_buffer must be at least 1, got %d", s.Router.NotificationBuffer)
	}
	for alias, host := range s.HostAliases {
		if alias == "" || host == "" || strings.Contains(alias, "/") {
			return fmt.Errorf("invalid host alias %q -> %q", alias, host)
		}
	}
	return nil
}

// AgentEnv renders Agent.Env as KEY=VALUE pairs in key order.
func (s *Settings) AgentEnv() []string {
	keys := sortedKeys(s.Agent.Env)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Agent.Env[k])
	}
	return env
}
