// Package config loads the bridge configuration from the environment,
// command line flags and an optional YAML (or JSON) document.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UnlockStep is an optional tools/call the bridge makes during bootstrap,
// before serving the local peer. Some remotes only expose their tools
// after such a call.
type UnlockStep struct {
	Enabled   bool           `yaml:"enabled"`
	Tool      string         `yaml:"tool"`
	Arguments map[string]any `yaml:"arguments"`
}

// Config holds configuration for the bridge.
type Config struct {
	UpstreamURL    string            `yaml:"upstream_url"`
	AllowedTools   []string          `yaml:"allowed_tools"`
	Headers        map[string]string `yaml:"headers"`
	Unlock         UnlockStep        `yaml:"unlock"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	MetricsAddr    string            `yaml:"metrics_addr"`
	LogLevel       string            `yaml:"log_level"`
	ClientName     string            `yaml:"client_name"`
	ConfigFile     string            `yaml:"-"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags on fs so main can call fs.Parse.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("toolgate.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.UpstreamURL = GetEnv("UPSTREAM_URL", "")
	c.AllowedTools = splitList(GetEnv("ALLOWED_TOOLS", ""))
	c.Unlock.Tool = GetEnv("UNLOCK_TOOL", "")
	c.Unlock.Enabled = c.Unlock.Tool != ""
	c.MetricsAddr = metricsAddr(GetEnv("METRICS_PORT", ""))
	if v, err := strconv.ParseFloat(GetEnv("REQUEST_TIMEOUT", "0"), 64); err == nil && v > 0 {
		c.RequestTimeout = time.Duration(v * float64(time.Second))
	}
	c.ClientName = GetEnv("CLIENT_NAME", "toolgate")

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path (YAML or JSON)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "remote MCP endpoint (e.g. https://example.com/mcp)")
	fs.Func("allowed-tools", "comma separated tool names the local client may see and call", func(v string) error {
		c.AllowedTools = splitList(v)
		return nil
	})
	fs.Func("header", "extra upstream request header as 'Name: value' (repeatable)", func(v string) error {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("header %q: expected 'Name: value'", v)
		}
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		c.Headers[name] = strings.TrimSpace(value)
		return nil
	})
	fs.Func("unlock-tool", "tool called once during bootstrap before serving; empty disables", func(v string) error {
		c.Unlock.Tool = v
		c.Unlock.Enabled = v != ""
		return nil
	})
	fs.Func("unlock-args", "JSON object passed as arguments to the unlock tool", func(v string) error {
		var args map[string]any
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return fmt.Errorf("unlock-args: %w", err)
		}
		c.Unlock.Arguments = args
		return nil
	})
	fs.Func("request-timeout", "per-call upstream timeout in seconds; 0 disables", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.Func("metrics-port", "Prometheus metrics listen address or port (disabled when empty; e.g. 127.0.0.1:9090 or 9090)", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.ClientName, "client-name", c.ClientName, "client name announced to the upstream")
}

// LoadFile populates the config from a YAML file. JSON documents are valid
// YAML and load the same way. Fields already set remain unless overwritten
// by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.MetricsAddr = metricsAddr(c.MetricsAddr)
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream url %q: scheme must be http or https", c.UpstreamURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream url %q: missing host", c.UpstreamURL)
	}
	if c.Unlock.Enabled && c.Unlock.Tool == "" {
		return errors.New("unlock step enabled without a tool name")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout %s is negative", c.RequestTimeout)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func metricsAddr(v string) string {
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}
