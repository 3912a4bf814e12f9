package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// GatewayConfig is the root config structure.
type GatewayConfig struct {
	Providers         map[string]ProviderConfig `koanf:"providers" json:"providers"`
	DefaultProvider   string                    `koanf:"default_provider" json:"default_provider,omitempty"`
	FallbackProviders []string                  `koanf:"fallback_providers" json:"fallback_providers,omitempty"`
	HealthCheckTTL    time.Duration             `koanf:"health_check_ttl" json:"health_check_ttl,omitempty"`
}

// ProviderConfig holds per-provider credentials and call policy.
// It is immutable for the lifetime of an adapter.
type ProviderConfig struct {
	APIKey            string        `koanf:"api_key" json:"api_key,omitempty"`
	BaseURL           string        `koanf:"base_url" json:"base_url,omitempty"`
	Timeout           time.Duration `koanf:"timeout" json:"timeout,omitempty"`
	MaxRetries        int           `koanf:"max_retries" json:"max_retries,omitempty"`
	RetryDelay        time.Duration `koanf:"retry_delay" json:"retry_delay,omitempty"`
	RequestsPerMinute int           `koanf:"requests_per_minute" json:"requests_per_minute,omitempty"`
	TokensPerMinute   int           `koanf:"tokens_per_minute" json:"tokens_per_minute,omitempty"`
	Models            []string      `koanf:"models" json:"models,omitempty"`
}

// ProviderNames lists the provider keys accepted in configuration.
var ProviderNames = []string{"openai", "anthropic", "gemini", "deepseek", "local"}

var (
	loadOnce sync.Once
	loaded   *GatewayConfig
	loadErr  error
)

// Load loads configuration from path or default locations. Load is safe for repeated calls.
//
// Priority (later wins):
// 1. LLM_CONFIG_PATH if set, else ./config.yaml when present
// 2. LLM__-prefixed environment variables
// 3. well-known credential variables (OPENAI_API_KEY, ...) for providers left unset
func Load() (*GatewayConfig, error) {
	loadOnce.Do(func() {
		k := koanf.New(".")

		path := os.Getenv("LLM_CONFIG_PATH")
		explicit := path != ""
		if !explicit {
			path = "config.yaml"
		}
		if err := k.Load(kfile.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				loadErr = fmt.Errorf("load %s: %w", path, err)
				return
			}
		}

		// Environment overrides: LLM__PROVIDERS__OPENAI__API_KEY=...
		// Double underscore splits levels.
		if err := k.Load(kenv.Provider("LLM__", "__", strings.ToLower), nil); err != nil {
			loadErr = err
			return
		}

		var cfg GatewayConfig
		if err := k.Unmarshal("llm", &cfg); err != nil {
			loadErr = err
			return
		}

		resolveEnvVars(&cfg)
		applyEnvDefaults(&cfg)

		if err := cfg.Validate(); err != nil {
			loadErr = err
			return
		}
		loaded = &cfg
	})
	return loaded, loadErr
}

// applyEnvDefaults fills in providers from the conventional credential variables
// when the file and LLM__ overrides did not configure them.
func applyEnvDefaults(cfg *GatewayConfig) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	keyed := map[string][]string{
		"openai":    {"OPENAI_API_KEY"},
		"anthropic": {"ANTHROPIC_API_KEY"},
		"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"deepseek":  {"DEEPSEEK_API_KEY"},
	}
	for name, vars := range keyed {
		pc := cfg.Providers[name]
		if pc.APIKey != "" {
			continue
		}
		for _, v := range vars {
			if key := os.Getenv(v); key != "" {
				pc.APIKey = key
				cfg.Providers[name] = pc
				break
			}
		}
	}
	// LOCAL_LLM_URL is a complete OpenAI-compatible base; OLLAMA_HOST is the
	// address the Ollama daemon listens on.
	if pc := cfg.Providers["local"]; pc.BaseURL == "" {
		if base := os.Getenv("LOCAL_LLM_URL"); base != "" {
			pc.BaseURL = base
		} else if host := os.Getenv("OLLAMA_HOST"); host != "" {
			pc.BaseURL = ollamaBaseURL(host)
		}
		if pc.BaseURL != "" {
			cfg.Providers["local"] = pc
		}
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = os.Getenv("AI_DEFAULT_PROVIDER")
	}
	if len(cfg.FallbackProviders) == 0 {
		if list := os.Getenv("AI_FALLBACK_PROVIDERS"); list != "" {
			for _, p := range strings.Split(list, ",") {
				if p = strings.TrimSpace(p); p != "" {
					cfg.FallbackProviders = append(cfg.FallbackProviders, p)
				}
			}
		}
	}
}

// Validate checks provider names, references and numeric bounds.
func (c *GatewayConfig) Validate() error {
	for name, pc := range c.Providers {
		if !isKnownProvider(name) {
			return fmt.Errorf("providers.%s: unknown provider", name)
		}
		if pc.Timeout < 0 || pc.RetryDelay < 0 {
			return fmt.Errorf("providers.%s: durations must not be negative", name)
		}
		if pc.MaxRetries < 0 || pc.RequestsPerMinute < 0 || pc.TokensPerMinute < 0 {
			return fmt.Errorf("providers.%s: limits must not be negative", name)
		}
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
		}
	}
	for _, p := range c.FallbackProviders {
		if _, ok := c.Providers[p]; !ok {
			return fmt.Errorf("fallback provider %q is not configured", p)
		}
	}
	if c.HealthCheckTTL < 0 {
		return fmt.Errorf("health_check_ttl must not be negative")
	}
	return nil
}

func isKnownProvider(name string) bool {
	for _, p := range ProviderNames {
		if p == name {
			return true
		}
	}
	return false
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveEnvVars resolves ${VAR} patterns in config string fields
func resolveEnvVars(cfg *GatewayConfig) {
	for key, pc := range cfg.Providers {
		pc.APIKey = resolveEnvString(pc.APIKey)
		pc.BaseURL = resolveEnvString(pc.BaseURL)
		cfg.Providers[key] = pc
	}
	for i, p := range cfg.FallbackProviders {
		cfg.FallbackProviders[i] = resolveEnvString(p)
	}
	cfg.DefaultProvider = resolveEnvString(cfg.DefaultProvider)
}

// resolveEnvString replaces ${VAR} with environment variable values
func resolveEnvString(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // Remove ${ and }
		return os.Getenv(varName)
	})
}

// ResetForTest clears the memoized Load result so tests can load a different
// configuration within the same process.
func ResetForTest() {
	loaded, loadErr = nil, nil
	loadOnce = sync.Once{}
}

const defaultOllamaPort = "11434"

// ollamaBaseURL turns an OLLAMA_HOST value such as "127.0.0.1:11434" or
// "http://gpu-box" into the OpenAI-compatible endpoint Ollama serves under /v1.
func ollamaBaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	scheme, rest, _ := strings.Cut(host, "://")
	hostport, path, _ := strings.Cut(rest, "/")
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(strings.Trim(hostport, "[]"), defaultOllamaPort)
	}
	base := scheme + "://" + hostport
	if path != "" {
		base += "/" + path
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
