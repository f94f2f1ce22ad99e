package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateStore(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if a.Timeout < 0 {
		ve.Add("agent.timeout must not be negative")
	}
	if a.SystemPrompt == "" {
		ve.Add("agent.system_prompt must not be empty")
	}
	if a.MaxTokens <= 0 {
		ve.Add("agent.max_tokens must be > 0")
	}
	if a.MaxMessages < 0 {
		ve.Add("agent.max_messages must not be negative")
	}
	if a.LLMRetries < 0 {
		ve.Add("agent.llm_retries must not be negative")
	}
	if a.SessionTTL <= 0 {
		ve.Add("agent.session_ttl must be > 0")
	}
}

var validProviderTypes = []string{"anthropic", "openai"}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !slices.Contains(validProviderTypes, p.Type) {
			ve.Add("llm.providers[%d].type %q is invalid (want: %s)", i, p.Type, strings.Join(validProviderTypes, ", "))
		}
		if p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via LOREKEEPER_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Store.Collection == "" {
		ve.Add("store.collection must not be empty")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.SearchLimit < 0 {
		ve.Add("tools.search_limit must not be negative")
	}
	for i, t := range cfg.Tools.EntityTypes {
		if t == "" || strings.ToLower(t) != t || strings.ContainsAny(t, ": ") {
			ve.Add("tools.entity_types[%d] %q must be a lowercase word", i, t)
		}
	}
	rl := cfg.Tools.RateLimit
	if rl.Enabled && (rl.PerMinute <= 0 || rl.Burst <= 0) {
		ve.Add("tools.rate_limit.per_minute and burst must be > 0 when enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
