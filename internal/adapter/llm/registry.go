package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.StreamingLLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.StreamingLLMProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.StreamingLLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.StreamingLLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewProvider builds one provider from its config. An empty type is
// inferred from the provider name.
func NewProvider(pc config.ProviderConfig, logger *slog.Logger) (domain.StreamingLLMProvider, error) {
	typ := pc.Type
	if typ == "" {
		typ = pc.Name
	}
	switch typ {
	case "anthropic":
		return NewAnthropicProvider(pc, logger), nil
	case "openai":
		return NewOpenAIProvider(pc, logger), nil
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrInvalidInput, fmt.Sprintf("unknown provider type %q", typ))
	}
}

// Build registers every configured provider, wrapping each in a circuit
// breaker when enabled, and returns the registry with the default provider.
// The default is wrapped with failover when fallbacks are configured.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Registry, domain.StreamingLLMProvider, error) {
	registry := NewRegistry()
	for _, pc := range cfg.Providers {
		provider, err := NewProvider(pc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cfg.CircuitBreaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.CircuitBreaker, logger)
		}
		if err := registry.Register(provider); err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	defaultLLM, err := registry.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("default llm provider: %w", err)
	}

	if cfg.Failover.Enabled && len(cfg.Failover.Fallbacks) > 0 {
		fallbacks := make([]domain.StreamingLLMProvider, 0, len(cfg.Failover.Fallbacks))
		for _, name := range cfg.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, nil, fmt.Errorf("failover provider %s: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		defaultLLM = NewFailoverProvider(defaultLLM, fallbacks, logger)
		logger.Info("model failover enabled", "fallbacks", cfg.Failover.Fallbacks)
	}

	return registry, defaultLLM, nil
}
