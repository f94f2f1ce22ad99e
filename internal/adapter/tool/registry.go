package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"lorekeeper/internal/domain"
)

// Compile-time interface assertion.
var _ domain.ToolExecutor = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit caps how often any single tool may run. perMinute <= 0
// disables limiting.
func WithRateLimit(perMinute float64, burst int) RegistryOption {
	return func(r *Registry) {
		if perMinute <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limit = rate.Limit(perMinute / 60.0)
		r.burst = burst
	}
}

// Registry holds the tools callable in one session and dispatches calls by
// name. Schemas are reported in registration order.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]domain.Tool
	order    []string
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[string]domain.Tool),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools, wrapping each with JSON Schema validation of its
// input. Returns an error on a duplicate name or an uncompilable schema;
// no tool from the call is registered in that case.
func (r *Registry) Register(tools ...domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wrapped := make([]domain.Tool, 0, len(tools))
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Name()
		if _, exists := r.tools[name]; exists || seen[name] {
			return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("tool %q", name))
		}
		seen[name] = true

		v, err := WithSchemaValidation(t)
		if err != nil {
			return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
		}
		wrapped = append(wrapped, v)
	}

	for _, t := range wrapped {
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
		if r.limit > 0 {
			r.limiters[t.Name()] = rate.NewLimiter(r.limit, r.burst)
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns all tool schemas for LLM function-calling.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Kind reports the classification of a tool. Unknown tools report read.
func (r *Registry) Kind(name string) domain.ToolKind {
	t, err := r.Get(name)
	if err != nil {
		return domain.ToolKindRead
	}
	return t.Kind()
}

// Execute runs the named tool. Every failure comes back as a result with
// Success=false: unknown names, rate limiting, handler errors and panics.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (result *domain.ToolResult) {
	t, err := r.Get(name)
	if err != nil {
		return &domain.ToolResult{Success: false, Content: "Unknown tool: " + name}
	}

	if lim := r.limiter(name); lim != nil && !lim.Allow() {
		return &domain.ToolResult{Success: false, Content: fmt.Sprintf("tool %s is rate limited, try again shortly", name)}
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			result = &domain.ToolResult{Success: false, Content: fmt.Sprintf("tool %s failed unexpectedly: %v", name, p)}
		}
	}()

	res, err := t.Execute(ctx, input)
	if err != nil {
		r.logger.Warn("tool returned error", "tool", name, "error", err)
		return &domain.ToolResult{Success: false, Content: describeToolError(err)}
	}
	if res == nil {
		return &domain.ToolResult{Success: false, Content: fmt.Sprintf("tool %s returned no result", name)}
	}
	return res
}

func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}
