// Package adapter provides provider registry and adaptor factories.
package adapter

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Factory builds an adaptor instance. A factory may fail when a hard
// dependency (e.g. an SDK client) is unavailable; such failures are
// surfaced at construction time, before any request attempt.
type Factory func(logger *zap.Logger) (Adaptor, error)

// Registry maps API formats to adaptor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in formats registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register(FormatOpenAI, func(logger *zap.Logger) (Adaptor, error) {
		return &OpenAIAdaptor{Logger: logger}, nil
	})
	r.Register(FormatDoubao, func(logger *zap.Logger) (Adaptor, error) {
		return NewDoubaoAdaptor(logger)
	})
	r.Register(FormatGemini, func(logger *zap.Logger) (Adaptor, error) {
		return &GeminiAdaptor{Logger: logger}, nil
	})
	r.Register(FormatModelScope, func(logger *zap.Logger) (Adaptor, error) {
		return &ModelScopeAdaptor{Logger: logger}, nil
	})
	r.Register(FormatComfyUI, func(logger *zap.Logger) (Adaptor, error) {
		return &ComfyUIAdaptor{Logger: logger}, nil
	})

	return r
}

// Register adds or overrides a format factory.
func (r *Registry) Register(format string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(format)] = factory
}

// BuildAdaptor returns an adaptor for the format. Unknown or empty
// formats fall back to the OpenAI-compatible adaptor.
func (r *Registry) BuildAdaptor(format string, logger *zap.Logger) (Adaptor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		factory = r.factories[FormatOpenAI]
	}
	r.mu.RUnlock()

	if factory == nil {
		return &OpenAIAdaptor{Logger: logger}, nil
	}
	return factory(logger)
}

var defaultRegistry *Registry
var defaultRegistryOnce sync.Once

// GetDefaultRegistry returns the default registry.
func GetDefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
