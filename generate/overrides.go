package generate

import (
	"sync"

	"github.com/YspCoder/picrelay/config"
)

// Overrides holds runtime model configuration changes layered on top
// of the loaded config. Hosts use it to switch the active model or
// patch a model definition without a restart.
type Overrides struct {
	mu           sync.RWMutex
	defaultModel string
	models       map[string]*config.ModelConfig
}

// NewOverrides returns an empty override set.
func NewOverrides() *Overrides {
	return &Overrides{models: make(map[string]*config.ModelConfig)}
}

// SetDefaultModel overrides the default model id. An empty id clears
// the override.
func (o *Overrides) SetDefaultModel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultModel = id
}

// DefaultModel returns the overridden default model id, or empty.
func (o *Overrides) DefaultModel() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultModel
}

// SetModel installs a runtime replacement for one model definition.
func (o *Overrides) SetModel(id string, m *config.ModelConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.models[id] = m
}

// Model returns the runtime replacement for a model id, or nil.
func (o *Overrides) Model(id string) *config.ModelConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.models[id]
}

// ClearModel removes one runtime replacement.
func (o *Overrides) ClearModel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.models, id)
}

// Clear drops every override.
func (o *Overrides) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultModel = ""
	o.models = make(map[string]*config.ModelConfig)
}
