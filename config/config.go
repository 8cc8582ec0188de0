// Package config provides configuration loading and validation.
package config

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/dto"
)

// Placeholder sentinels that mark an unconfigured API key. Configs
// carrying one are rejected before any network call.
var placeholderKeys = map[string]bool{
	"YOUR_API_KEY_HERE": true,
	"xxxxxxxxxxxxxx":    true,
}

var validate = validator.New()

// Config holds process-level settings, loaded from the environment.
// Model definitions come from the host framework's config system and
// are attached after loading.
type Config struct {
	DefaultModel   string        `env:"PICRELAY_DEFAULT_MODEL"`
	MaxRetries     int           `env:"PICRELAY_MAX_RETRIES" envDefault:"2"`
	RetryDelay     time.Duration `env:"PICRELAY_RETRY_DELAY" envDefault:"1s"`
	CacheSize      int           `env:"PICRELAY_CACHE_SIZE" envDefault:"20"`
	RequestTimeout time.Duration `env:"PICRELAY_REQUEST_TIMEOUT" envDefault:"60s"`
	ProxyURL       string        `env:"PICRELAY_PROXY_URL"`
	ProxyTimeout   time.Duration `env:"PICRELAY_PROXY_TIMEOUT" envDefault:"30s"`
	RatePerSecond  float64       `env:"PICRELAY_RATE_PER_SECOND" envDefault:"0"`

	Models map[string]*ModelConfig `env:"-"`
}

// Load reads process settings from the environment.
func Load() (*Config, error) {
	cfg := &Config{Models: make(map[string]*ModelConfig)}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ModelConfig describes one configured model. JSON tags match the host
// framework's TOML key names.
type ModelConfig struct {
	BaseURL           string                          `json:"base_url" validate:"omitempty,url"`
	APIKey            string                          `json:"api_key"`
	Format            string                          `json:"format"`
	Model             string                          `json:"model"`
	DefaultSize       string                          `json:"default_size"`
	FixedSizeEnabled  bool                            `json:"fixed_size_enabled"`
	Seed              int                             `json:"seed"`
	GuidanceScale     float64                         `json:"guidance_scale"`
	Watermark         bool                            `json:"watermark"`
	CustomPromptAdd   string                          `json:"custom_prompt_add"`
	NegativePromptAdd string                          `json:"negative_prompt_add"`
	SupportImg2Img    bool                            `json:"support_img2img"`
	NumInferenceSteps int                             `json:"num_inference_steps"`
	MaxWaitSeconds    int                             `json:"max_wait_seconds"`
	Platform          string                          `json:"platform,omitempty"`
	Workflow          map[string]adapter.WorkflowNode `json:"workflow,omitempty"`
}

// DefaultModelConfig returns a model config with the standard
// defaults applied.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		Format:            adapter.FormatOpenAI,
		DefaultSize:       "1024x1024",
		Seed:              -1,
		GuidanceScale:     2.5,
		NumInferenceSteps: 20,
	}
}

// Validate checks a model config for static misconfiguration. All
// failures are configuration errors: fatal, never retried.
func (m *ModelConfig) Validate(name string) error {
	if err := validate.Struct(m); err != nil {
		return dto.NewAPIError(dto.KindConfig, name, "invalid model config: "+err.Error())
	}

	format := strings.ToLower(strings.TrimSpace(m.Format))

	// ComfyUI servers are typically local and unauthenticated, and the
	// adaptor falls back to localhost when no server is configured;
	// every other format needs an endpoint and a usable key.
	if format != adapter.FormatComfyUI {
		if strings.TrimSpace(m.BaseURL) == "" {
			return dto.NewAPIError(dto.KindConfig, name, "base_url is not configured")
		}
		key := strings.TrimSpace(strings.TrimPrefix(m.APIKey, "Bearer "))
		if key == "" {
			return dto.NewAPIError(dto.KindConfig, name, "API key is not configured")
		}
		if placeholderKeys[key] {
			return dto.NewAPIError(dto.KindConfig, name, "API key is a placeholder, set a real key")
		}
	}

	if format == adapter.FormatComfyUI && len(m.Workflow) == 0 {
		return dto.NewAPIError(dto.KindConfig, name, "no ComfyUI workflow template configured")
	}

	return nil
}

// ToProviderConfig converts a model config into the provider config
// the adapter layer consumes.
func (m *ModelConfig) ToProviderConfig(name string, client *http.Client, timeout time.Duration) *adapter.ProviderConfig {
	format := strings.ToLower(strings.TrimSpace(m.Format))
	if format == "" {
		format = adapter.FormatOpenAI
	}
	return &adapter.ProviderConfig{
		Name:              name,
		Format:            format,
		APIKey:            m.APIKey,
		BaseURL:           m.BaseURL,
		Model:             m.Model,
		Platform:          m.Platform,
		DefaultSize:       m.DefaultSize,
		Seed:              m.Seed,
		GuidanceScale:     m.GuidanceScale,
		NumInferenceSteps: m.NumInferenceSteps,
		Watermark:         m.Watermark,
		CustomPromptAdd:   m.CustomPromptAdd,
		NegativePromptAdd: m.NegativePromptAdd,
		Workflow:          m.Workflow,
		HTTPClient:        client,
		Timeout:           timeout,
		MaxWait:           time.Duration(m.MaxWaitSeconds) * time.Second,
	}
}

// IsPlaceholderKey reports whether a key is one of the known
// placeholder sentinels.
func IsPlaceholderKey(key string) bool {
	return placeholderKeys[strings.TrimSpace(strings.TrimPrefix(key, "Bearer "))]
}

// HTTPClient builds a client that routes through the configured proxy.
// An empty proxy URL yields a plain client with the given timeout.
func HTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindConfig, "", "invalid proxy url: "+err.Error())
	}
	client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	return client, nil
}

// Provider is the hierarchical lookup the host framework exposes for
// dotted configuration keys (models.<id>.*, proxy.*, cache.*).
type Provider interface {
	Get(key string) (interface{}, bool)
}

// MapProvider implements Provider over nested maps.
type MapProvider map[string]interface{}

// Get resolves a dotted key against the nested map.
func (m MapProvider) Get(key string) (interface{}, bool) {
	parts := strings.Split(key, ".")
	var current interface{} = map[string]interface{}(m)
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString resolves a dotted key to a string, with a default.
func GetString(p Provider, key, fallback string) string {
	if value, ok := p.Get(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return fallback
}
