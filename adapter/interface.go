// Package adapter defines provider-specific adaptors for unified DTOs.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/YspCoder/picrelay/dto"
)

// Provider API formats. The format value in a model config selects the
// adaptor; unrecognized values fall back to the OpenAI-compatible one.
const (
	FormatOpenAI     = "openai"
	FormatDoubao     = "doubao"
	FormatGemini     = "gemini"
	FormatModelScope = "modelscope"
	FormatComfyUI    = "comfyui"
)

// ProviderConfig holds the resolved configuration for one model.
type ProviderConfig struct {
	Name     string // model id, reported in errors
	Format   string
	APIKey   string
	BaseURL  string
	Model    string // provider-side model name
	Platform string // explicit platform override; empty means detect from BaseURL

	DefaultSize       string
	Seed              int
	GuidanceScale     float64
	NumInferenceSteps int
	Watermark         bool
	CustomPromptAdd   string
	NegativePromptAdd string
	Workflow          map[string]WorkflowNode

	Headers    map[string]string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxWait bounds engine-driven flows that poll for completion.
	// Zero means the adaptor default.
	MaxWait time.Duration
}

// Adaptor defines the interface for provider-specific conversions and routing.
type Adaptor interface {
	// GetRequestURL returns the provider's image generation endpoint.
	GetRequestURL(config *ProviderConfig) (string, error)

	// SetupHeaders sets authentication and content headers for the request.
	SetupHeaders(req *http.Request, config *ProviderConfig) error

	// ConvertImageRequest builds the provider-specific request body.
	ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error)

	// ConvertImageResponse parses the provider response into the unified result.
	ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error)
}

// TaskAdaptor defines optional async-task capabilities for adaptors
// whose submissions return a task id that must be polled.
type TaskAdaptor interface {
	GetTaskStatusURL(taskID string, config *ProviderConfig) (string, error)
	SetupTaskHeaders(req *http.Request, config *ProviderConfig) error
	ConvertTaskStatusResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.TaskStatus, error)

	// PollInterval is the fixed delay between status queries.
	PollInterval() time.Duration
	// MaxPollAttempts bounds the polling loop before a timeout failure.
	MaxPollAttempts() int
	// DownloadsResult reports whether the relay must download the
	// final image URL and return base64 instead of the URL.
	DownloadsResult() bool
}

// DirectAdaptor is implemented by adaptors that drive their own
// multi-call flow (SDK clients, multi-endpoint engines) instead of the
// single-POST convert/parse path.
type DirectAdaptor interface {
	Generate(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) (*dto.ImageResult, error)
}
