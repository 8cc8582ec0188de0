// Package adapter provides the OpenAI-compatible adaptor implementation.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
)

// Named platforms that need payload adjustments on top of the generic
// OpenAI-compatible format. Detection is by base-URL substring for
// drop-in compatibility with existing configs; ProviderConfig.Platform
// overrides detection for private deployments.
const (
	PlatformSiliconFlow = "siliconflow"
	PlatformOpenAI      = "openai-official"
	PlatformGrok        = "grok"
	PlatformVolcArk     = "volc-ark"
)

// OpenAIAdaptor converts requests and responses to the OpenAI image API
// format, covering the compatible third-party platforms.
type OpenAIAdaptor struct {
	BaseURL string
	Logger  *zap.Logger
}

// GetRequestURL returns the images/generations endpoint.
func (a *OpenAIAdaptor) GetRequestURL(config *ProviderConfig) (string, error) {
	base := strings.TrimRight(config.BaseURL, "/")
	if base == "" {
		base = strings.TrimRight(a.BaseURL, "/")
	}
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return buildImagesRequestURL(base), nil
}

// SetupHeaders sets the OpenAI-compatible headers. The configured key
// is passed through verbatim: some platforms expect a bare token while
// others expect the caller to include the "Bearer " prefix themselves.
func (a *OpenAIAdaptor) SetupHeaders(req *http.Request, config *ProviderConfig) error {
	if config.APIKey != "" {
		req.Header.Set("Authorization", config.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// ConvertImageRequest builds the image generation payload, applying
// the per-platform parameter quirks.
func (a *OpenAIAdaptor) ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error) {
	prompt := TruncatePrompt(request.Prompt + config.CustomPromptAdd)

	payload := map[string]interface{}{
		"model":  config.Model,
		"prompt": prompt,
		"size":   request.Size,
		"n":      1,
	}
	if config.NegativePromptAdd != "" {
		payload["negative_prompt"] = config.NegativePromptAdd
	}
	if config.Seed != -1 {
		payload["seed"] = config.Seed
	}

	platform := resolvePlatform(config)
	if platform == PlatformVolcArk {
		payload["watermark"] = config.Watermark
	} else {
		if config.GuidanceScale > 0 {
			payload["guidance_scale"] = config.GuidanceScale
		}
		if config.NumInferenceSteps > 0 {
			payload["num_inference_steps"] = config.NumInferenceSteps
		}
	}

	if request.SourceImage != "" {
		payload["image"] = BuildDataURI(request.SourceImage)
		if request.Strength != nil {
			payload["strength"] = *request.Strength
		}
	}

	switch platform {
	case PlatformSiliconFlow:
		applySiliconFlowQuirks(payload, config.Model)
	case PlatformOpenAI:
		payload = filterPayload(payload, "model", "prompt", "size", "n",
			"quality", "style", "response_format", "image", "strength")
	case PlatformGrok:
		payload = filterPayload(payload, "model", "prompt", "n", "response_format")
	}

	return json.Marshal(payload)
}

// ConvertImageResponse parses the response in field priority order:
// data[0].b64_json, data[0].url, images[0].url, top-level url.
func (a *OpenAIAdaptor) ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error) {
	var response struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
			URL     string `json:"url"`
		} `json:"data"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		URL   string `json:"url"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "failed to decode image response: "+err.Error())
	}
	if response.Error != nil && response.Error.Message != "" {
		return nil, dto.NewAPIError(dto.KindProvider, config.Name, response.Error.Message)
	}

	if len(response.Data) > 0 {
		if response.Data[0].B64JSON != "" {
			return &dto.ImageResult{B64: response.Data[0].B64JSON}, nil
		}
		if response.Data[0].URL != "" {
			return &dto.ImageResult{URL: response.Data[0].URL}, nil
		}
	}
	if len(response.Images) > 0 && response.Images[0].URL != "" {
		return &dto.ImageResult{URL: response.Images[0].URL}, nil
	}
	if response.URL != "" {
		return &dto.ImageResult{URL: response.URL}, nil
	}

	// Some compatible platforms use looser shapes ("image", nested
	// "output" objects); probe for those before giving up.
	var generic interface{}
	if err := json.Unmarshal(body, &generic); err == nil {
		if payload, ok := dto.ExtractImagePayload(generic); ok {
			if strings.HasPrefix(payload, "data:") || IsBase64Image(payload) {
				return &dto.ImageResult{B64: StripDataURI(payload)}, nil
			}
			return &dto.ImageResult{URL: payload}, nil
		}
	}

	return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "no image field in response")
}

// resolvePlatform returns the explicit platform override when set,
// otherwise detects known platforms from the base URL.
func resolvePlatform(config *ProviderConfig) string {
	if config.Platform != "" {
		return config.Platform
	}
	base := strings.ToLower(config.BaseURL)
	switch {
	case strings.Contains(base, "ark.cn-beijing.volces.com"):
		return PlatformVolcArk
	case strings.Contains(base, "siliconflow"):
		return PlatformSiliconFlow
	case strings.Contains(base, "api.openai.com"):
		return PlatformOpenAI
	case strings.Contains(base, "api.x.ai"):
		return PlatformGrok
	default:
		return ""
	}
}

// applySiliconFlowQuirks renames size/n to image_size/batch_size, uses
// cfg instead of guidance_scale for qwen models, and drops image_size
// for the image-edit variants which reject it.
func applySiliconFlowQuirks(payload map[string]interface{}, model string) {
	if size, ok := payload["size"]; ok {
		payload["image_size"] = size
		delete(payload, "size")
	}
	if n, ok := payload["n"]; ok {
		payload["batch_size"] = n
		delete(payload, "n")
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "qwen") {
		if scale, ok := payload["guidance_scale"]; ok {
			payload["cfg"] = scale
			delete(payload, "guidance_scale")
		}
		if strings.Contains(lower, "image-edit") {
			delete(payload, "image_size")
		}
	}
}

func filterPayload(payload map[string]interface{}, allowed ...string) map[string]interface{} {
	keep := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		keep[key] = struct{}{}
	}
	filtered := make(map[string]interface{}, len(allowed))
	for key, value := range payload {
		if _, ok := keep[key]; ok {
			filtered[key] = value
		}
	}
	return filtered
}

func buildImagesRequestURL(base string) string {
	const suffix = "/images/generations"

	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		base = strings.TrimRight(base, "/")
		if strings.HasSuffix(base, suffix) {
			return base
		}
		return base + suffix
	}

	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, suffix) {
		path += suffix
	}
	parsed.Path = path
	return parsed.String()
}
