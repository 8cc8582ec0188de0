// Package adapter provides the Gemini adaptor implementation.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
	"github.com/YspCoder/picrelay/sizeutil"
)

// Gemini generateContent request structures.
type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string                    `json:"responseModalities"`
	ImageConfig        *sizeutil.GeminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig"`
}

// geminiResponsePart accepts both inlineData and inline_data spellings;
// providers are inconsistent between the two.
type geminiResponsePart struct {
	Text            string            `json:"text,omitempty"`
	InlineData      *geminiInlineData `json:"inlineData,omitempty"`
	InlineDataSnake *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiResponsePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiAdaptor converts requests and responses for the Gemini
// generateContent API.
type GeminiAdaptor struct {
	BaseURL string
	Logger  *zap.Logger
}

// GetRequestURL returns the generateContent endpoint for the model.
func (a *GeminiAdaptor) GetRequestURL(config *ProviderConfig) (string, error) {
	base := strings.TrimRight(config.BaseURL, "/")
	if base == "" {
		base = strings.TrimRight(a.BaseURL, "/")
	}
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	if config.Model == "" {
		return "", dto.NewAPIError(dto.KindConfig, config.Name, "gemini model name is required")
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, config.Model), nil
}

// SetupHeaders sets Gemini-specific headers.
func (a *GeminiAdaptor) SetupHeaders(req *http.Request, config *ProviderConfig) error {
	if config.APIKey != "" {
		req.Header.Set("x-goog-api-key", config.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// ConvertImageRequest builds the generateContent payload. The TEXT and
// IMAGE response modalities must both be requested; without IMAGE the
// provider returns text only.
func (a *GeminiAdaptor) ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error) {
	prompt := TruncatePrompt(request.Prompt + config.CustomPromptAdd)

	parts := []geminiPart{{Text: prompt}}
	if request.SourceImage != "" {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: SniffImageMIME(request.SourceImage),
				Data:     request.SourceImage,
			},
		})
	}

	generationConfig := &geminiGenerationConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	size := request.Size
	if size == "" {
		size = config.DefaultSize
	}
	imageConfig, warn := sizeutil.ResolveGeminiImageConfig(size, config.Model)
	if warn != nil && a.Logger != nil {
		a.Logger.Warn("gemini image config degraded",
			zap.String("model", config.Name),
			zap.String("size", size),
			zap.String("reason", warn.Reason))
	}
	generationConfig.ImageConfig = imageConfig

	payload := geminiRequest{
		Contents:         []geminiContent{{Parts: parts}},
		GenerationConfig: generationConfig,
	}
	return json.Marshal(payload)
}

// ConvertImageResponse walks candidates[0].content.parts for inline
// image data. A response with neither spelling of the inline-data key
// is reported as "no image data received", distinct from HTTP failure.
func (a *GeminiAdaptor) ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error) {
	var response geminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "failed to decode gemini response: "+err.Error())
	}
	if response.Error != nil {
		return nil, &dto.APIError{
			Kind:     dto.KindProvider,
			Code:     response.Error.Code,
			Message:  response.Error.Message,
			Provider: config.Name,
		}
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return &dto.ImageResult{B64: part.InlineData.Data}, nil
			}
			if part.InlineDataSnake != nil && part.InlineDataSnake.Data != "" {
				return &dto.ImageResult{B64: part.InlineDataSnake.Data}, nil
			}
		}
	}

	return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "no image data received")
}
