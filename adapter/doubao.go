// Package adapter provides the Doubao (Volcano Ark) adaptor implementation.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	arkm "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
)

const (
	arkDefaultBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	arkDefaultTimeout = 60 * time.Second
)

// arkImagesRequest mirrors the Ark images wire format. The SDK's
// GenerateImagesRequest carries no source-image field, so edit
// requests are posted to the endpoint directly with this shape.
type arkImagesRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Image          string   `json:"image,omitempty"`
	ResponseFormat *string  `json:"response_format,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	GuidanceScale  *float64 `json:"guidance_scale,omitempty"`
	Size           *string  `json:"size,omitempty"`
	Watermark      *bool    `json:"watermark,omitempty"`
}

// DoubaoAdaptor generates images through the Volcano Ark SDK. It is a
// DirectAdaptor: the SDK owns transport for text-to-image, so the
// relay's single-POST path never runs for this format.
type DoubaoAdaptor struct {
	Logger *zap.Logger

	mu        sync.Mutex
	clientKey string
	client    *arkruntime.Client
}

// NewDoubaoAdaptor builds the SDK-backed adaptor. The client itself is
// created lazily per key and base URL; a missing key fails fast on
// first use.
func NewDoubaoAdaptor(logger *zap.Logger) (*DoubaoAdaptor, error) {
	return &DoubaoAdaptor{Logger: logger}, nil
}

// Generate implements DirectAdaptor.
func (a *DoubaoAdaptor) Generate(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) (*dto.ImageResult, error) {
	if config.APIKey == "" {
		return nil, dto.NewAPIError(dto.KindConfig, config.Name, "ark API key missing")
	}

	req := arkImagesRequest{
		Model:          config.Model,
		Prompt:         TruncatePrompt(request.Prompt + config.CustomPromptAdd),
		ResponseFormat: volcengine.String(arkm.GenerateImagesResponseFormatURL),
		Watermark:      volcengine.Bool(config.Watermark),
	}
	if request.Size != "" {
		req.Size = volcengine.String(request.Size)
	}
	if config.Seed != -1 {
		req.Seed = volcengine.Int64(int64(config.Seed))
	}
	if config.GuidanceScale > 0 {
		req.GuidanceScale = volcengine.Float64(config.GuidanceScale)
	}

	var resp arkm.ImagesResponse
	var err error
	if request.SourceImage != "" {
		req.Image = BuildDataURI(request.SourceImage)
		resp, err = a.editImages(ctx, config, req)
	} else {
		resp, err = a.instance(config).GenerateImages(ctx, arkm.GenerateImagesRequest{
			Model:          req.Model,
			Prompt:         req.Prompt,
			ResponseFormat: req.ResponseFormat,
			Seed:           req.Seed,
			GuidanceScale:  req.GuidanceScale,
			Size:           req.Size,
			Watermark:      req.Watermark,
		})
	}
	if err != nil {
		return nil, dto.NewAPIError(dto.KindTransport, config.Name, fmt.Sprintf("ark request failed: %v", err))
	}
	if resp.Error != nil {
		return nil, dto.NewAPIError(dto.KindProvider, config.Name,
			fmt.Sprintf("ark error (%s): %s", resp.Error.Code, resp.Error.Message))
	}

	// An empty data array on a successful call is a distinct failure
	// mode from HTTP failure.
	for _, item := range resp.Data {
		if item == nil {
			continue
		}
		if item.Url != nil && *item.Url != "" {
			return &dto.ImageResult{URL: *item.Url}, nil
		}
		if item.B64Json != nil && *item.B64Json != "" {
			return &dto.ImageResult{B64: *item.B64Json}, nil
		}
	}
	return nil, dto.NewAPIError(dto.KindProvider, config.Name, "no image returned")
}

// editImages posts an image-to-image request straight to the Ark
// endpoint, decoding into the SDK's response types.
func (a *DoubaoAdaptor) editImages(ctx context.Context, config *ProviderConfig, request arkImagesRequest) (arkm.ImagesResponse, error) {
	var response arkm.ImagesResponse

	base := config.BaseURL
	if base == "" {
		base = arkDefaultBaseURL
	}
	body, err := json.Marshal(request)
	if err != nil {
		return response, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return response, err
	}
	req.Header.Set("Authorization", "Bearer "+bareKey(config.APIKey))
	req.Header.Set("Content-Type", "application/json")

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: arkDefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return response, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return response, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response, fmt.Errorf("status %d: %s", resp.StatusCode, dto.TruncateError(string(respBody)))
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return response, err
	}
	return response, nil
}

// GetRequestURL implements Adaptor. Transport is SDK-mediated.
func (a *DoubaoAdaptor) GetRequestURL(config *ProviderConfig) (string, error) {
	return "", dto.NewAPIError(dto.KindPrecondition, config.Name, "doubao transport is SDK-mediated")
}

// SetupHeaders implements Adaptor. Transport is SDK-mediated.
func (a *DoubaoAdaptor) SetupHeaders(req *http.Request, config *ProviderConfig) error {
	return dto.NewAPIError(dto.KindPrecondition, config.Name, "doubao transport is SDK-mediated")
}

// ConvertImageRequest implements Adaptor. Transport is SDK-mediated.
func (a *DoubaoAdaptor) ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error) {
	return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "doubao transport is SDK-mediated")
}

// ConvertImageResponse implements Adaptor. Transport is SDK-mediated.
func (a *DoubaoAdaptor) ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error) {
	return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "doubao transport is SDK-mediated")
}

// instance returns the shared SDK client, rebuilding it when the
// configured key or base URL changes. SDK-side retries stay off; the
// caller's dispatch loop owns retry policy.
func (a *DoubaoAdaptor) instance(config *ProviderConfig) *arkruntime.Client {
	key := config.APIKey + "|" + config.BaseURL

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || a.clientKey != key {
		opts := []arkruntime.ConfigOption{arkruntime.WithRetryTimes(1)}
		if config.BaseURL != "" {
			opts = append(opts, arkruntime.WithBaseUrl(config.BaseURL))
		}
		if config.HTTPClient != nil {
			opts = append(opts, arkruntime.WithHTTPClient(config.HTTPClient))
		}
		if config.Timeout > 0 {
			opts = append(opts, arkruntime.WithTimeout(config.Timeout))
		}
		a.client = arkruntime.NewClientWithApiKey(bareKey(config.APIKey), opts...)
		a.clientKey = key
	}
	return a.client
}
