// Package relay provides the unified request execution layer.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/dto"
)

// Relay executes provider requests using a unified flow.
type Relay struct {
	Client *http.Client
	Logger *zap.Logger
}

// NewRelay creates a relay with default settings.
func NewRelay(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{Logger: logger}
}

// Generate executes one image generation attempt end to end: direct
// adaptors drive their own flow; everything else goes through
// convert → POST → parse, followed by task polling when the submission
// returned a task id, and a final download when the adaptor requires
// base64 delivery.
func (r *Relay) Generate(ctx context.Context, adp adapter.Adaptor, config *adapter.ProviderConfig, request *dto.GenerationRequest) (*dto.ImageResult, error) {
	if config == nil {
		return nil, dto.NewAPIError(dto.KindConfig, "", "provider config is required")
	}
	if request == nil {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "generation request is required")
	}

	if direct, ok := adp.(adapter.DirectAdaptor); ok {
		return direct.Generate(ctx, config, request)
	}

	body, err := adp.ConvertImageRequest(ctx, config, request)
	if err != nil {
		return nil, err
	}
	respBody, err := r.doRequest(ctx, adp, config, body)
	if err != nil {
		return nil, err
	}
	result, err := adp.ConvertImageResponse(ctx, config, respBody)
	if err != nil {
		return nil, err
	}

	if result.TaskID != "" {
		taskAdaptor, ok := adp.(adapter.TaskAdaptor)
		if !ok {
			return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "adaptor returned a task id but cannot poll")
		}
		status, err := r.poll(ctx, taskAdaptor, config, result.TaskID)
		if err != nil {
			return nil, err
		}
		result = &dto.ImageResult{URL: status.ImageURL}
		if taskAdaptor.DownloadsResult() {
			b64, err := r.DownloadBase64(ctx, config, status.ImageURL)
			if err != nil {
				return nil, err
			}
			result = &dto.ImageResult{B64: b64}
		}
	}

	return result, nil
}

// TaskStatus performs a single task status query.
func (r *Relay) TaskStatus(ctx context.Context, taskAdaptor adapter.TaskAdaptor, config *adapter.ProviderConfig, taskID string) (*dto.TaskStatus, error) {
	if taskID == "" {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "task id is required")
	}

	url, err := taskAdaptor.GetTaskStatusURL(taskID, config)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "task status url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, err.Error())
	}
	if err := taskAdaptor.SetupTaskHeaders(req, config); err != nil {
		return nil, err
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := r.httpClient(config).Do(req)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindTransport, config.Name, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindTransport, config.Name, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &dto.APIError{
			Kind:     dto.KindTransport,
			Code:     resp.StatusCode,
			Message:  fmt.Sprintf("task status request failed with status %d", resp.StatusCode),
			Provider: config.Name,
		}
	}

	status, err := taskAdaptor.ConvertTaskStatusResponse(ctx, config, respBody)
	if err != nil {
		return nil, err
	}
	status.TaskID = taskID
	return status, nil
}

// DownloadBase64 fetches a result URL through the configured client
// and returns the payload base64-encoded.
func (r *Relay) DownloadBase64(ctx context.Context, config *adapter.ProviderConfig, url string) (string, error) {
	if url == "" {
		return "", dto.NewAPIError(dto.KindUnparseable, config.Name, "no image url to download")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", dto.NewAPIError(dto.KindPrecondition, config.Name, err.Error())
	}

	resp, err := r.httpClient(config).Do(req)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "image download failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &dto.APIError{
			Kind:     dto.KindTransport,
			Code:     resp.StatusCode,
			Message:  fmt.Sprintf("image download failed with status %d", resp.StatusCode),
			Provider: config.Name,
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "image read failed: "+err.Error())
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (r *Relay) doRequest(ctx context.Context, adp adapter.Adaptor, config *adapter.ProviderConfig, body []byte) ([]byte, error) {
	url, err := adp.GetRequestURL(config)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, dto.NewAPIError(dto.KindConfig, config.Name, "request url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, err.Error())
	}

	if err := adp.SetupHeaders(req, config); err != nil {
		return nil, err
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := r.httpClient(config).Do(req)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindTransport, config.Name, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindTransport, config.Name, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &dto.APIError{
			Kind:     dto.KindTransport,
			Code:     resp.StatusCode,
			Message:  dto.TruncateError(string(respBody)),
			Provider: config.Name,
		}
	}
	return respBody, nil
}

// httpClient resolves the client for a request. Per-model timeouts are
// applied to a shallow copy; the injected client is never written to,
// so concurrent requests with different timeouts cannot interfere.
func (r *Relay) httpClient(config *adapter.ProviderConfig) *http.Client {
	base := config.HTTPClient
	if base == nil {
		base = r.Client
	}
	if base == nil {
		base = &http.Client{}
	}

	timeout := base.Timeout
	if config.Timeout > 0 {
		timeout = config.Timeout
	} else if timeout == 0 {
		timeout = 60 * time.Second
	}
	if timeout == base.Timeout {
		return base
	}
	client := *base
	client.Timeout = timeout
	return &client
}
