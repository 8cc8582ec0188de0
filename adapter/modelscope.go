// Package adapter provides the ModelScope adaptor implementation.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
)

const (
	modelscopePollInterval    = 5 * time.Second
	modelscopeMaxPollAttempts = 24
)

// ModelScopeAdaptor implements the two-phase async protocol: submit
// with X-ModelScope-Async-Mode, then poll the task endpoint. Result
// URLs are short-lived, so the relay downloads the final image and
// returns base64 instead of the URL.
type ModelScopeAdaptor struct {
	BaseURL string
	Logger  *zap.Logger
}

// GetRequestURL returns the async submit endpoint. The base URL is
// expected to carry the full API version path already.
func (a *ModelScopeAdaptor) GetRequestURL(config *ProviderConfig) (string, error) {
	return a.base(config) + "/images/generations", nil
}

// SetupHeaders sets the async submit headers. The stored key may or
// may not carry a "Bearer " prefix; it is normalized before use.
func (a *ModelScopeAdaptor) SetupHeaders(req *http.Request, config *ProviderConfig) error {
	req.Header.Set("Authorization", "Bearer "+bareKey(config.APIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ModelScope-Async-Mode", "true")
	return nil
}

// ConvertImageRequest builds the async submit payload.
func (a *ModelScopeAdaptor) ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error) {
	payload := map[string]interface{}{
		"model":  config.Model,
		"prompt": TruncatePrompt(request.Prompt + config.CustomPromptAdd),
	}
	if config.GuidanceScale > 0 {
		payload["guidance_scale"] = config.GuidanceScale
	}
	if config.NumInferenceSteps > 0 {
		payload["num_inference_steps"] = config.NumInferenceSteps
	}
	if request.SourceImage != "" {
		payload["image"] = BuildDataURI(request.SourceImage)
	}
	return json.Marshal(payload)
}

// ConvertImageResponse parses the submit response. A missing task id
// is a provider failure even on HTTP 200.
func (a *ModelScopeAdaptor) ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error) {
	var response struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "failed to decode submit response: "+err.Error())
	}
	if response.TaskID == "" {
		return nil, dto.NewAPIError(dto.KindProvider, config.Name, "no task id in submit response")
	}
	return &dto.ImageResult{TaskID: response.TaskID}, nil
}

// GetTaskStatusURL returns the polling endpoint for a task.
func (a *ModelScopeAdaptor) GetTaskStatusURL(taskID string, config *ProviderConfig) (string, error) {
	return a.base(config) + "/v1/tasks/" + taskID, nil
}

// SetupTaskHeaders sets the task-type header required by the poll
// endpoint.
func (a *ModelScopeAdaptor) SetupTaskHeaders(req *http.Request, config *ProviderConfig) error {
	req.Header.Set("Authorization", "Bearer "+bareKey(config.APIKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ModelScope-Task-Type", "image_generation")
	return nil
}

// ConvertTaskStatusResponse maps a poll response onto the unified task
// status. Unrecognized status strings stay UNKNOWN, which the poller
// treats as transient.
func (a *ModelScopeAdaptor) ConvertTaskStatusResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.TaskStatus, error) {
	var response struct {
		TaskStatus   string   `json:"task_status"`
		OutputImages []string `json:"output_images"`
		ErrorMessage string   `json:"error_message"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, dto.NewAPIError(dto.KindUnparseable, config.Name, "failed to decode task response: "+err.Error())
	}

	status := &dto.TaskStatus{Status: dto.TaskStatusUnknown}
	switch response.TaskStatus {
	case dto.TaskStatusPending, dto.TaskStatusRunning:
		status.Status = response.TaskStatus
	case dto.TaskStatusSucceed:
		if len(response.OutputImages) == 0 {
			return nil, dto.NewAPIError(dto.KindProvider, config.Name, "task succeeded but returned no images")
		}
		status.Status = dto.TaskStatusSucceed
		status.ImageURL = response.OutputImages[0]
	case dto.TaskStatusFailed:
		status.Status = dto.TaskStatusFailed
		status.Message = response.ErrorMessage
		if status.Message == "" {
			status.Message = "task failed"
		}
	}
	return status, nil
}

// PollInterval implements TaskAdaptor.
func (a *ModelScopeAdaptor) PollInterval() time.Duration { return modelscopePollInterval }

// MaxPollAttempts implements TaskAdaptor.
func (a *ModelScopeAdaptor) MaxPollAttempts() int { return modelscopeMaxPollAttempts }

// DownloadsResult implements TaskAdaptor.
func (a *ModelScopeAdaptor) DownloadsResult() bool { return true }

func (a *ModelScopeAdaptor) base(config *ProviderConfig) string {
	base := strings.TrimRight(config.BaseURL, "/")
	if base == "" {
		base = strings.TrimRight(a.BaseURL, "/")
	}
	if base == "" {
		base = "https://api-inference.modelscope.cn"
	}
	return base
}

func bareKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "Bearer ")
}
