package dto

import "errors"

// Generation modes. The mode is derived from the presence of a source
// image and participates in cache keys so txt2img and img2img results
// never collide.
const (
	ModeTxt2Img = "txt2img"
	ModeImg2Img = "img2img"
)

// GenerationRequest is the uniform input every adapter consumes.
type GenerationRequest struct {
	// Prompt is the user prompt, already truncated by the caller.
	Prompt string `json:"prompt"`
	// Size is a size string in the notation the target model accepts
	// (pixel "WxH", aspect "W:H", or aspect+resolution "W:H-2K").
	Size string `json:"size,omitempty"`
	// Strength controls divergence from the source image in img2img
	// mode. Nil means "not set"; it must stay nil without a source
	// image since providers reject it in txt2img calls.
	Strength *float64 `json:"strength,omitempty"`
	// SourceImage is a bare base64 payload. Presence flips the request
	// from txt2img to img2img.
	SourceImage string `json:"source_image,omitempty"`
}

// Mode returns the generation mode implied by the request.
func (r *GenerationRequest) Mode() string {
	if r != nil && r.SourceImage != "" {
		return ModeImg2Img
	}
	return ModeTxt2Img
}

// ImageResult is the adapter-level outcome of a generation call.
// On terminal success exactly one of B64 or URL is set. TaskID is set
// when an async submission succeeded and polling is still required.
type ImageResult struct {
	B64    string `json:"b64,omitempty"`
	URL    string `json:"url,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// Task status values shared by the async providers.
const (
	TaskStatusPending = "PENDING"
	TaskStatusRunning = "RUNNING"
	TaskStatusSucceed = "SUCCEED"
	TaskStatusFailed  = "FAILED"
	TaskStatusUnknown = "UNKNOWN"
)

// TaskStatus is one observation of an async generation task.
type TaskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	ImageURL string `json:"image_url,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *TaskStatus) Terminal() bool {
	if t == nil {
		return false
	}
	return t.Status == TaskStatusSucceed || t.Status == TaskStatusFailed
}

// GenerationResult is the user-facing terminal outcome. On success the
// payload is a base64 image (or a URL, distinguishable by base64 magic
// prefixes); on failure it is a short human-readable cause.
type GenerationResult struct {
	Success bool   `json:"success"`
	Payload string `json:"payload"`
}

// maxErrorLength caps user-facing failure messages.
const maxErrorLength = 100

// FailureResult converts an error into a terminal result with the
// message truncated for chat delivery.
func FailureResult(err error) *GenerationResult {
	msg := "API call failed"
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		} else {
			msg = err.Error()
		}
	}
	return &GenerationResult{Success: false, Payload: TruncateError(msg)}
}

// TruncateError caps an error string at the user-facing length limit.
// The cut lands on a rune boundary so multi-byte provider messages
// never arrive as mangled UTF-8.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= maxErrorLength {
		return msg
	}
	return string(runes[:maxErrorLength])
}
