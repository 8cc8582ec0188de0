// Package adapter provides the ComfyUI adaptor implementation.
package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/dto"
	"github.com/YspCoder/picrelay/sizeutil"
)

const (
	comfyUIPollInterval   = 2 * time.Second
	comfyUIMaxWait        = 300 * time.Second
	comfyUISubmitTimeout  = 30 * time.Second
	comfyUIHistoryTimeout = 10 * time.Second
	comfyUIViewTimeout    = 30 * time.Second
)

// WorkflowNode is one node of a ComfyUI workflow graph.
type WorkflowNode struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      NodeMeta               `json:"_meta,omitempty"`
}

// NodeMeta carries the optional node title used to disambiguate
// positive and negative text-encode nodes.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// ComfyUIAdaptor runs a user-supplied workflow graph on a ComfyUI
// server. It is a DirectAdaptor: the flow spans three endpoints
// (/prompt, /history, /view), which the single-POST relay path cannot
// express.
type ComfyUIAdaptor struct {
	Logger *zap.Logger
}

// Generate implements DirectAdaptor.
func (a *ComfyUIAdaptor) Generate(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) (*dto.ImageResult, error) {
	if len(config.Workflow) == 0 {
		return nil, dto.NewAPIError(dto.KindConfig, config.Name, "no ComfyUI workflow template configured")
	}

	server := strings.TrimRight(config.BaseURL, "/")
	if server == "" {
		server = "http://127.0.0.1:8188"
	}

	workflow := a.prepareWorkflow(config, request)

	payload := map[string]interface{}{"prompt": workflow}
	if config.APIKey != "" {
		payload["extra_data"] = map[string]interface{}{"api_key_comfy_org": config.APIKey}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "failed to encode workflow: "+err.Error())
	}

	promptID, err := a.submit(ctx, config, server, body)
	if err != nil {
		return nil, err
	}
	if a.Logger != nil {
		a.Logger.Debug("comfyui task submitted",
			zap.String("model", config.Name), zap.String("prompt_id", promptID))
	}

	return a.pollForResult(ctx, config, server, promptID)
}

// prepareWorkflow deep-copies the template and substitutes the request
// parameters into every node whose inputs expose a recognized field.
func (a *ComfyUIAdaptor) prepareWorkflow(config *ProviderConfig, request *dto.GenerationRequest) map[string]WorkflowNode {
	prompt := TruncatePrompt(request.Prompt + config.CustomPromptAdd)
	width, height := sizeutil.ParsePixelSize(request.Size, 1024, 1024)

	steps := config.NumInferenceSteps
	if steps <= 0 {
		steps = 20
	}
	cfg := config.GuidanceScale
	if cfg <= 0 {
		cfg = 7.0
	}
	seed := int64(config.Seed)
	if seed == -1 {
		seed = time.Now().UnixMilli() % (1 << 32)
	}

	workflow := make(map[string]WorkflowNode, len(config.Workflow))
	for nodeID, node := range config.Workflow {
		inputs := make(map[string]interface{}, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}

		if _, ok := inputs["prompt"]; ok {
			inputs["prompt"] = prompt
		}
		if _, ok := inputs["text"]; ok && isTextEncodeNode(node.ClassType) {
			switch textPolarity(nodeID, node.Meta.Title) {
			case "positive":
				inputs["text"] = prompt
			case "negative":
				inputs["text"] = config.NegativePromptAdd
			}
		}
		if _, ok := inputs["width"]; ok {
			inputs["width"] = width
		}
		if _, ok := inputs["height"]; ok {
			inputs["height"] = height
		}
		if _, ok := inputs["seed"]; ok {
			inputs["seed"] = seed
		}
		if _, ok := inputs["noise_seed"]; ok {
			inputs["noise_seed"] = seed
		}
		if _, ok := inputs["steps"]; ok {
			inputs["steps"] = steps
		}
		if _, ok := inputs["cfg"]; ok {
			inputs["cfg"] = cfg
		}
		if _, ok := inputs["denoise"]; ok && request.Strength != nil {
			inputs["denoise"] = *request.Strength
		}

		workflow[nodeID] = WorkflowNode{Inputs: inputs, ClassType: node.ClassType, Meta: node.Meta}
	}
	return workflow
}

func isTextEncodeNode(classType string) bool {
	return classType == "CLIPTextEncode" || classType == "CLIPTextEncodeSDXL"
}

// textPolarity decides whether a text-encode node carries the positive
// or negative prompt, by substring in the node id or its title.
func textPolarity(nodeID, title string) string {
	id := strings.ToLower(nodeID)
	t := strings.ToLower(title)
	switch {
	case strings.Contains(id, "positive") || strings.Contains(t, "positive"):
		return "positive"
	case strings.Contains(id, "negative") || strings.Contains(t, "negative"):
		return "negative"
	default:
		return ""
	}
}

func (a *ComfyUIAdaptor) submit(ctx context.Context, config *ProviderConfig, server string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", dto.NewAPIError(dto.KindPrecondition, config.Name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client(config, comfyUISubmitTimeout).Do(req)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "submit failed: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "submit read failed: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return "", &dto.APIError{
			Kind:     dto.KindTransport,
			Code:     resp.StatusCode,
			Message:  "submit failed: " + string(respBody),
			Provider: config.Name,
		}
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", dto.NewAPIError(dto.KindUnparseable, config.Name, "failed to decode submit response: "+err.Error())
	}
	if result.PromptID == "" {
		return "", dto.NewAPIError(dto.KindProvider, config.Name, "no prompt id in submit response")
	}
	return result.PromptID, nil
}

// pollForResult queries /history until the outputs carry an image
// filename, then fetches the bytes via /view. Transient poll errors
// keep the loop alive; only the wall-clock budget terminates it.
func (a *ComfyUIAdaptor) pollForResult(ctx context.Context, config *ProviderConfig, server, promptID string) (*dto.ImageResult, error) {
	maxWait := config.MaxWait
	if maxWait <= 0 {
		maxWait = comfyUIMaxWait
	}
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		filename, subfolder, done, err := a.checkHistory(ctx, config, server, promptID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, dto.NewAPIError(dto.KindTimeout, config.Name, "generation cancelled")
			}
			if a.Logger != nil {
				a.Logger.Warn("comfyui poll failed", zap.String("prompt_id", promptID), zap.Error(err))
			}
		} else if done {
			b64, err := a.fetchImage(ctx, config, server, filename, subfolder)
			if err != nil {
				return nil, err
			}
			return &dto.ImageResult{B64: b64}, nil
		}

		// Don't sleep past the budget.
		if time.Now().Add(comfyUIPollInterval).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, dto.NewAPIError(dto.KindTimeout, config.Name, "generation cancelled")
		case <-time.After(comfyUIPollInterval):
		}
	}

	return nil, dto.NewAPIError(dto.KindTimeout, config.Name, "generation timed out")
}

func (a *ComfyUIAdaptor) checkHistory(ctx context.Context, config *ProviderConfig, server, promptID string) (filename, subfolder string, done bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/history/"+promptID, nil)
	if err != nil {
		return "", "", false, err
	}

	resp, err := a.client(config, comfyUIHistoryTimeout).Do(req)
	if err != nil {
		return "", "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf("history status %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs map[string]struct {
			Images []struct {
				Filename  string `json:"filename"`
				Subfolder string `json:"subfolder"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", "", false, err
	}

	entry, ok := history[promptID]
	if !ok {
		return "", "", false, nil
	}
	for _, output := range entry.Outputs {
		for _, image := range output.Images {
			if image.Filename != "" {
				return image.Filename, image.Subfolder, true, nil
			}
		}
	}
	return "", "", false, nil
}

func (a *ComfyUIAdaptor) fetchImage(ctx context.Context, config *ProviderConfig, server, filename, subfolder string) (string, error) {
	params := url.Values{}
	params.Set("filename", filename)
	params.Set("type", "output")
	if subfolder != "" {
		params.Set("subfolder", subfolder)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/view?"+params.Encode(), nil)
	if err != nil {
		return "", dto.NewAPIError(dto.KindPrecondition, config.Name, err.Error())
	}

	resp, err := a.client(config, comfyUIViewTimeout).Do(req)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "image fetch failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &dto.APIError{
			Kind:     dto.KindTransport,
			Code:     resp.StatusCode,
			Message:  "image fetch failed",
			Provider: config.Name,
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", dto.NewAPIError(dto.KindTransport, config.Name, "image read failed: "+err.Error())
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// client returns the configured proxy-aware HTTP client, or a default
// one scoped to the given timeout.
func (a *ComfyUIAdaptor) client(config *ProviderConfig, timeout time.Duration) *http.Client {
	if config.HTTPClient != nil {
		return config.HTTPClient
	}
	return &http.Client{Timeout: timeout}
}

// GetRequestURL implements Adaptor. The flow is driven by Generate.
func (a *ComfyUIAdaptor) GetRequestURL(config *ProviderConfig) (string, error) {
	return "", dto.NewAPIError(dto.KindPrecondition, config.Name, "comfyui flow is adaptor-driven")
}

// SetupHeaders implements Adaptor. The flow is driven by Generate.
func (a *ComfyUIAdaptor) SetupHeaders(req *http.Request, config *ProviderConfig) error {
	return dto.NewAPIError(dto.KindPrecondition, config.Name, "comfyui flow is adaptor-driven")
}

// ConvertImageRequest implements Adaptor. The flow is driven by Generate.
func (a *ComfyUIAdaptor) ConvertImageRequest(ctx context.Context, config *ProviderConfig, request *dto.GenerationRequest) ([]byte, error) {
	return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "comfyui flow is adaptor-driven")
}

// ConvertImageResponse implements Adaptor. The flow is driven by Generate.
func (a *ComfyUIAdaptor) ConvertImageResponse(ctx context.Context, config *ProviderConfig, body []byte) (*dto.ImageResult, error) {
	return nil, dto.NewAPIError(dto.KindPrecondition, config.Name, "comfyui flow is adaptor-driven")
}
