package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/YspCoder/picrelay/dto"
)

func decodePayload(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func openaiConfig() *ProviderConfig {
	return &ProviderConfig{
		Name:    "test",
		Format:  FormatOpenAI,
		APIKey:  "Bearer sk-test",
		BaseURL: "https://api.example.com/v1",
		Model:   "img-1",
		Seed:    -1,
	}
}

func TestOpenAIRequestURL(t *testing.T) {
	a := &OpenAIAdaptor{}
	cases := []struct {
		base string
		want string
	}{
		{"https://api.example.com/v1", "https://api.example.com/v1/images/generations"},
		{"https://api.example.com/v1/", "https://api.example.com/v1/images/generations"},
		{"https://api.example.com/v1/images/generations", "https://api.example.com/v1/images/generations"},
	}
	for _, tc := range cases {
		cfg := openaiConfig()
		cfg.BaseURL = tc.base
		got, err := a.GetRequestURL(cfg)
		if err != nil {
			t.Fatalf("GetRequestURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("GetRequestURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestOpenAIHeadersPassKeyVerbatim(t *testing.T) {
	a := &OpenAIAdaptor{}
	req, _ := http.NewRequest(http.MethodPost, "https://api.example.com", nil)

	cfg := openaiConfig()
	cfg.APIKey = "sk-bare-token"
	if err := a.SetupHeaders(req, cfg); err != nil {
		t.Fatalf("SetupHeaders: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "sk-bare-token" {
		t.Errorf("expected verbatim key, got %q", got)
	}
}

func TestVolcArkUsesWatermarkInsteadOfGuidance(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	cfg.BaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	cfg.Watermark = true
	cfg.GuidanceScale = 7.5
	cfg.NumInferenceSteps = 30

	body, err := a.ConvertImageRequest(context.Background(), cfg, &dto.GenerationRequest{
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)

	if payload["watermark"] != true {
		t.Error("expected watermark in volc-ark payload")
	}
	if _, ok := payload["guidance_scale"]; ok {
		t.Error("guidance_scale must be excluded for volc-ark")
	}
	if _, ok := payload["num_inference_steps"]; ok {
		t.Error("num_inference_steps must be excluded for volc-ark")
	}
}

func TestGenericImg2ImgPayload(t *testing.T) {
	a := &OpenAIAdaptor{}
	strength := 0.85

	body, err := a.ConvertImageRequest(context.Background(), openaiConfig(), &dto.GenerationRequest{
		Prompt:      "add a hat",
		Size:        "1024x1024",
		SourceImage: "iVBORw0KGgo=",
		Strength:    &strength,
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)

	if payload["image"] != "data:image/png;base64,iVBORw0KGgo=" {
		t.Errorf("expected data URI image, got %v", payload["image"])
	}
	if payload["strength"] != 0.85 {
		t.Errorf("expected strength 0.85, got %v", payload["strength"])
	}
}

func TestSiliconFlowRenames(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	cfg.BaseURL = "https://api.siliconflow.cn/v1"
	cfg.GuidanceScale = 4.5
	cfg.Model = "Qwen/qwen-image"

	body, err := a.ConvertImageRequest(context.Background(), cfg, &dto.GenerationRequest{
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)

	if payload["image_size"] != "1024x1024" {
		t.Errorf("expected image_size rename, got %v", payload["image_size"])
	}
	if _, ok := payload["size"]; ok {
		t.Error("size must be renamed away")
	}
	if payload["batch_size"] != float64(1) {
		t.Errorf("expected batch_size rename, got %v", payload["batch_size"])
	}
	if payload["cfg"] != 4.5 {
		t.Errorf("expected qwen cfg rename, got %v", payload["cfg"])
	}
	if _, ok := payload["guidance_scale"]; ok {
		t.Error("guidance_scale must be renamed for qwen")
	}
}

func TestSiliconFlowQwenImageEditDropsSize(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	cfg.BaseURL = "https://api.siliconflow.cn/v1"
	cfg.Model = "Qwen/qwen-image-edit"

	body, err := a.ConvertImageRequest(context.Background(), cfg, &dto.GenerationRequest{
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)
	if _, ok := payload["image_size"]; ok {
		t.Error("image-edit models must not receive image_size")
	}
}

func TestOfficialOpenAIAllowList(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	cfg.BaseURL = "https://api.openai.com/v1"
	cfg.Seed = 42
	cfg.NegativePromptAdd = "blurry"
	cfg.GuidanceScale = 7.5

	body, err := a.ConvertImageRequest(context.Background(), cfg, &dto.GenerationRequest{
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)

	for _, forbidden := range []string{"seed", "negative_prompt", "guidance_scale", "watermark"} {
		if _, ok := payload[forbidden]; ok {
			t.Errorf("official API payload must not carry %q", forbidden)
		}
	}
	if payload["model"] != "img-1" || payload["prompt"] != "a cat" {
		t.Errorf("core fields missing from payload: %v", payload)
	}
}

func TestGrokAllowList(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	cfg.BaseURL = "https://api.x.ai/v1"

	body, err := a.ConvertImageRequest(context.Background(), cfg, &dto.GenerationRequest{
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	if err != nil {
		t.Fatalf("ConvertImageRequest: %v", err)
	}
	payload := decodePayload(t, body)
	if _, ok := payload["size"]; ok {
		t.Error("grok payload must not carry size")
	}
	if payload["model"] != "img-1" || payload["n"] != float64(1) {
		t.Errorf("core fields missing from payload: %v", payload)
	}
}

func TestPlatformOverrideBeatsDetection(t *testing.T) {
	cfg := openaiConfig()
	cfg.BaseURL = "https://internal-gateway.example.com/v1"
	cfg.Platform = PlatformVolcArk
	if got := resolvePlatform(cfg); got != PlatformVolcArk {
		t.Errorf("expected explicit platform, got %q", got)
	}
}

func TestOpenAIResponseParsePriority(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	ctx := context.Background()

	result, err := a.ConvertImageResponse(ctx, cfg, []byte(`{"data":[{"b64_json":"iVBORw","url":"https://u"}]}`))
	if err != nil {
		t.Fatalf("ConvertImageResponse: %v", err)
	}
	if result.B64 != "iVBORw" {
		t.Errorf("b64_json must win over url, got %+v", result)
	}

	result, err = a.ConvertImageResponse(ctx, cfg, []byte(`{"images":[{"url":"https://i"}]}`))
	if err != nil {
		t.Fatalf("ConvertImageResponse: %v", err)
	}
	if result.URL != "https://i" {
		t.Errorf("expected images[0].url, got %+v", result)
	}

	result, err = a.ConvertImageResponse(ctx, cfg, []byte(`{"url":"https://top"}`))
	if err != nil {
		t.Fatalf("ConvertImageResponse: %v", err)
	}
	if result.URL != "https://top" {
		t.Errorf("expected top-level url, got %+v", result)
	}
}

func TestOpenAIResponseLooseFallback(t *testing.T) {
	a := &OpenAIAdaptor{}
	result, err := a.ConvertImageResponse(context.Background(), openaiConfig(),
		[]byte(`{"output":{"image_url":"https://o"}}`))
	if err != nil {
		t.Fatalf("ConvertImageResponse: %v", err)
	}
	if result.URL != "https://o" {
		t.Errorf("expected nested output url, got %+v", result)
	}
}

func TestOpenAIResponseErrors(t *testing.T) {
	a := &OpenAIAdaptor{}
	cfg := openaiConfig()
	ctx := context.Background()

	_, err := a.ConvertImageResponse(ctx, cfg, []byte(`{"error":{"message":"content policy"}}`))
	if err == nil || dto.KindOf(err) != dto.KindProvider {
		t.Errorf("expected provider error, got %v", err)
	}

	_, err = a.ConvertImageResponse(ctx, cfg, []byte(`{"created":123}`))
	if err == nil || dto.KindOf(err) != dto.KindUnparseable {
		t.Errorf("expected unparseable error, got %v", err)
	}
}
