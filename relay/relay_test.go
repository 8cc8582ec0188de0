package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/dto"
)

// fastModelScope keeps the real conversion logic but polls fast enough
// for tests.
type fastModelScope struct {
	adapter.ModelScopeAdaptor
	attempts int
}

func (f *fastModelScope) PollInterval() time.Duration { return 2 * time.Millisecond }
func (f *fastModelScope) MaxPollAttempts() int        { return f.attempts }

func modelscopeTestConfig(baseURL string) *adapter.ProviderConfig {
	return &adapter.ProviderConfig{
		Name:    "test",
		Format:  adapter.FormatModelScope,
		APIKey:  "ms-key",
		BaseURL: baseURL,
		Model:   "m",
		Seed:    -1,
	}
}

func TestAsyncTaskFlow(t *testing.T) {
	imageBytes := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}

	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-ModelScope-Async-Mode") != "true" {
			t.Error("expected async mode header on submit")
		}
		fmt.Fprint(w, `{"task_id":"t1"}`)
	})
	mux.HandleFunc("/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-ModelScope-Task-Type") != "image_generation" {
			t.Error("expected task type header on poll")
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 3 {
			fmt.Fprint(w, `{"task_status":"RUNNING"}`)
			return
		}
		fmt.Fprintf(w, `{"task_status":"SUCCEED","output_images":[%q]}`, serverURL+"/img.png")
	})
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(imageBytes)
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	r := NewRelay(zap.NewNop())
	result, err := r.Generate(context.Background(), &fastModelScope{attempts: 10},
		modelscopeTestConfig(server.URL), &dto.GenerationRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if result.B64 != base64.StdEncoding.EncodeToString(imageBytes) {
		t.Errorf("expected downloaded base64 payload, got %q", result.B64)
	}
	mu.Lock()
	defer mu.Unlock()
	if polls != 3 {
		t.Errorf("expected 3 poll requests, got %d", polls)
	}
}

func TestAsyncTaskFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id":"t1"}`)
	})
	mux.HandleFunc("/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_status":"FAILED","error_message":"bad prompt"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	r := NewRelay(zap.NewNop())
	_, err := r.Generate(context.Background(), &fastModelScope{attempts: 10},
		modelscopeTestConfig(server.URL), &dto.GenerationRequest{Prompt: "a cat"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if dto.KindOf(err) != dto.KindProvider {
		t.Errorf("expected provider error, got %v", dto.KindOf(err))
	}

	var apiErr *dto.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "bad prompt" {
		t.Errorf("expected provider message preserved, got %v", err)
	}
}

func TestAsyncTaskPollBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id":"t1"}`)
	})
	mux.HandleFunc("/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_status":"RUNNING"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	r := NewRelay(zap.NewNop())
	_, err := r.Generate(context.Background(), &fastModelScope{attempts: 2},
		modelscopeTestConfig(server.URL), &dto.GenerationRequest{Prompt: "a cat"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if dto.KindOf(err) != dto.KindTimeout {
		t.Errorf("expected timeout error, got %v", dto.KindOf(err))
	}
}

func TestTransientPollErrorsAreTolerated(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id":"t1"}`)
	})
	mux.HandleFunc("/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "gateway hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"task_status":"SUCCEED","output_images":[%q]}`, serverURL+"/img.png")
	})
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{1, 2, 3})
	})

	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	r := NewRelay(zap.NewNop())
	result, err := r.Generate(context.Background(), &fastModelScope{attempts: 10},
		modelscopeTestConfig(server.URL), &dto.GenerationRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.B64 == "" {
		t.Error("expected a result despite the transient poll failure")
	}
}

func TestDoRequestNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewRelay(zap.NewNop())
	cfg := &adapter.ProviderConfig{
		Name:    "test",
		Format:  adapter.FormatOpenAI,
		APIKey:  "k",
		BaseURL: server.URL,
		Model:   "m",
		Seed:    -1,
	}

	_, err := r.Generate(context.Background(), &adapter.OpenAIAdaptor{},
		cfg, &dto.GenerationRequest{Prompt: "a cat"})
	if err == nil {
		t.Fatal("expected an error")
	}

	var apiErr *dto.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Kind != dto.KindTransport || apiErr.Code != http.StatusInternalServerError {
		t.Errorf("unexpected error classification %+v", apiErr)
	}
}

func TestDoRequestAcceptsAny2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":[{"url":"https://cdn.example.com/out.png"}]}`)
	}))
	defer server.Close()

	r := NewRelay(zap.NewNop())
	cfg := &adapter.ProviderConfig{
		Name:    "test",
		Format:  adapter.FormatOpenAI,
		APIKey:  "k",
		BaseURL: server.URL,
		Model:   "m",
		Seed:    -1,
	}

	result, err := r.Generate(context.Background(), &adapter.OpenAIAdaptor{},
		cfg, &dto.GenerationRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.URL != "https://cdn.example.com/out.png" {
		t.Errorf("unexpected result url %q", result.URL)
	}
}

func TestHTTPClientTimeoutDoesNotMutateShared(t *testing.T) {
	shared := &http.Client{}
	r := NewRelay(zap.NewNop())
	r.Client = shared

	got := r.httpClient(&adapter.ProviderConfig{Name: "test", Timeout: 5 * time.Second})
	if got.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout on the resolved client, got %v", got.Timeout)
	}
	if got == shared {
		t.Error("expected a copy when the timeout differs")
	}
	if shared.Timeout != 0 {
		t.Errorf("shared client timeout changed to %v", shared.Timeout)
	}

	// Matching timeouts reuse the shared client without copying.
	preset := &http.Client{Timeout: 30 * time.Second}
	r.Client = preset
	if r.httpClient(&adapter.ProviderConfig{Name: "test"}) != preset {
		t.Error("expected the shared client when no override applies")
	}
}

func TestConcurrentTimeoutsStayIsolated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"url":"https://cdn.example.com/out.png"}]}`)
	}))
	defer server.Close()

	shared := &http.Client{}
	r := NewRelay(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		timeout := time.Duration(i+1) * time.Second
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := &adapter.ProviderConfig{
				Name:       "test",
				Format:     adapter.FormatOpenAI,
				APIKey:     "k",
				BaseURL:    server.URL,
				Model:      "m",
				Seed:       -1,
				HTTPClient: shared,
				Timeout:    timeout,
			}
			if _, err := r.Generate(context.Background(), &adapter.OpenAIAdaptor{},
				cfg, &dto.GenerationRequest{Prompt: "a cat"}); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if shared.Timeout != 0 {
		t.Errorf("shared client timeout changed to %v", shared.Timeout)
	}
}

func TestDownloadBase64(t *testing.T) {
	payload := []byte("image bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	r := NewRelay(zap.NewNop())
	cfg := &adapter.ProviderConfig{Name: "test"}

	b64, err := r.DownloadBase64(context.Background(), cfg, server.URL)
	if err != nil {
		t.Fatalf("DownloadBase64: %v", err)
	}
	if b64 != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("unexpected payload %q", b64)
	}

	if _, err := r.DownloadBase64(context.Background(), cfg, ""); err == nil {
		t.Error("expected an error for an empty url")
	}
}
