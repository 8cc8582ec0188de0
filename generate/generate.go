// Package generate wires config, adapters, relay and cache into the
// user-facing image generation flow.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/cache"
	"github.com/YspCoder/picrelay/config"
	"github.com/YspCoder/picrelay/dto"
	"github.com/YspCoder/picrelay/relay"
	"github.com/YspCoder/picrelay/sizeutil"
)

// Strength only applies to image-to-image requests; text-to-image
// requests carry no strength at all.
const (
	minStrength     = 0.1
	maxStrength     = 1.0
	defaultStrength = 0.7
)

// Generator is the user-facing entry point for image generation.
type Generator interface {
	// Generate runs one generation end to end. Failures are reported
	// both ways: the returned result carries the user-facing message
	// (truncated, never raw provider dumps) and the error carries the
	// typed cause for programmatic handling.
	Generate(ctx context.Context, modelID string, req *dto.GenerationRequest) (*dto.GenerationResult, error)

	// InvalidateCached drops the cached payload for a request, so a
	// delivery failure downstream does not pin a stale result.
	InvalidateCached(modelID string, req *dto.GenerationRequest)
}

type generator struct {
	cfg       *config.Config
	registry  *adapter.Registry
	relay     *relay.Relay
	cache     *cache.Cache
	overrides *Overrides
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a generator from process config using the default
// adaptor registry.
func New(cfg *config.Config, logger *zap.Logger) (Generator, error) {
	return NewWithRegistry(cfg, logger, adapter.GetDefaultRegistry())
}

// NewWithRegistry builds a generator with an explicit registry.
func NewWithRegistry(cfg *config.Config, logger *zap.Logger, registry *adapter.Registry) (Generator, error) {
	if cfg == nil {
		return nil, dto.NewAPIError(dto.KindConfig, "", "config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = adapter.GetDefaultRegistry()
	}

	client, err := config.HTTPClient(cfg.ProxyURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	r := relay.NewRelay(logger)
	r.Client = client

	return &generator{
		cfg:       cfg,
		registry:  registry,
		relay:     r,
		cache:     cache.New(cfg.CacheSize),
		overrides: NewOverrides(),
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// Overrides exposes the runtime override set for host integration.
func (g *generator) Overrides() *Overrides {
	return g.overrides
}

func (g *generator) Generate(ctx context.Context, modelID string, req *dto.GenerationRequest) (*dto.GenerationResult, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		err := dto.NewAPIError(dto.KindPrecondition, modelID, "prompt is required")
		return dto.FailureResult(err), err
	}

	model, name, err := g.resolveModel(modelID)
	if err != nil {
		return dto.FailureResult(err), err
	}
	// Validation happens before anything touches the network, so a
	// placeholder key configuration costs zero requests.
	if err := model.Validate(name); err != nil {
		return dto.FailureResult(err), err
	}

	prepared, err := g.prepare(model, name, req)
	if err != nil {
		return dto.FailureResult(err), err
	}

	key := cache.Key(prepared.Prompt, name, prepared.Size, prepared.Strength, prepared.Mode())
	if payload, ok := g.cache.Get(key); ok {
		g.logger.Debug("returning cached result", zap.String("model", name))
		return &dto.GenerationResult{Success: true, Payload: payload}, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			apiErr := dto.NewAPIError(dto.KindTimeout, name, "rate limit wait cancelled")
			return dto.FailureResult(apiErr), apiErr
		}
	}

	providerConfig := model.ToProviderConfig(name, g.relay.Client, g.cfg.RequestTimeout)
	adp, err := g.registry.BuildAdaptor(providerConfig.Format, g.logger)
	if err != nil {
		return dto.FailureResult(err), err
	}

	result, err := g.dispatch(ctx, adp, providerConfig, prepared)
	if err != nil {
		return dto.FailureResult(err), err
	}

	payload, err := g.deliverable(ctx, providerConfig, result)
	if err != nil {
		return dto.FailureResult(err), err
	}

	g.cache.Put(key, payload)
	return &dto.GenerationResult{Success: true, Payload: payload}, nil
}

func (g *generator) InvalidateCached(modelID string, req *dto.GenerationRequest) {
	if req == nil {
		return
	}
	model, name, err := g.resolveModel(modelID)
	if err != nil {
		return
	}
	prepared, err := g.prepare(model, name, req)
	if err != nil {
		return
	}
	g.cache.Remove(cache.Key(prepared.Prompt, name, prepared.Size, prepared.Strength, prepared.Mode()))
}

// resolveModel picks the effective model: explicit id, then the
// runtime default override, then the configured default.
func (g *generator) resolveModel(modelID string) (*config.ModelConfig, string, error) {
	name := strings.TrimSpace(modelID)
	if name == "" {
		name = g.overrides.DefaultModel()
	}
	if name == "" {
		name = g.cfg.DefaultModel
	}
	if name == "" {
		return nil, "", dto.NewAPIError(dto.KindConfig, "", "no model configured")
	}

	if m := g.overrides.Model(name); m != nil {
		return m, name, nil
	}
	if m, ok := g.cfg.Models[name]; ok && m != nil {
		return m, name, nil
	}
	return nil, name, dto.NewAPIError(dto.KindConfig, name, "model is not configured")
}

// prepare normalizes the request against the model: size resolution,
// the image-to-image gate and strength clamping.
func (g *generator) prepare(model *config.ModelConfig, name string, req *dto.GenerationRequest) (*dto.GenerationRequest, error) {
	prepared := &dto.GenerationRequest{
		Prompt: req.Prompt,
		Size:   g.resolveSize(model, req.Size),
	}

	if req.SourceImage != "" {
		if !model.SupportImg2Img {
			return nil, dto.NewAPIError(dto.KindPrecondition, name, "model does not support image-to-image")
		}
		prepared.SourceImage = adapter.StripDataURI(req.SourceImage)

		strength := defaultStrength
		if req.Strength != nil {
			strength = *req.Strength
		}
		if strength < minStrength {
			strength = minStrength
		}
		if strength > maxStrength {
			strength = maxStrength
		}
		prepared.Strength = &strength
	}

	return prepared, nil
}

// resolveSize returns the size to request. Fixed-size models always
// use their configured default; otherwise an invalid or empty
// requested size falls back to the default.
func (g *generator) resolveSize(model *config.ModelConfig, requested string) string {
	fallback := model.DefaultSize
	if fallback == "" {
		fallback = "1024x1024"
	}
	if model.FixedSizeEnabled {
		return fallback
	}

	requested = strings.TrimSpace(requested)
	if requested == "" {
		return fallback
	}
	if !sizeutil.ValidateImageSize(requested) {
		g.logger.Warn("unrecognized image size, using default",
			zap.String("requested", requested),
			zap.String("default", fallback))
		return fallback
	}
	return requested
}

// dispatch runs the retry loop: maxRetries+1 attempts with a linear
// backoff, retrying only transient failures. The last failure is
// returned unmodified.
func (g *generator) dispatch(ctx context.Context, adp adapter.Adaptor, cfg *adapter.ProviderConfig, req *dto.GenerationRequest) (*dto.ImageResult, error) {
	maxRetries := g.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := g.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * delay
			g.logger.Info("retrying generation",
				zap.String("provider", cfg.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, dto.NewAPIError(dto.KindTimeout, cfg.Name, "generation cancelled")
			case <-time.After(wait):
			}
		}

		result, err := g.attempt(ctx, adp, cfg, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !dto.IsRetryable(err) {
			return nil, err
		}
		g.logger.Warn("generation attempt failed",
			zap.String("provider", cfg.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// attempt runs a single relay call, converting panics into provider
// failures so one misbehaving adaptor cannot take down the caller.
func (g *generator) attempt(ctx context.Context, adp adapter.Adaptor, cfg *adapter.ProviderConfig, req *dto.GenerationRequest) (result *dto.ImageResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = dto.NewAPIError(dto.KindProvider, cfg.Name, fmt.Sprintf("generation panicked: %v", rec))
		}
	}()
	return g.relay.Generate(ctx, adp, cfg, req)
}

// deliverable converts an image result into the payload handed to the
// host: base64 when available, otherwise the URL is downloaded and
// encoded. A failed download degrades to delivering the URL itself.
func (g *generator) deliverable(ctx context.Context, cfg *adapter.ProviderConfig, result *dto.ImageResult) (string, error) {
	if result == nil {
		return "", dto.NewAPIError(dto.KindUnparseable, cfg.Name, "empty generation result")
	}
	if result.B64 != "" {
		return result.B64, nil
	}
	if result.URL == "" {
		return "", dto.NewAPIError(dto.KindUnparseable, cfg.Name, "no image payload in result")
	}

	b64, err := g.relay.DownloadBase64(ctx, cfg, result.URL)
	if err != nil {
		g.logger.Warn("image download failed, delivering url",
			zap.String("provider", cfg.Name),
			zap.Error(err))
		return result.URL, nil
	}
	return b64, nil
}
