// Package ingress resolves source images from the host chat context.
package ingress

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/dto"
)

// Source abstracts the chat platform's image access. Implementations
// live in the host; this package only defines the resolution order.
type Source interface {
	// CurrentImage returns the base64 image attached to the triggering
	// message, or empty when there is none.
	CurrentImage(ctx context.Context) (string, error)

	// RepliedImage returns the image carried by the message the
	// trigger replies to, or empty.
	RepliedImage(ctx context.Context) (string, error)

	// RecentImages returns up to n images from recent history, newest
	// first.
	RecentImages(ctx context.Context, n int) ([]string, error)
}

// Fetcher loads one image by path or URL and returns base64.
type Fetcher func(ctx context.Context, ref string) (string, error)

const (
	defaultRecentLimit  = 5
	failedTTL           = 5 * time.Minute
	failedSweepInterval = 10 * time.Minute
)

// errProbeHit aborts the probe group as soon as one fetch succeeds.
var errProbeHit = errors.New("probe hit")

// Resolver finds a usable source image, remembering refs that failed
// recently so repeated triggers do not re-probe dead paths.
type Resolver struct {
	failed      *gocache.Cache
	logger      *zap.Logger
	recentLimit int
}

// NewResolver creates a resolver with the default negative-cache TTL.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		failed:      gocache.New(failedTTL, failedSweepInterval),
		logger:      logger,
		recentLimit: defaultRecentLimit,
	}
}

// Resolve returns the source image for an edit request, in priority
// order: the current message, the replied-to message, then recent
// history. The result is bare base64 with any data URI prefix removed.
func (r *Resolver) Resolve(ctx context.Context, source Source) (string, error) {
	if source == nil {
		return "", dto.NewAPIError(dto.KindPrecondition, "", "no image source available")
	}

	if img, err := r.probe(ctx, source.CurrentImage); err == nil && img != "" {
		return img, nil
	}
	if img, err := r.probe(ctx, source.RepliedImage); err == nil && img != "" {
		return img, nil
	}

	recent, err := source.RecentImages(ctx, r.recentLimit)
	if err != nil {
		r.logger.Debug("recent image lookup failed", zap.Error(err))
	}
	for _, img := range recent {
		if img != "" {
			return normalize(img)
		}
	}

	return "", dto.NewAPIError(dto.KindPrecondition, "", "no source image found")
}

func (r *Resolver) probe(ctx context.Context, lookup func(context.Context) (string, error)) (string, error) {
	img, err := lookup(ctx)
	if err != nil {
		r.logger.Debug("image lookup failed", zap.Error(err))
		return "", err
	}
	if img == "" {
		return "", nil
	}
	return normalize(img)
}

// ProbeFirst fetches the given refs concurrently and returns the first
// image that loads. Refs that failed within the negative-cache TTL are
// skipped; refs that fail now are recorded. A single miss never fails
// the probe, only all of them missing does.
func (r *Resolver) ProbeFirst(ctx context.Context, refs []string, fetch Fetcher) (string, error) {
	candidates := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, recentlyFailed := r.failed.Get(ref); recentlyFailed {
			continue
		}
		candidates = append(candidates, ref)
	}
	if len(candidates) == 0 {
		return "", dto.NewAPIError(dto.KindPrecondition, "", "no image candidates to probe")
	}

	var mu sync.Mutex
	var found string

	group, probeCtx := errgroup.WithContext(ctx)
	for _, ref := range candidates {
		ref := ref
		group.Go(func() error {
			img, err := fetch(probeCtx, ref)
			if err != nil {
				if probeCtx.Err() == nil {
					r.MarkFailed(ref)
					r.logger.Debug("image probe failed", zap.String("ref", ref), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			if found == "" {
				found = img
			}
			mu.Unlock()
			// Returning an error cancels the sibling fetches.
			return errProbeHit
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, errProbeHit) {
		return "", dto.NewAPIError(dto.KindTransport, "", err.Error())
	}

	if found == "" {
		return "", dto.NewAPIError(dto.KindPrecondition, "", "no usable image found")
	}
	return normalize(found)
}

// MarkFailed records a ref in the negative cache.
func (r *Resolver) MarkFailed(ref string) {
	r.failed.SetDefault(ref, time.Now())
}

// ClearFailed drops the negative cache, e.g. after a config change.
func (r *Resolver) ClearFailed() {
	r.failed.Flush()
}

// normalize strips a data URI prefix and rejects payloads that are
// clearly not images.
func normalize(img string) (string, error) {
	bare := adapter.StripDataURI(img)
	if bare == "" {
		return "", dto.NewAPIError(dto.KindPrecondition, "", "empty image payload")
	}
	if !adapter.IsBase64Image(bare) {
		return "", dto.NewAPIError(dto.KindPrecondition, "", "payload is not a recognized image")
	}
	return bare, nil
}
