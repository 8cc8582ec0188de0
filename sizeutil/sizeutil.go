// Package sizeutil provides image size parsing, validation and
// conversion shared by the provider adaptors. Providers accept
// fundamentally incompatible size vocabularies (pixel dimensions,
// named aspect ratios, aspect+resolution tiers), so a request must be
// translatable between them without losing more of the user's intent
// than "closest available".
package sizeutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Orientation labels returned by PixelToOrientation.
const (
	OrientationSquare    = "square"
	OrientationPortrait  = "portrait"
	OrientationLandscape = "landscape"
)

// resolution tiers accepted by the aspect+resolution grammar.
var resolutionTiers = map[string]bool{"1K": true, "2K": true, "4K": true}

// aspectRatio pairs an exact ratio with its canonical string form.
type aspectRatio struct {
	w, h int
	name string
}

// defaultAspectRatios is the table of common ratios used to degrade
// unsupported exact ratios to provider-supported ones.
var defaultAspectRatios = []aspectRatio{
	{1, 1, "1:1"},
	{16, 9, "16:9"},
	{9, 16, "9:16"},
	{4, 3, "4:3"},
	{3, 4, "3:4"},
	{3, 2, "3:2"},
	{2, 3, "2:3"},
	{4, 5, "4:5"},
	{5, 4, "5:4"},
	{21, 9, "21:9"},
}

// ParsePixelSize parses "WxH", "WXH" or "W*H". Any malformed,
// non-numeric or non-positive input yields the supplied defaults.
func ParsePixelSize(size string, defaultWidth, defaultHeight int) (int, int) {
	s := strings.ToLower(strings.TrimSpace(size))
	if s == "" {
		return defaultWidth, defaultHeight
	}
	for _, sep := range []string{"x", "*"} {
		if !strings.Contains(s, sep) {
			continue
		}
		parts := strings.SplitN(s, sep, 2)
		if len(parts) != 2 {
			continue
		}
		width, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
		height, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errW == nil && errH == nil && width > 0 && height > 0 {
			return width, height
		}
	}
	return defaultWidth, defaultHeight
}

// ValidateImageSize accepts four mutually exclusive grammars:
// resolution-only "-2K", aspect+resolution "16:9-2K", bare aspect
// "16:9", and pixel "WxH" with both dimensions in [64, 4096].
func ValidateImageSize(size string) bool {
	s := strings.TrimSpace(size)
	if s == "" {
		return false
	}

	if strings.HasPrefix(s, "-") {
		tier := strings.ToUpper(strings.TrimSpace(s[1:]))
		return resolutionTiers[tier]
	}

	if strings.Contains(s, "-") && strings.Contains(s, ":") {
		parts := strings.SplitN(s, "-", 2)
		if !validAspect(parts[0]) {
			return false
		}
		tier := strings.ToUpper(strings.TrimSpace(parts[1]))
		return resolutionTiers[tier]
	}

	if strings.Contains(s, ":") && !strings.Contains(strings.ToLower(s), "x") {
		return validAspect(s)
	}

	if strings.Contains(strings.ToLower(s), "x") || strings.Contains(s, "*") {
		width, height := ParsePixelSize(s, 0, 0)
		return width >= 64 && width <= 4096 && height >= 64 && height <= 4096
	}

	return false
}

func validAspect(aspect string) bool {
	parts := strings.SplitN(strings.TrimSpace(aspect), ":", 2)
	if len(parts) != 2 {
		return false
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	return errW == nil && errH == nil && w > 0 && h > 0
}

// PixelToAspectRatio reduces pixel dimensions to the simplest ratio.
func PixelToAspectRatio(width, height int) (int, int) {
	if width <= 0 || height <= 0 {
		return 1, 1
	}
	d := gcd(width, height)
	return width / d, height / d
}

// PixelToOrientation classifies dimensions as square, portrait or
// landscape.
func PixelToOrientation(width, height int) string {
	switch {
	case width > height:
		return OrientationLandscape
	case height > width:
		return OrientationPortrait
	default:
		return OrientationSquare
	}
}

// FindClosestAspectRatio returns the supported ratio nearest to
// width/height by absolute ratio difference. Exact matches win.
func FindClosestAspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}

	aspectW, aspectH := PixelToAspectRatio(width, height)
	for _, r := range defaultAspectRatios {
		if r.w == aspectW && r.h == aspectH {
			return r.name
		}
	}

	target := float64(width) / float64(height)
	closest := "1:1"
	minDiff := math.Inf(1)
	for _, r := range defaultAspectRatios {
		diff := math.Abs(float64(r.w)/float64(r.h) - target)
		if diff < minDiff {
			minDiff = diff
			closest = r.name
		}
	}
	return closest
}

// GeminiImageConfig is the generationConfig.imageConfig payload derived
// from a size string.
type GeminiImageConfig struct {
	AspectRatio string `json:"aspectRatio"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// GeminiConfigWarning describes a lossy conversion applied while
// mapping a size string to a Gemini image config.
type GeminiConfigWarning struct {
	Reason string
}

// ResolveGeminiImageConfig maps a size string onto Gemini's imageConfig
// grammar: "16:9" sets the aspect ratio, "16:9-2K" additionally sets
// the image size tier — honored only by the gemini-3 model family —
// and pixel notation falls back to "1:1" because Gemini rejects pixel
// sizes. The returned warning is non-nil whenever the mapping dropped
// part of the caller's intent.
func ResolveGeminiImageConfig(size, model string) (*GeminiImageConfig, *GeminiConfigWarning) {
	s := strings.TrimSpace(size)
	if s == "" {
		return nil, nil
	}

	if strings.Contains(strings.ToLower(s), "x") || strings.Contains(s, "*") {
		return &GeminiImageConfig{AspectRatio: "1:1"}, &GeminiConfigWarning{
			Reason: fmt.Sprintf("pixel size %q not supported, falling back to 1:1", s),
		}
	}

	aspect := s
	tier := ""
	if strings.Contains(s, "-") {
		parts := strings.SplitN(s, "-", 2)
		aspect = strings.TrimSpace(parts[0])
		tier = strings.ToUpper(strings.TrimSpace(parts[1]))
	}
	if aspect == "" || !validAspect(aspect) {
		return &GeminiImageConfig{AspectRatio: "1:1"}, &GeminiConfigWarning{
			Reason: fmt.Sprintf("unrecognized size %q, falling back to 1:1", s),
		}
	}

	cfg := &GeminiImageConfig{AspectRatio: aspect}
	if tier == "" {
		return cfg, nil
	}
	if !resolutionTiers[tier] {
		return cfg, &GeminiConfigWarning{
			Reason: fmt.Sprintf("unknown resolution tier %q dropped", tier),
		}
	}
	if !strings.Contains(strings.ToLower(model), "gemini-3") {
		return cfg, &GeminiConfigWarning{
			Reason: fmt.Sprintf("imageSize %q requires the gemini-3 family, dropped for model %q", tier, model),
		}
	}
	cfg.ImageSize = tier
	return cfg, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
