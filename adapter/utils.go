package adapter

import (
	"strings"
)

// Base64 magic prefixes for the supported image formats.
const (
	magicPNG  = "iVBORw"
	magicJPEG = "/9j/"
	magicWEBP = "UklGR"
	magicGIF  = "R0lGOD"
)

// SniffImageMIME guesses the MIME type of a base64 payload from its
// magic prefix, defaulting to JPEG.
func SniffImageMIME(b64 string) string {
	switch {
	case strings.HasPrefix(b64, magicPNG):
		return "image/png"
	case strings.HasPrefix(b64, magicWEBP):
		return "image/webp"
	case strings.HasPrefix(b64, magicGIF):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// IsBase64Image reports whether the payload starts with a known image
// magic prefix.
func IsBase64Image(b64 string) bool {
	return strings.HasPrefix(b64, magicPNG) ||
		strings.HasPrefix(b64, magicJPEG) ||
		strings.HasPrefix(b64, magicWEBP) ||
		strings.HasPrefix(b64, magicGIF)
}

// BuildDataURI wraps a bare base64 payload in a data URI, sniffing the
// MIME type from the payload.
func BuildDataURI(b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	return "data:" + SniffImageMIME(b64) + ";base64," + b64
}

// StripDataURI removes a data:image/...;base64, prefix, returning the
// bare payload unchanged when no prefix is present.
func StripDataURI(payload string) string {
	if !strings.HasPrefix(payload, "data:") {
		return payload
	}
	if idx := strings.Index(payload, "base64,"); idx >= 0 {
		return payload[idx+len("base64,"):]
	}
	return payload
}

// maxPromptLength caps prompts before they reach any provider.
const maxPromptLength = 1000

// TruncatePrompt enforces the provider-side prompt length cap.
func TruncatePrompt(prompt string) string {
	if len(prompt) <= maxPromptLength {
		return prompt
	}
	return prompt[:maxPromptLength]
}
