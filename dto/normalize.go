package dto

// ExtractImagePayload pulls an image payload (URL or base64 string)
// out of an arbitrary decoded provider response. Strings pass through
// unchanged; maps are probed for the common field shapes in priority
// order: top-level url, image, b64_json, then data[0] (where b64_json
// wins over url), then output.image_url and output.images[0]. The
// second return is false when nothing usable was found, which callers
// treat as an unparseable response rather than a failed one.
func ExtractImagePayload(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		if v != "" {
			return v, true
		}
	case map[string]interface{}:
		for _, key := range []string{"url", "image", "b64_json"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s, true
			}
		}
		if list, ok := v["data"].([]interface{}); ok && len(list) > 0 {
			if entry, ok := list[0].(map[string]interface{}); ok {
				for _, key := range []string{"b64_json", "url", "image"} {
					if s, ok := entry[key].(string); ok && s != "" {
						return s, true
					}
				}
			}
		}
		if output, ok := v["output"].(map[string]interface{}); ok {
			if s, ok := output["image_url"].(string); ok && s != "" {
				return s, true
			}
			if images, ok := output["images"].([]interface{}); ok && len(images) > 0 {
				if s, ok := images[0].(string); ok && s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}
