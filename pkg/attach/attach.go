// Package attach handles inline attachment markers. An uploaded binary
// resource returns a public locator which is stored inside message content
// behind a marker token; rendering extracts it and directory previews
// redact it to a human-readable placeholder.
package attach

import "strings"

const (
	markerOpen  = "[img]"
	markerClose = "[/img]"

	// Placeholder replaces a raw locator in any user-facing preview. This
	// is a privacy/readability rule, not an optimization.
	Placeholder = "\U0001F4F7 Image"
)

// WrapImage embeds a resource locator in message content.
func WrapImage(locator string) string {
	return markerOpen + locator + markerClose
}

// ExtractImage returns the first embedded locator and whether one exists.
func ExtractImage(content string) (string, bool) {
	start := strings.Index(content, markerOpen)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(markerOpen):]
	end := strings.Index(rest, markerClose)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// HasImage reports whether content carries an attachment marker.
func HasImage(content string) bool {
	_, ok := ExtractImage(content)
	return ok
}

// Redact replaces every embedded marker with the placeholder so previews
// never show a raw resource locator.
func Redact(content string) string {
	out := content
	for {
		start := strings.Index(out, markerOpen)
		if start < 0 {
			return out
		}
		rest := out[start+len(markerOpen):]
		end := strings.Index(rest, markerClose)
		if end < 0 {
			return out
		}
		out = out[:start] + Placeholder + rest[end+len(markerClose):]
	}
}
