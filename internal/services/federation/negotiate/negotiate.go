// Package negotiate decides which representation of an actor resource an
// inbound request prefers: the machine-readable ActivityPub document or the
// human-readable page.
package negotiate

import (
	"mime"
	"strconv"
	"strings"
)

// Accepted federation media types.
const (
	MediaTypeActivityJSON = "application/activity+json"
	mediaTypeLDJSON       = "application/ld+json"
)

// WantsFederatedRepresentation reports whether an Accept header prefers the
// ActivityPub representation over the HTML page.
//
// The answer is true iff a federation media type appears at a quality rank
// at or above the best HTML-acceptable type, or no HTML-acceptable type is
// present at all. The function never mutates its input and has no side
// effects; callers use it purely to pick a response branch.
func WantsFederatedRepresentation(acceptHeader string) bool {
	federatedQ := -1.0
	htmlQ := -1.0

	for _, part := range strings.Split(acceptHeader, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mediaType, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		q := parseQuality(params["q"])
		if q <= 0 {
			continue
		}

		switch {
		case isFederatedType(mediaType):
			if q > federatedQ {
				federatedQ = q
			}
		case isHTMLAcceptableType(mediaType):
			if q > htmlQ {
				htmlQ = q
			}
		}
	}

	if federatedQ >= 0 {
		return htmlQ < 0 || federatedQ >= htmlQ
	}
	// No federation type asked for: machine clients that accept anything
	// textual still get the page; only a list with no HTML-acceptable entry
	// falls through to the federated branch.
	return htmlQ < 0 && strings.TrimSpace(acceptHeader) != ""
}

func isFederatedType(mediaType string) bool {
	return mediaType == MediaTypeActivityJSON || mediaType == mediaTypeLDJSON
}

func isHTMLAcceptableType(mediaType string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/*", "*/*":
		return true
	}
	return false
}

func parseQuality(raw string) float64 {
	if raw == "" {
		return 1.0
	}
	q, err := strconv.ParseFloat(raw, 64)
	if err != nil || q < 0 || q > 1 {
		return 1.0
	}
	return q
}
