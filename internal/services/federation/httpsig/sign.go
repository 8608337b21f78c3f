// Package httpsig implements draft-cavage HTTP message signatures as spoken
// by Mastodon-compatible ActivityPub servers: a canonical string is built
// from selected request headers and the request line, signed with the
// sender's RSA key, and carried in the Signature header.
package httpsig

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// RequestTarget is the pseudo-header naming the request line in a signed
// header list.
const RequestTarget = "(request-target)"

// DefaultSignedHeaders is the header list this service signs on outbound
// requests. Host and Date bind the signature to one destination and time
// window; Digest binds it to the body.
var DefaultSignedHeaders = []string{RequestTarget, "host", "date", "digest"}

// BuildSigningString reconstructs the canonical string covered by a
// signature. Header names are emitted lowercase in the given order; the
// request-target pseudo-header expands to the lowercased method and the
// path. The result must match the sender's construction byte for byte.
func BuildSigningString(method string, path string, headerNames []string, headers http.Header) string {
	lines := make([]string, 0, len(headerNames))
	for _, name := range headerNames {
		lower := strings.ToLower(strings.TrimSpace(name))
		if lower == RequestTarget {
			lines = append(lines, fmt.Sprintf("%s: %s %s", RequestTarget, strings.ToLower(method), path))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", lower, headers.Get(lower)))
	}
	return strings.Join(lines, "\n")
}

// BuildSignatureHeader renders the Signature header value for a signed
// request.
func BuildSignatureHeader(keyID string, headerNames []string, signature []byte) string {
	return fmt.Sprintf(
		`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID,
		strings.Join(headerNames, " "),
		base64.StdEncoding.EncodeToString(signature),
	)
}

// Digest returns the SHA-256 digest header value for a request body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}
