package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"

	"github.com/convene-space/convene/internal/platform/timeouts"
	"github.com/convene-space/convene/internal/services/federation/keys"
)

// ErrMissingSignature indicates the request carried no Signature header.
var ErrMissingSignature = errors.New("missing signature header")

// ErrMalformedSignature indicates the Signature header could not be parsed.
var ErrMalformedSignature = errors.New("malformed signature header")

// ErrActorUnreachable indicates the signer's key document could not be
// fetched. Callers should treat this as a transient upstream fault, not as
// proof of a bad signature.
var ErrActorUnreachable = errors.New("signing actor unreachable")

// ErrSignatureInvalid indicates the signature did not verify against the
// signer's published key.
var ErrSignatureInvalid = errors.New("signature invalid")

// SignerFetcher dereferences a keyId from a Signature header to the
// signing actor and its RSA public key. Both come from one fetch so a
// verified delivery never costs a second round trip to learn the sender.
type SignerFetcher interface {
	FetchSigner(ctx context.Context, keyID string) (RemoteSigner, error)
}

// signatureParams is the parsed content of a Signature header.
type signatureParams struct {
	keyID     string
	headers   []string
	signature []byte
}

// parseSignatureHeader splits a Signature header into its quoted key=value
// pairs. Commas inside quoted values are preserved.
func parseSignatureHeader(value string) (signatureParams, error) {
	var params signatureParams
	var sawSignature bool
	for _, part := range splitQuoted(value) {
		name, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return signatureParams{}, fmt.Errorf("%w: missing '=' in %q", ErrMalformedSignature, part)
		}
		val := strings.Trim(raw, `"`)
		switch strings.ToLower(name) {
		case "keyid":
			params.keyID = val
		case "headers":
			params.headers = strings.Fields(strings.ToLower(val))
		case "signature":
			decoded, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return signatureParams{}, fmt.Errorf("%w: bad signature encoding", ErrMalformedSignature)
			}
			params.signature = decoded
			sawSignature = true
		}
	}
	if params.keyID == "" || len(params.headers) == 0 || !sawSignature {
		return signatureParams{}, fmt.Errorf("%w: keyId, headers, and signature are required", ErrMalformedSignature)
	}
	return params, nil
}

// splitQuoted splits on commas that are not inside double quotes.
func splitQuoted(s string) []string {
	var parts []string
	var start int
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Verifier checks inbound request signatures against keys fetched from the
// signing actor's server.
type Verifier struct {
	fetcher SignerFetcher
	cache   *signerCache
}

// NewVerifier builds a Verifier around the given signer fetcher.
func NewVerifier(fetcher SignerFetcher) *Verifier {
	return &Verifier{
		fetcher: fetcher,
		cache:   newSignerCache(timeouts.KeyCacheTTL, 1024),
	}
}

// Verify checks the request's Signature header against the already-read
// body. It returns the verified signing actor so callers can attribute the
// request without another fetch. Parse and crypto faults map to
// ErrSignatureInvalid or ErrMalformedSignature; a failed signer fetch maps
// to ErrActorUnreachable.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (RemoteActor, error) {
	if v == nil || v.fetcher == nil {
		return RemoteActor{}, fmt.Errorf("verifier not initialized")
	}
	ctx, span := otel.Tracer("convene/federation/httpsig").Start(ctx, "inbox.verify")
	defer span.End()

	header := r.Header.Get("Signature")
	if header == "" {
		return RemoteActor{}, ErrMissingSignature
	}
	params, err := parseSignatureHeader(header)
	if err != nil {
		return RemoteActor{}, err
	}

	signer, cached := v.cache.get(params.keyID)
	if !cached {
		signer, err = v.fetcher.FetchSigner(ctx, params.keyID)
		if err != nil {
			return RemoteActor{}, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
		}
		v.cache.put(params.keyID, signer)
	}

	headers := r.Header.Clone()
	if headers.Get("Host") == "" && r.Host != "" {
		headers.Set("Host", r.Host)
	}
	signingString := BuildSigningString(r.Method, r.URL.RequestURI(), params.headers, headers)
	digest := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(signer.Key, crypto.SHA256, digest[:], params.signature); err != nil {
		return RemoteActor{}, ErrSignatureInvalid
	}

	if wantsDigest(params.headers) {
		if r.Header.Get("Digest") != Digest(body) {
			return RemoteActor{}, ErrSignatureInvalid
		}
	}
	return signer.Actor, nil
}

func wantsDigest(headerNames []string) bool {
	for _, name := range headerNames {
		if name == "digest" {
			return true
		}
	}
	return false
}

// RemoteActor is the slice of a remote actor document the inbox needs: who
// the actor is and where to deliver responses.
type RemoteActor struct {
	ID    string `json:"id"`
	Inbox string `json:"inbox"`
}

// RemoteSigner is the resolved identity behind a keyId: the signing actor
// and the key its requests verify against.
type RemoteSigner struct {
	Actor RemoteActor
	Key   *rsa.PublicKey
}

// remoteActorDocument is the subset of a remote actor document needed to
// resolve a signer. The key PEM may sit at the top level or inside an
// embedded publicKey object.
type remoteActorDocument struct {
	ID           string                  `json:"id"`
	Inbox        string                  `json:"inbox"`
	PublicKeyPEM string                  `json:"publicKeyPem"`
	PublicKey    *keys.PublicKeyDocument `json:"publicKey"`
}

// RestyFetcher resolves remote signers over HTTP with activity+json
// content negotiation.
type RestyFetcher struct {
	client *resty.Client
}

// NewRestyFetcher builds a signer fetcher with a bounded request timeout.
func NewRestyFetcher() *RestyFetcher {
	client := resty.New().
		SetTimeout(timeouts.KeyFetch).
		SetHeader("Accept", "application/activity+json").
		SetHeader("User-Agent", "convene-federation")
	return &RestyFetcher{client: client}
}

// FetchSigner dereferences a keyId URL and parses the signing actor's
// identity and published RSA key out of the one returned document. The
// URL fragment is stripped before fetching; the fragment addresses the key
// inside the document, not a separate resource.
func (f *RestyFetcher) FetchSigner(ctx context.Context, keyID string) (RemoteSigner, error) {
	url := keyID
	if i := strings.Index(url, "#"); i >= 0 {
		url = url[:i]
	}

	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return RemoteSigner{}, fmt.Errorf("fetch actor document: %w", err)
	}
	if resp.IsError() {
		return RemoteSigner{}, fmt.Errorf("fetch actor document: status %d", resp.StatusCode())
	}

	var doc remoteActorDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		return RemoteSigner{}, fmt.Errorf("parse actor document: %w", err)
	}
	pem := doc.PublicKeyPEM
	if pem == "" && doc.PublicKey != nil {
		pem = doc.PublicKey.PublicKeyPEM
	}
	if pem == "" {
		return RemoteSigner{}, errors.New("actor document has no publicKeyPem")
	}
	key, err := keys.ParseRSAPublicKey(pem)
	if err != nil {
		return RemoteSigner{}, fmt.Errorf("parse public key: %w", err)
	}
	if doc.ID == "" {
		return RemoteSigner{}, errors.New("actor document has no id")
	}
	return RemoteSigner{
		Actor: RemoteActor{ID: doc.ID, Inbox: doc.Inbox},
		Key:   key,
	}, nil
}

// SignatureContext carries the per-request values used to sign an outbound
// request.
type SignatureContext struct {
	KeyID  string
	Host   string
	Path   string
	Method string
	Body   []byte
	Date   time.Time
}

// Headers computes the signed header set for an outbound request. The
// returned map includes Date, Host and Digest; the caller signs the
// signing string and sets the Signature header from the result.
func (sc SignatureContext) Headers() http.Header {
	h := http.Header{}
	h.Set("Host", sc.Host)
	h.Set("Date", sc.Date.UTC().Format(http.TimeFormat))
	h.Set("Digest", Digest(sc.Body))
	return h
}

// SigningString returns the canonical string to sign for this request.
func (sc SignatureContext) SigningString() string {
	return BuildSigningString(sc.Method, sc.Path, DefaultSignedHeaders, sc.Headers())
}
