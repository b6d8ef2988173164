// Package httpsig signs outbound requests and verifies inbound ones
// using draft-cavage HTTP signatures with RSA-SHA256.
package httpsig

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/wrenfed/wren/internal/ap"
)

// MaxDateSkew is the accepted difference between the request Date
// header and local time.
const MaxDateSkew = 12 * time.Hour

// SignRequest sets Date, Host and Digest headers and attaches a
// Signature header covering (request-target) host date digest.
func SignRequest(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	headers := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// Verification is the parsed and checked inbound signature.
type Verification struct {
	KeyID   string
	ActorID string // signer actor URL derived from KeyID
}

// ParseSignatureHeader extracts keyId and the signed header list from a
// Signature header value.
func ParseSignatureHeader(header string) (keyID string, headers []string, err error) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch name {
		case "keyId":
			keyID = value
		case "headers":
			headers = strings.Fields(strings.ToLower(value))
		}
	}
	if keyID == "" {
		return "", nil, fmt.Errorf("missing keyId")
	}
	return keyID, headers, nil
}

// Parse extracts and validates the shape of the inbound signature:
// a keyId that resolves to an actor URL, signed headers including at
// minimum (request-target) and host, and (when present) a Date header
// within MaxDateSkew of local time. The cryptographic check happens in
// VerifyRequest once the signer's key is known.
func Parse(req *http.Request) (*Verification, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return nil, fmt.Errorf("%w: missing Signature header", ap.ErrUnauthorized)
	}
	keyID, signed, err := ParseSignatureHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap.ErrUnauthorized, err)
	}

	var hasTarget, hasHost bool
	for _, h := range signed {
		switch h {
		case "(request-target)":
			hasTarget = true
		case "host":
			hasHost = true
		}
	}
	if !hasTarget || !hasHost {
		return nil, fmt.Errorf("%w: signature must cover (request-target) and host", ap.ErrUnauthorized)
	}

	if date := req.Header.Get("Date"); date != "" {
		t, err := http.ParseTime(date)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed Date header", ap.ErrUnauthorized)
		}
		if skew := time.Since(t); skew > MaxDateSkew || skew < -MaxDateSkew {
			return nil, fmt.Errorf("%w: Date header outside accepted window", ap.ErrUnauthorized)
		}
	}

	return &Verification{
		KeyID:   keyID,
		ActorID: ap.ActorIDFromKeyID(keyID),
	}, nil
}

// VerifyRequest checks the signature against the signer's public key.
func VerifyRequest(req *http.Request, pub *rsa.PublicKey) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ap.ErrUnauthorized, err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: signature verification failed", ap.ErrUnauthorized)
	}
	return nil
}
