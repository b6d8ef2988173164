// Package proof creates and verifies embedded JSON document proofs:
// JCS (RFC 8785) canonicalization of the object without its proof
// field, an RSASSA-PKCS1-v1.5 SHA-256 signature, and a multibase
// base58btc proofValue.
package proof

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/multiformats/go-multibase"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/keys"
)

// TypeJcsRsa2022 identifies the proof suite emitted by this instance.
const TypeJcsRsa2022 = "JcsRsaSignature2022"

// PurposeAssertion is the only proof purpose accepted on activities.
const PurposeAssertion = "assertionMethod"

// Proof is the embedded proof object.
type Proof struct {
	Type               string `json:"type"`
	ProofPurpose       string `json:"proofPurpose"`
	VerificationMethod string `json:"verificationMethod"`
	Created            string `json:"created,omitempty"`
	ProofValue         string `json:"proofValue"`
}

// Canonicalize returns the JCS form of a JSON document with any proof
// field removed.
func Canonicalize(document []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(document, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	delete(m, "proof")
	stripped, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// Create signs a JSON document and returns the proof to embed in it.
// verificationMethod is the signer's key ID.
func Create(document []byte, key *rsa.PrivateKey, verificationMethod string) (*Proof, error) {
	canonical, err := Canonicalize(document)
	if err != nil {
		return nil, err
	}
	sig, err := keys.Sign(key, canonical)
	if err != nil {
		return nil, err
	}
	value, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, fmt.Errorf("encode proof value: %w", err)
	}
	return &Proof{
		Type:               TypeJcsRsa2022,
		ProofPurpose:       PurposeAssertion,
		VerificationMethod: verificationMethod,
		Created:            time.Now().UTC().Format(time.RFC3339),
		ProofValue:         value,
	}, nil
}

// Attach embeds a proof into a raw JSON document and returns the
// signed document bytes.
func Attach(document []byte, p *Proof) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(document, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	m["proof"] = raw
	return json.Marshal(m)
}

// Verify checks an embedded proof against the signer's public key.
// The document must be the full signed JSON including the proof field.
func Verify(document []byte, p *Proof, pub *rsa.PublicKey) error {
	if p.Type != TypeJcsRsa2022 && p.Type != "DataIntegrityProof" {
		return fmt.Errorf("%w: unsupported proof type %q", ap.ErrUnauthorized, p.Type)
	}
	if p.ProofPurpose != PurposeAssertion {
		return fmt.Errorf("%w: unsupported proof purpose %q", ap.ErrUnauthorized, p.ProofPurpose)
	}
	_, sig, err := multibase.Decode(p.ProofValue)
	if err != nil {
		return fmt.Errorf("%w: malformed proof value", ap.ErrUnauthorized)
	}
	canonical, err := Canonicalize(document)
	if err != nil {
		return err
	}
	if err := keys.Verify(pub, canonical, sig); err != nil {
		return fmt.Errorf("%w: proof verification failed", ap.ErrUnauthorized)
	}
	return nil
}

// ParseRaw decodes a raw proof field from an activity.
func ParseRaw(raw json.RawMessage) (*Proof, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if p.ProofValue == "" || p.VerificationMethod == "" {
		return nil, fmt.Errorf("%w: incomplete proof", ap.ErrUnauthorized)
	}
	return &p, nil
}
