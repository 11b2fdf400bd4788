// Package signing produces detached HTTP message signatures so the payment
// network can authenticate the engine's requests.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/paybot/openpay/types"
)

const algorithm = "ed25519"

// SignedHeaders are the headers to attach to an outbound request.
type SignedHeaders struct {
	SignatureInput string
	Signature      string
	// ContentDigest is set only when the request carries a body.
	ContentDigest string
}

// Signer signs outbound requests with an identity's Ed25519 key.
type Signer struct {
	// Now is the clock used for the created timestamp. Overridable in tests.
	Now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{Now: time.Now}
}

// SignatureBase builds the canonical string to sign: one `"component": value`
// line per covered component, newline-joined with no trailing newline. The
// base is byte-identical for identical inputs.
func SignatureBase(method, targetURI string, body []byte) (base string, components []string, err error) {
	u, err := url.Parse(targetURI)
	if err != nil || u.Host == "" {
		return "", nil, fmt.Errorf("invalid target uri %q", targetURI)
	}

	lines := []string{
		fmt.Sprintf("%q: %s", "@method", strings.ToUpper(method)),
		fmt.Sprintf("%q: %s", "@target-uri", targetURI),
	}
	components = []string{"@method", "@target-uri"}

	if len(body) > 0 {
		digest := sha256.Sum256(body)
		lines = append(lines, fmt.Sprintf("%q: sha-256=:%s:", "content-digest",
			base64.StdEncoding.EncodeToString(digest[:])))
		components = append(components, "content-digest")
	}

	lines = append(lines, fmt.Sprintf("%q: %s", "@authority", u.Host))
	components = append(components, "@authority")

	return strings.Join(lines, "\n"), components, nil
}

// Sign produces the signature headers for one request. A malformed or absent
// private key fails with a SigningError; callers treat that as fatal.
func (s *Signer) Sign(identity types.SigningIdentity, method, targetURI string, body []byte) (*SignedHeaders, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return nil, types.NewSigningError(
			fmt.Errorf("identity %s has no usable private key", identity.Account))
	}

	base, components, err := SignatureBase(method, targetURI, body)
	if err != nil {
		return nil, types.NewSigningError(err)
	}

	sig := ed25519.Sign(identity.PrivateKey, []byte(base))

	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	headers := &SignedHeaders{
		SignatureInput: fmt.Sprintf("sig1=(%s);created=%d;keyid=%q;alg=%q",
			strings.Join(quoted, " "), s.Now().Unix(), identity.KeyID, algorithm),
		Signature: fmt.Sprintf("sig1=:%s:", base64.StdEncoding.EncodeToString(sig)),
	}

	if len(body) > 0 {
		digest := sha256.Sum256(body)
		headers.ContentDigest = fmt.Sprintf("sha-256=:%s:", base64.StdEncoding.EncodeToString(digest[:]))
	}

	return headers, nil
}

// Apply sets the signature headers on an outbound request's header map.
func (h *SignedHeaders) Apply(set func(key, value string)) {
	set("Signature-Input", h.SignatureInput)
	set("Signature", h.Signature)
	if h.ContentDigest != "" {
		set("Content-Digest", h.ContentDigest)
	}
}

// LoadPrivateKey decodes base64-encoded Ed25519 key material: a 32-byte seed,
// a 64-byte private key, or a PKCS#8 DER document.
func LoadPrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, types.NewSigningError(fmt.Errorf("private key is not valid base64: %w", err))
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, types.NewSigningError(fmt.Errorf("unrecognized private key material: %w", err))
	}

	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, types.NewSigningError(fmt.Errorf("private key is not an Ed25519 key"))
	}
	return key, nil
}

// PublicKeyJWK renders the identity's public key as the JWK sent with grant
// requests.
func PublicKeyJWK(identity types.SigningIdentity) (types.JWK, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return types.JWK{}, types.NewSigningError(
			fmt.Errorf("identity %s has no usable private key", identity.Account))
	}

	pub := identity.PrivateKey.Public().(ed25519.PublicKey)
	return types.JWK{
		Kid: identity.KeyID,
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}, nil
}
