package security

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pddg/liveupdate/internal/errdefs"
)

type SignatureAlgorithm string

const (
	Ed25519   SignatureAlgorithm = "ed25519"
	RSASHA256 SignatureAlgorithm = "rsa-sha256"
)

// ParsePublicKey accepts a PEM encoded PKIX key, or for ed25519 the raw
// 32 byte key in base64 or hex.
func ParsePublicKey(key string, algorithm SignatureAlgorithm) (crypto.PublicKey, error) {
	key = strings.TrimSpace(key)
	var pub crypto.PublicKey
	if block, _ := pem.Decode([]byte(key)); block != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("security.ParsePublicKey: %w: %w", errdefs.ErrConfig, err)
		}
		pub = parsed
	} else {
		raw, err := decodeBinary(key)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("security.ParsePublicKey: %w: unrecognized key encoding", errdefs.ErrConfig)
		}
		pub = ed25519.PublicKey(raw)
	}
	switch algorithm {
	case Ed25519:
		if _, ok := pub.(ed25519.PublicKey); !ok {
			return nil, fmt.Errorf("security.ParsePublicKey: %w: key is not ed25519", errdefs.ErrConfig)
		}
	case RSASHA256:
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("security.ParsePublicKey: %w: key is not rsa", errdefs.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("security.ParsePublicKey: %w: unsupported algorithm %q", errdefs.ErrConfig, algorithm)
	}
	return pub, nil
}

// VerifySignature checks a detached signature over the bytes of r.
// The signature is base64 or hex encoded. An empty signature is accepted
// only when signatures are not required and no key is configured.
func (v *Validator) VerifySignature(r io.Reader, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		if v.requireSignature {
			return fmt.Errorf("security.Validator.VerifySignature: %w: bundle is not signed", errdefs.ErrSignature)
		}
		return nil
	}
	if v.publicKey == nil {
		if v.requireSignature {
			return fmt.Errorf("security.Validator.VerifySignature: %w: no public key", errdefs.ErrSignature)
		}
		// Nothing to verify against.
		return nil
	}
	sig, err := decodeBinary(signature)
	if err != nil {
		return fmt.Errorf("security.Validator.VerifySignature: %w: malformed signature", errdefs.ErrSignature)
	}
	switch pub := v.publicKey.(type) {
	case ed25519.PublicKey:
		msg, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("security.Validator.VerifySignature: %w: %w", errdefs.ErrStorage, err)
		}
		if !ed25519.Verify(pub, msg, sig) {
			return fmt.Errorf("security.Validator.VerifySignature: %w", errdefs.ErrSignature)
		}
	case *rsa.PublicKey:
		h := sha256.New()
		if _, err := io.Copy(h, r); err != nil {
			return fmt.Errorf("security.Validator.VerifySignature: %w: %w", errdefs.ErrStorage, err)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h.Sum(nil), sig); err != nil {
			return fmt.Errorf("security.Validator.VerifySignature: %w: %w", errdefs.ErrSignature, err)
		}
	default:
		return fmt.Errorf("security.Validator.VerifySignature: %w: unsupported key type %T", errdefs.ErrSignature, pub)
	}
	return nil
}

var hexPattern = regexp.MustCompile(`^(?:[0-9a-fA-F]{2})+$`)

// decodeBinary decodes hex when s looks like hex, base64 otherwise.
func decodeBinary(s string) ([]byte, error) {
	if hexPattern.MatchString(s) {
		return hex.DecodeString(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
