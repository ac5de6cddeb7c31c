// Package security holds the integrity and policy checks applied to bundles.
//
// Every check returns nil on success or an error wrapping one of the errdefs
// sentinels. The checks are independent; callers run all that apply.
package security

import (
	"crypto"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/pddg/liveupdate/internal/errdefs"
)

type Validator struct {
	allowedHosts     []string
	publicKey        crypto.PublicKey
	algorithm        SignatureAlgorithm
	requireSignature bool
}

// NewValidator builds a Validator. It fails when the configured public key cannot be parsed.
func NewValidator(opts ...ValidatorOption) (*Validator, error) {
	v := &Validator{
		algorithm: Ed25519,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("security.NewValidator: %w", err)
		}
	}
	if v.requireSignature && v.publicKey == nil {
		return nil, fmt.Errorf("security.NewValidator: signature required but no public key: %w", errdefs.ErrConfig)
	}
	return v, nil
}

// RequireSignature reports whether bundles without a valid signature are rejected.
func (v *Validator) RequireSignature() bool {
	return v.requireSignature
}

// ValidateURL rejects malformed URLs, URLs without a host, non-https schemes when
// enforceHTTPS is set, and hosts outside the allowlist when one is configured.
func (v *Validator) ValidateURL(raw string, enforceHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("security.Validator.ValidateURL: %w: %w", errdefs.ErrInsecureURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if enforceHTTPS {
			return fmt.Errorf("security.Validator.ValidateURL: %w: %s is not https", errdefs.ErrInsecureURL, u.Redacted())
		}
	default:
		return fmt.Errorf("security.Validator.ValidateURL: %w: unsupported scheme %q", errdefs.ErrInsecureURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("security.Validator.ValidateURL: %w: missing host", errdefs.ErrInsecureURL)
	}
	if u.User != nil {
		return fmt.Errorf("security.Validator.ValidateURL: %w: credentials in url", errdefs.ErrInsecureURL)
	}
	if len(v.allowedHosts) > 0 && !v.hostAllowed(host) {
		return fmt.Errorf("security.Validator.ValidateURL: %w: host %s is not allowed", errdefs.ErrInsecureURL, host)
	}
	return nil
}

// hostAllowed matches host exactly or, for entries starting with ".", as a subdomain.
func (v *Validator) hostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ip := net.ParseIP(host); ip != nil {
		return slices.Contains(v.allowedHosts, ip.String())
	}
	return slices.ContainsFunc(v.allowedHosts, func(allowed string) bool {
		if strings.HasPrefix(allowed, ".") {
			return strings.HasSuffix(host, allowed) || host == allowed[1:]
		}
		return host == allowed
	})
}

// ValidateSize checks the measured size against the declared one and the ceiling.
// A declared size of zero means the server did not announce one. A maxSize of zero disables the ceiling.
func (v *Validator) ValidateSize(declared, actual, maxSize int64) error {
	if actual <= 0 {
		return fmt.Errorf("security.Validator.ValidateSize: %w: size %d", errdefs.ErrSizeLimit, actual)
	}
	if declared < 0 {
		return fmt.Errorf("security.Validator.ValidateSize: %w: declared size %d", errdefs.ErrSizeLimit, declared)
	}
	if declared > 0 && declared != actual {
		return fmt.Errorf("security.Validator.ValidateSize: %w: declared %d bytes, got %d", errdefs.ErrSizeLimit, declared, actual)
	}
	if maxSize > 0 && actual > maxSize {
		return fmt.Errorf("security.Validator.ValidateSize: %w: %d bytes exceeds limit %d", errdefs.ErrSizeLimit, actual, maxSize)
	}
	return nil
}
