package security

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/pddg/liveupdate/internal/errdefs"
)

type ChecksumAlgorithm string

const (
	SHA256 ChecksumAlgorithm = "sha256"
	SHA512 ChecksumAlgorithm = "sha512"
)

func (a ChecksumAlgorithm) newHash() (hash.Hash, error) {
	switch ChecksumAlgorithm(strings.ToLower(string(a))) {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q: %w", a, errdefs.ErrConfig)
	}
}

// ParseChecksum splits an "algorithm:hex" string. Untagged digests use algorithm.
// A tag naming any other algorithm is rejected with ErrChecksum, so a manifest
// cannot downgrade the configured hash.
func ParseChecksum(s string, algorithm ChecksumAlgorithm) (ChecksumAlgorithm, string, error) {
	s = strings.TrimSpace(s)
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return algorithm, s, nil
	}
	if !strings.EqualFold(alg, string(algorithm)) {
		return "", "", fmt.Errorf("security.ParseChecksum: %w: digest is tagged %q but %q is required", errdefs.ErrChecksum, alg, algorithm)
	}
	return algorithm, digest, nil
}

// Digest returns the lowercase hex digest of everything read from r.
func Digest(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := algorithm.newHash()
	if err != nil {
		return "", fmt.Errorf("security.Digest: %w", err)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("security.Digest: failed to read: %w: %w", errdefs.ErrStorage, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateChecksum hashes every byte of r and compares the digest with expected, ignoring case.
// expected may carry an algorithm tag ("sha512:..."), which must name algorithm.
func (v *Validator) ValidateChecksum(r io.Reader, expected string, algorithm ChecksumAlgorithm) error {
	alg, want, err := ParseChecksum(expected, algorithm)
	if err != nil {
		return fmt.Errorf("security.Validator.ValidateChecksum: %w", err)
	}
	if want == "" {
		return fmt.Errorf("security.Validator.ValidateChecksum: %w: expected digest is empty", errdefs.ErrChecksum)
	}
	got, err := Digest(r, alg)
	if err != nil {
		return fmt.Errorf("security.Validator.ValidateChecksum: %w", err)
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("security.Validator.ValidateChecksum: %w: want %s:%s, got %s:%s", errdefs.ErrChecksum, alg, want, alg, got)
	}
	return nil
}
