// Package errdefs declares the error kinds surfaced by the update engine.
//
// Errors are wrapped with fmt.Errorf and carry one of the sentinels below,
// so callers classify them with errors.Is.
package errdefs

import (
	"context"
	"errors"
)

var (
	// ErrNetwork is a transient transport failure. It is retried.
	ErrNetwork = errors.New("network error")
	// ErrServer is a non-2xx response. It is not retried.
	ErrServer = errors.New("server error")
	// ErrChecksum means the downloaded bytes do not match the expected digest.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrSignature means the signature is missing or does not verify.
	ErrSignature = errors.New("signature verification failed")
	// ErrInsecureURL means a URL violates the scheme or host policy.
	ErrInsecureURL = errors.New("insecure url")
	// ErrSizeLimit means the bundle size is invalid or over the ceiling.
	ErrSizeLimit = errors.New("bundle size rejected")
	// ErrUnsafePath means an identifier or archive entry escapes its base directory.
	ErrUnsafePath = errors.New("unsafe path")
	// ErrStorage is a local I/O failure.
	ErrStorage = errors.New("storage error")
	// ErrState is an invalid lifecycle transition.
	ErrState = errors.New("invalid state")
	// ErrConfig is an invalid configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrNotFound means the bundle does not exist in the catalog.
	ErrNotFound = errors.New("bundle not found")
	// ErrCanceled means the caller cancelled the operation.
	ErrCanceled = errors.New("operation canceled")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrChecksum, "ChecksumError"},
	{ErrSignature, "SignatureError"},
	{ErrInsecureURL, "InsecureUrlError"},
	{ErrSizeLimit, "SizeLimitError"},
	{ErrUnsafePath, "UnsafePathError"},
	{ErrConfig, "ConfigError"},
	{ErrState, "StateError"},
	{ErrNotFound, "NotFoundError"},
	{ErrStorage, "StorageError"},
	{ErrServer, "ServerError"},
	{ErrCanceled, "CanceledError"},
	{ErrNetwork, "NetworkError"},
}

// Kind returns the taxonomy name of err, or "UnknownError" when err carries no known kind.
// Cancellation of the context is reported as CanceledError.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) {
		return "CanceledError"
	}
	return "UnknownError"
}

// IsIntegrity reports whether err is a security-relevant rejection of a candidate bundle.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrInsecureURL) ||
		errors.Is(err, ErrSizeLimit) ||
		errors.Is(err, ErrUnsafePath)
}

// FromKind returns the sentinel named by a Kind result, or nil when name is unknown.
func FromKind(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
