package security

import "strings"

type ValidatorOption func(*Validator) error

// WithAllowedHosts restricts bundle and manifest URLs to the given hosts.
// An entry starting with "." also matches every subdomain.
func WithAllowedHosts(hosts ...string) ValidatorOption {
	return func(v *Validator) error {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				v.allowedHosts = append(v.allowedHosts, h)
			}
		}
		return nil
	}
}

// WithPublicKey sets the key used by VerifySignature. An empty key is ignored.
func WithPublicKey(key string, algorithm SignatureAlgorithm) ValidatorOption {
	return func(v *Validator) error {
		if strings.TrimSpace(key) == "" {
			return nil
		}
		pub, err := ParsePublicKey(key, algorithm)
		if err != nil {
			return err
		}
		v.publicKey = pub
		v.algorithm = algorithm
		return nil
	}
}

func WithRequireSignature(require bool) ValidatorOption {
	return func(v *Validator) error {
		v.requireSignature = require
		return nil
	}
}
