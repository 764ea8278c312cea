package validation

import (
	"crypto/ed25519"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64

	ed25519Prefix = "ed25519:"
)

var accountIDPart = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateAccountID validates a NEAR account id: 2-64 characters of
// lowercase alphanumeric parts separated by dots, where '-' and '_' may
// appear inside a part.
func ValidateAccountID(id string) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return fmt.Errorf("account id must be %d-%d characters, got %d", minAccountIDLen, maxAccountIDLen, len(id))
	}
	for _, part := range strings.Split(id, ".") {
		if !accountIDPart.MatchString(part) {
			return fmt.Errorf("invalid account id: %q", id)
		}
	}
	return nil
}

// ParsePublicKey decodes an "ed25519:<base58>" public key into its raw
// 32 bytes, the form keys are stored in alongside the channel.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, ed25519Prefix) {
		return nil, fmt.Errorf("unsupported public key %q: only ed25519 keys are accepted", s)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid base58 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// FormatPublicKey renders raw key bytes in the "ed25519:<base58>" form used
// on-chain and in credentials files.
func FormatPublicKey(pk ed25519.PublicKey) string {
	return ed25519Prefix + base58.Encode(pk)
}

// ParseSecretKey decodes an "ed25519:<base58>" secret key. NEAR credential
// files carry the 64-byte expanded form (seed followed by public key).
func ParseSecretKey(s string) (ed25519.PrivateKey, error) {
	if !strings.HasPrefix(s, ed25519Prefix) {
		return nil, fmt.Errorf("unsupported secret key: only ed25519 keys are accepted")
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid base58 secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
