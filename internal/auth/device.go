// ABOUTME: Device identity and detached signature verification for connect auth
// ABOUTME: Builds canonical v1/v2 payloads, derives device ids, verifies ed25519 signatures

package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Device auth payload versions.
const (
	DeviceAuthV1 = "v1"
	DeviceAuthV2 = "v2"
)

// payloadDelimiter separates canonical payload fields.
const payloadDelimiter = "|"

var (
	// ErrInvalidPublicKey is returned when a key cannot be decoded as ed25519.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidPayload is returned when payload fields cannot be canonicalized.
	ErrInvalidPayload = errors.New("invalid device payload")
)

// DevicePayload holds the fields covered by a device signature.
type DevicePayload struct {
	Version    string
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// Canonical returns the exact string the device signs. v2 requires a nonce and
// v1 forbids one, so the two versions can never produce the same string.
func (p DevicePayload) Canonical() (string, error) {
	fields := []string{
		p.Version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}

	switch p.Version {
	case DeviceAuthV1:
		if p.Nonce != "" {
			return "", fmt.Errorf("%w: v1 payload carries a nonce", ErrInvalidPayload)
		}
	case DeviceAuthV2:
		if p.Nonce == "" {
			return "", fmt.Errorf("%w: v2 payload without nonce", ErrInvalidPayload)
		}
		fields = append(fields, p.Nonce)
	default:
		return "", fmt.Errorf("%w: unknown version %q", ErrInvalidPayload, p.Version)
	}

	for _, f := range fields {
		if strings.Contains(f, payloadDelimiter) {
			return "", fmt.Errorf("%w: field contains delimiter", ErrInvalidPayload)
		}
	}
	for _, s := range p.Scopes {
		if strings.Contains(s, ",") {
			return "", fmt.Errorf("%w: scope contains comma", ErrInvalidPayload)
		}
	}

	return strings.Join(fields, payloadDelimiter), nil
}

// ParsePublicKey decodes an ed25519 public key from any supported container and
// returns the raw 32 key bytes. Accepted forms: unpadded or padded base64url /
// base64 raw bytes, PEM "PUBLIC KEY" (SPKI), and SSH authorized-key lines.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidPublicKey
	}

	switch {
	case strings.HasPrefix(s, "-----BEGIN"):
		return parsePEMKey(s)
	case strings.HasPrefix(s, "ssh-"):
		return parseSSHKey(s)
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func parsePEMKey(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: not a PEM public key", ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not ed25519", ErrInvalidPublicKey)
	}
	return pub, nil
}

func parseSSHKey(s string) (ed25519.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	cryptoKey, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported ssh key", ErrInvalidPublicKey)
	}
	pub, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not ed25519", ErrInvalidPublicKey)
	}
	return pub, nil
}

// decodeBase64 accepts base64url or standard base64, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}

// DeriveDeviceID returns the stable device id for a raw public key: lowercase
// hex SHA-256 of the 32 key bytes.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:])
}

// DeviceIDFromKey parses a public key string and returns its device id.
func DeviceIDFromKey(publicKey string) (string, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return DeriveDeviceID(pub), nil
}

// VerifySignature reports whether signature is a valid ed25519 signature by
// publicKey over payload. Every failure returns false without detail.
func VerifySignature(publicKey, payload, signature string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := decodeBase64(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}

// SignPayload signs a canonical payload and returns the base64url signature.
// Used by clients and tests.
func SignPayload(priv ed25519.PrivateKey, payload string) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))
}

// EncodePublicKey returns the raw base64url form of a public key.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}
