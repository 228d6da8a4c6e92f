// ABOUTME: Device identity for clients: ed25519 keypair generation, storage and signing
// ABOUTME: Builds and signs the canonical connect payload for a challenge nonce

package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389/agent-gateway/internal/auth"
)

// ErrInvalidKeyFile is returned when a key file does not hold an ed25519 key.
var ErrInvalidKeyFile = errors.New("invalid device key file")

// Device is a client installation's signing identity.
type Device struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	ID         string
}

// NewDevice wraps an existing private key.
func NewDevice(priv ed25519.PrivateKey) *Device {
	pub := priv.Public().(ed25519.PublicKey)
	return &Device{PrivateKey: priv, PublicKey: pub, ID: auth.DeriveDeviceID(pub)}
}

// GenerateDevice creates a fresh device identity.
func GenerateDevice() (*Device, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return NewDevice(priv), nil
}

// LoadDevice reads a PKCS#8 PEM private key written by Save.
func LoadDevice(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, ErrInvalidKeyFile
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not ed25519", ErrInvalidKeyFile)
	}
	return NewDevice(priv), nil
}

// Save writes the private key as PKCS#8 PEM with owner-only permissions.
func (d *Device) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(d.PrivateKey)
	if err != nil {
		return fmt.Errorf("encoding device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing device key: %w", err)
	}
	return nil
}

// PublicKeyString returns the public key in the form sent on the wire.
func (d *Device) PublicKeyString() string {
	return auth.EncodePublicKey(d.PublicKey)
}

// Sign signs the canonical form of p and returns the wire signature.
func (d *Device) Sign(p auth.DevicePayload) (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", err
	}
	return auth.SignPayload(d.PrivateKey, canonical), nil
}
