package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/google/uuid"
)

// NonceSize is the number of random bytes in a challenge nonce (256 bits).
const NonceSize = 32

// encoding is the single binary-to-text scheme used for keys, signatures,
// nonces and credentials.
var encoding = base64.StdEncoding

// Encode converts bytes to text.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// Decode reverses Encode. The empty string decodes to an empty slice.
func Decode(s string) ([]byte, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// GenerateKeyPair generates an Ed25519 key pair.
// Returns (publicKey, secretKey, error), both encoded.
func GenerateKeyPair() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return Encode(pub), Encode(priv), nil
}

// Sign produces a detached signature over message. secretKey may be either the
// 64-byte private key or its 32-byte seed.
func Sign(message []byte, secretKey string) (string, error) {
	raw, err := Decode(secretKey)
	if err != nil {
		return "", fmt.Errorf("invalid secret key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return "", fmt.Errorf("invalid secret key length: %d", len(raw))
	}

	return Encode(ed25519.Sign(priv, message)), nil
}

// Verify checks a detached signature. It returns false, never panics, for
// malformed or undersized inputs.
func Verify(message []byte, signature, publicKey string) bool {
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// DecodePublicKey decodes and length-checks an encoded Ed25519 public key.
func DecodePublicKey(publicKey string) (ed25519.PublicKey, error) {
	raw, err := Decode(publicKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// RandomNonce returns an encoded 256-bit random nonce.
func RandomNonce() (string, error) {
	b, err := RandomBytes(NonceSize)
	if err != nil {
		return "", err
	}
	return Encode(b), nil
}

// RandomID returns "<prefix>_<32 hex chars>" backed by a random UUID.
func RandomID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
