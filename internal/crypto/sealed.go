// Package crypto seals the broker refresh token at rest with a passphrase.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// sealedJSON is the on-disk format of a sealed token. Binary fields use
// standard base64.
type sealedJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// TokenSource says where the refresh token comes from. A non-empty Raw
// token wins over SealedPath.
type TokenSource struct {
	Raw        string
	SealedPath string
	Passphrase string
}

// SealToken encrypts token with PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM and returns the JSON document to write to disk.
func SealToken(token, passphrase string) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("crypto: token must not be empty")
	}
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenToken decrypts a document produced by SealToken.
func OpenToken(sealed []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("crypto: passphrase must not be empty")
	}

	var stored sealedJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed token: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return string(plaintext), nil
}

// LoadRefreshToken resolves the refresh token from src.
func LoadRefreshToken(src TokenSource) (string, error) {
	if src.Raw != "" {
		return src.Raw, nil
	}
	if src.SealedPath == "" {
		return "", errors.New("crypto: no refresh token source configured")
	}
	data, err := os.ReadFile(src.SealedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: reading sealed token: %w", err)
	}
	return OpenToken(data, src.Passphrase)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
