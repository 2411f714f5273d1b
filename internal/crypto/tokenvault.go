// Package crypto keeps the market data access token encrypted at rest.
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
	// defaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	currentVersion    = 1
)

// sealedToken is the on-disk format. Binary fields are standard base64.
type sealedToken struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// TokenConfig says where the feed access token comes from. A raw token
// wins over an encrypted file.
type TokenConfig struct {
	RawToken      string
	EncryptedPath string
	Password      string
}

// EncryptToken seals token with a key derived from password
// (PBKDF2-HMAC-SHA256, AES-256-GCM) and returns the JSON to write to disk.
func EncryptToken(token, password string) ([]byte, error) {
	return encryptToken(token, password, defaultIterations)
}

func encryptToken(token, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("crypto: token must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(sealedToken{
		Version:    currentVersion,
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil)),
	}, "", "  ")
}

// DecryptToken opens a blob produced by EncryptToken.
func DecryptToken(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var st sealedToken
	if err := json.Unmarshal(sealed, &st); err != nil {
		return "", fmt.Errorf("crypto: parsing sealed token: %w", err)
	}
	if st.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", st.Version)
	}
	if st.Iterations <= 0 {
		st.Iterations = defaultIterations
	}

	salt, err := base64.StdEncoding.DecodeString(st.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(st.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(st.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, st.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
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

// LoadToken resolves the access token. An empty config yields "" so feeds
// that need no auth still work.
func LoadToken(cfg TokenConfig) (string, error) {
	if t := strings.TrimSpace(cfg.RawToken); t != "" {
		return t, nil
	}
	if cfg.EncryptedPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: reading token file: %w", err)
	}
	return DecryptToken(data, cfg.Password)
}
