// Package secrets decrypts supplier credentials stored as encrypted blobs.
package secrets

import (
    "crypto/aes"
    "crypto/cipher"
    "crypto/rand"
    "encoding/base64"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "strings"
)

var (
    ErrNoCredentials = errors.New("no credentials configured")
    ErrInvalidKey    = errors.New("credentials key must be 32 bytes (hex or base64)")
)

// Credentials are the authentication shapes a supplier read API may expect.
type Credentials struct {
    BearerToken  string `json:"bearerToken,omitempty"`
    APIKey       string `json:"apiKey,omitempty"`
    APIKeyHeader string `json:"apiKeyHeader,omitempty"`
    Username     string `json:"username,omitempty"`
    Password     string `json:"password,omitempty"`
}

func (c Credentials) String() string {
    return "Credentials{redacted}"
}

func (c Credentials) Empty() bool {
    return c.BearerToken == "" && c.APIKey == "" && c.Username == ""
}

type Decrypter interface {
    Decrypt(blob []byte) (Credentials, error)
}

// AESGCM seals credentials as nonce || ciphertext under a server-held key.
type AESGCM struct {
    aead cipher.AEAD
}

// ParseKey accepts a 32-byte key encoded as hex or standard base64.
func ParseKey(s string) ([]byte, error) {
    s = strings.TrimSpace(s)
    if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
        return b, nil
    }
    if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
        return b, nil
    }
    return nil, ErrInvalidKey
}

func NewAESGCM(key []byte) (*AESGCM, error) {
    if len(key) != 32 {
        return nil, ErrInvalidKey
    }
    block, err := aes.NewCipher(key)
    if err != nil {
        return nil, fmt.Errorf("aes cipher: %w", err)
    }
    aead, err := cipher.NewGCM(block)
    if err != nil {
        return nil, fmt.Errorf("gcm: %w", err)
    }
    return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Decrypt(blob []byte) (Credentials, error) {
    if len(blob) == 0 {
        return Credentials{}, ErrNoCredentials
    }
    ns := a.aead.NonceSize()
    if len(blob) < ns {
        return Credentials{}, errors.New("decrypt credentials: blob too short")
    }
    plain, err := a.aead.Open(nil, blob[:ns], blob[ns:], nil)
    if err != nil {
        return Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
    }
    var c Credentials
    if err := json.Unmarshal(plain, &c); err != nil {
        return Credentials{}, fmt.Errorf("decode credentials: %w", err)
    }
    return c, nil
}

func (a *AESGCM) Encrypt(c Credentials) ([]byte, error) {
    plain, err := json.Marshal(c)
    if err != nil {
        return nil, fmt.Errorf("encode credentials: %w", err)
    }
    nonce := make([]byte, a.aead.NonceSize())
    if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
        return nil, fmt.Errorf("nonce: %w", err)
    }
    return a.aead.Seal(nonce, nonce, plain, nil), nil
}
