// Package token seals session payloads into opaque, authenticated strings that
// clients can hold without the server keeping state for them.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	FormatVersion = "1.0"
	Algorithm     = "aes-256-gcm"

	DefaultMaxAge = 30 * 24 * time.Hour

	keySize     = 32
	ivSize      = 12
	tagSize     = 16
	randomBytes = 32
	hkdfInfo    = "pairlink session token v1"
)

const (
	ReasonInvalid = "invalid"
	ReasonExpired = "expired"
)

// ErrInvalidToken covers every decode failure. Malformed, tampered and
// wrong-key tokens are indistinguishable to callers.
var ErrInvalidToken = errors.New("invalid session token")

type envelope struct {
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
	AuthTag   string `json:"authTag"`
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
}

// Payload is the decrypted token body.
type Payload struct {
	Data      json.RawMessage `json:"data"`
	Random    string          `json:"random"`
	Timestamp int64           `json:"timestamp"`
}

func (p *Payload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

func (p *Payload) Unmarshal(v any) error {
	return json.Unmarshal(p.Data, v)
}

type Validation struct {
	Valid   bool     `json:"valid"`
	Payload *Payload `json:"-"`
	Reason  string   `json:"reason,omitempty"`
}

type Codec struct {
	aead   cipher.AEAD
	maxAge time.Duration
	now    func() time.Time
}

type Option func(*Codec)

func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec builds a codec around a single process-lifetime key. A 64-char hex
// secret is used as the key directly; anything else is stretched with
// HKDF-SHA256. Tokens sealed under a different key never decode.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	c := &Codec{
		aead:   aead,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is empty")
	}
	if len(secret) == keySize*2 {
		if key, err := hex.DecodeString(secret); err == nil {
			return key, nil
		}
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Encode wraps data with a fresh random nonce and the current timestamp, then
// seals it under a random IV.
func (c *Codec) Encode(data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}

	nonce := make([]byte, randomBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	plaintext, err := json.Marshal(Payload{
		Data:      raw,
		Random:    hex.EncodeToString(nonce),
		Timestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	env, err := json.Marshal(envelope{
		IV:        hex.EncodeToString(iv),
		Encrypted: hex.EncodeToString(ciphertext),
		AuthTag:   hex.EncodeToString(tag),
		Version:   FormatVersion,
		Algorithm: Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(env), nil
}

// Decode opens a token. The authentication tag is verified before any
// plaintext is used; every failure returns ErrInvalidToken.
func (c *Codec) Decode(tok string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidToken
	}
	if env.Version != FormatVersion || env.Algorithm != Algorithm {
		return nil, ErrInvalidToken
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return nil, ErrInvalidToken
	}
	ciphertext, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return nil, ErrInvalidToken
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrInvalidToken
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

// Validate decodes tok and enforces the absolute age ceiling, independent of
// any TTL carried inside the data.
func (c *Codec) Validate(tok string) Validation {
	p, err := c.Decode(tok)
	if err != nil {
		return Validation{Valid: false, Reason: ReasonInvalid}
	}

	if c.now().Sub(p.IssuedAt()) > c.maxAge {
		return Validation{Valid: false, Reason: ReasonExpired}
	}

	return Validation{Valid: true, Payload: p}
}
