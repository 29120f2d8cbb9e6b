// Package crypt implements the one-shot encryption channel used for
// encounter blobs.
//
// Every message is encrypted for a fixed server public key. An ephemeral
// P-256 key agreement gives the AES and MAC keys; ephemeral keys are reused
// for a bounded time and a bounded number of messages, each message taking
// the next value of a 16-bit counter as its nonce. The layout is
//
//	ephemeral public key (33, compressed) || nonce (2) || ciphertext || mac (16)
//
// where the ciphertext is AES-128-CBC under the IV E(K, nonce block), and
// the mac is HMAC-SHA256 over everything before it, truncated to 16 bytes.
// Only the holder of the server private key can decrypt.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "crypt")

const (
	// DefaultValidity is how long an ephemeral key is used.
	DefaultValidity = 450 * time.Second

	// DefaultCounterCeiling is the number of messages an ephemeral key may
	// encrypt; the nonce is a 16-bit counter.
	DefaultCounterCeiling = 1<<16 - 1

	compressedKeyLen = 33
	nonceLen         = 2
	macLen           = 16
)

var (
	// ErrMalformedKey is returned for server keys that are not P-256 points.
	ErrMalformedKey = errors.New("crypt: malformed public key")

	// ErrMalformedMessage is returned by Decrypt for truncated input.
	ErrMalformedMessage = errors.New("crypt: malformed message")

	// ErrMACMismatch is returned by Decrypt when authentication fails.
	ErrMACMismatch = errors.New("crypt: mac mismatch")
)

// KeyMaterial is one ephemeral key epoch.
type KeyMaterial struct {
	// PublicKey is the compressed ephemeral public key.
	PublicKey []byte
	Created   time.Time

	aesKey []byte
	macKey []byte
}

// Channel encrypts messages for a server public key. It is safe for
// concurrent use.
type Channel struct {
	server   *ecdh.PublicKey
	validity time.Duration
	ceiling  int
	now      func() time.Time
	rand     io.Reader

	mu      sync.Mutex
	current *KeyMaterial
	counter int
}

// Option configures a Channel.
type Option func(*Channel)

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(c *Channel) { c.validity = d }
}

// WithCounterCeiling overrides DefaultCounterCeiling. Values above the
// 16-bit nonce range are clamped.
func WithCounterCeiling(n int) Option {
	return func(c *Channel) {
		if n > DefaultCounterCeiling {
			n = DefaultCounterCeiling
		}
		c.ceiling = n
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithRand sets the entropy source for ephemeral keys.
func WithRand(r io.Reader) Option {
	return func(c *Channel) { c.rand = r }
}

// New creates a Channel for serverKey, a compressed or uncompressed P-256
// point.
func New(serverKey []byte, opts ...Option) (*Channel, error) {
	pub, err := ParsePublicKey(serverKey)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		server:   pub,
		validity: DefaultValidity,
		ceiling:  DefaultCounterCeiling,
		now:      time.Now,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MustNew is like New but panics on a malformed key. A process without a
// usable server key cannot record encounters.
func MustNew(serverKey []byte, opts ...Option) *Channel {
	c, err := New(serverKey, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ParsePublicKey parses a compressed (33 byte) or uncompressed (65 byte)
// P-256 public key.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	switch len(b) {
	case compressedKeyLen:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), b)
		if x == nil {
			return nil, ErrMalformedKey
		}
		u := make([]byte, 65)
		u[0] = 0x04
		x.FillBytes(u[1:33])
		y.FillBytes(u[33:])
		b = u
	case 65:
	default:
		return nil, ErrMalformedKey
	}
	pub, err := ecdh.P256().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return pub, nil
}

// ParsePublicKeyBase64 parses a base64 encoded key as accepted by
// ParsePublicKey.
func ParsePublicKeyBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if _, err := ParsePublicKey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// compress returns the compressed form of an uncompressed P-256 point.
func compress(u []byte) []byte {
	c := make([]byte, compressedKeyLen)
	c[0] = 0x02 | u[64]&1
	copy(c[1:], u[1:33])
	return c
}

// keys returns the current key epoch and the nonce to use with it,
// rotating the epoch when it is too old or its counter is exhausted.
func (c *Channel) keys() (*KeyMaterial, uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.current == nil || now.Sub(c.current.Created) >= c.validity || c.counter >= c.ceiling {
		km, err := c.generate(now)
		if err != nil {
			return nil, 0, err
		}
		log.WithField("created", now).Debug("rotated ephemeral key")
		c.current = km
		c.counter = 0
	}
	n := uint16(c.counter)
	c.counter++
	return c.current, n, nil
}

func (c *Channel) generate(now time.Time) (*KeyMaterial, error) {
	priv, err := ecdh.P256().GenerateKey(c.rand)
	if err != nil {
		return nil, fmt.Errorf("crypt: generate ephemeral key: %w", err)
	}
	secret, err := priv.ECDH(c.server)
	if err != nil {
		return nil, fmt.Errorf("crypt: key agreement: %w", err)
	}
	aesKey, macKey := deriveKeys(secret)
	return &KeyMaterial{
		PublicKey: compress(priv.PublicKey().Bytes()),
		Created:   now,
		aesKey:    aesKey,
		macKey:    macKey,
	}, nil
}

// deriveKeys splits SHA-256(secret) into the AES-128 key and the MAC key.
func deriveKeys(secret []byte) (aesKey, macKey []byte) {
	sum := sha256.Sum256(secret)
	return sum[:16], sum[16:]
}

// Encrypt encrypts plaintext and returns the base64 encoded message.
func (c *Channel) Encrypt(plaintext []byte) (string, error) {
	km, n, err := c.keys()
	if err != nil {
		return "", err
	}
	nonce := []byte{byte(n >> 8), byte(n)}

	block, err := aes.NewCipher(km.aesKey)
	if err != nil {
		return "", fmt.Errorf("crypt: %w", err)
	}
	// The nonce block goes first so that its encryption becomes the IV of
	// the remaining blocks. It is dropped from the output.
	buf := make([]byte, aes.BlockSize, aes.BlockSize+len(plaintext)+aes.BlockSize)
	copy(buf, nonce)
	buf = append(buf, pad(plaintext)...)
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, buf)
	ct := out[aes.BlockSize:]

	msg := make([]byte, 0, compressedKeyLen+nonceLen+len(ct)+macLen)
	msg = append(msg, km.PublicKey...)
	msg = append(msg, nonce...)
	msg = append(msg, ct...)
	msg = append(msg, tag(km.macKey, msg)...)
	return base64.StdEncoding.EncodeToString(msg), nil
}

// Decrypt is the server side inverse of Encrypt. The device itself never
// decrypts; this exists for conformance tests and migration tooling.
func Decrypt(priv *ecdh.PrivateKey, message string) ([]byte, error) {
	msg, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(msg) < compressedKeyLen+nonceLen+aes.BlockSize+macLen {
		return nil, ErrMalformedMessage
	}
	body, mac := msg[:len(msg)-macLen], msg[len(msg)-macLen:]
	ephemeral, err := ParsePublicKey(body[:compressedKeyLen])
	if err != nil {
		return nil, err
	}
	nonce := body[compressedKeyLen : compressedKeyLen+nonceLen]
	ct := body[compressedKeyLen+nonceLen:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrMalformedMessage
	}

	secret, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("crypt: key agreement: %w", err)
	}
	aesKey, macKey := deriveKeys(secret)
	if !hmac.Equal(tag(macKey, body), mac) {
		return nil, ErrMACMismatch
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	block.Encrypt(iv, iv)
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return unpad(out)
}

// GenerateServerKey creates a server keypair. Used by tooling and tests.
func GenerateServerKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

func tag(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)[:macLen]
}

// pad applies PKCS#7 padding.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformedMessage
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrMalformedMessage
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrMalformedMessage
		}
	}
	return b[:len(b)-n], nil
}
