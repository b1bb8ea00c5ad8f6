// Package envelope implements the encrypted wire envelope CAN frames travel
// in on the message bus.
//
// An envelope is JSON with three hex fields: "data" is the AES-CBC
// ciphertext of the frame JSON with PKCS#7 padding, "hash" is the SHA-256 of
// the ciphertext, and "iv" is the CBC initialization vector. The hash is
// checked before any decryption happens, so tampered payloads are rejected
// cheaply.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Demo key material matching the out-of-the-box publisher. Real deployments
// configure their own key; these exist so the bundled compose stack works
// without setup.
const (
	DemoKey = "1234567890123456"
	DemoIV  = "abcdef1234567890"
)

var (
	// ErrIntegrity means the ciphertext hash did not verify.
	ErrIntegrity = errors.New("envelope: integrity check failed")
	// ErrPadding means the decrypted plaintext had invalid PKCS#7 padding,
	// which usually indicates a wrong key.
	ErrPadding = errors.New("envelope: invalid padding")
)

// Envelope is the bus wire form of one encrypted frame.
type Envelope struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
	IV   string `json:"iv"`
}

// Seal encrypts plaintext under key and wraps it in an envelope. A nil iv
// draws a random one; otherwise iv must be one AES block.
func Seal(plaintext, key, iv []byte) (*Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("envelope: %w", err)
		}
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("envelope: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	sum := sha256.Sum256(ciphertext)
	return &Envelope{
		Data: hex.EncodeToString(ciphertext),
		Hash: hex.EncodeToString(sum[:]),
		IV:   hex.EncodeToString(iv),
	}, nil
}

// Encode renders the envelope as JSON for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes envelope JSON without opening it.
func Parse(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if e.Data == "" || e.Hash == "" || e.IV == "" {
		return nil, errors.New("envelope: missing data, hash, or iv")
	}
	return &e, nil
}

// Detect reports whether b looks like an envelope rather than a plaintext
// frame, so unencrypted publishers can share a topic with encrypted ones.
func Detect(b []byte) bool {
	var probe struct {
		Data *string `json:"data"`
		Hash *string `json:"hash"`
		IV   *string `json:"iv"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return false
	}
	return probe.Data != nil && probe.Hash != nil && probe.IV != nil
}

// Open verifies the envelope's hash and decrypts its payload with key,
// returning the frame plaintext.
func (e *Envelope) Open(key []byte) ([]byte, error) {
	ciphertext, err := hex.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad data hex: %w", err)
	}
	wantSum, err := hex.DecodeString(e.Hash)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad hash hex: %w", err)
	}
	iv, err := hex.DecodeString(e.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad iv hex: %w", err)
	}

	sum := sha256.Sum256(ciphertext)
	if !hmac.Equal(sum[:], wantSum) {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("envelope: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("envelope: ciphertext length %d is not a block multiple", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext, aes.BlockSize)
}

// Open parses envelope JSON and decrypts it in one step.
func Open(b, key []byte) ([]byte, error) {
	e, err := Parse(b)
	if err != nil {
		return nil, err
	}
	return e.Open(key)
}

// Ciphertext returns the raw encrypted bytes, for deduplication by content.
func (e *Envelope) Ciphertext() ([]byte, error) {
	return hex.DecodeString(e.Data)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}
