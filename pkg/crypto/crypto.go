// Package crypto provides the cipher service used to protect flowseal's
// credential cache and integrity manifest.
//
// Keys are derived deterministically from an operator passphrase and held
// only in process memory. Every encryption draws a fresh random IV, so the
// same plaintext never encrypts to the same blob twice.
//
// # Cipher Suites
//
//   - aes-256-cbc (default): AES-256-CBC with PKCS#7 padding and no tag,
//     stored as base64(iv||ciphertext)
//   - aes-256-cbc-hmac: the same, followed by an HMAC-SHA256 tag over
//     iv||ciphertext (encrypt-then-MAC); files written with it cannot be
//     read by the plain suite
//
// # Key Derivation
//
//   - sha256 (default): SHA-256 of the NFC-normalized passphrase
//   - argon2id: Argon2id with a fixed application salt
//
// # Example Usage
//
//	key, err := crypto.DeriveKey(passphrase, crypto.KDFSHA256)
//	svc, err := crypto.NewService(key, crypto.SuiteCBC)
//	defer svc.Wipe()
//
//	blob, err := svc.Encrypt([]byte("s3cret"))
//	plaintext, err := svc.Decrypt(blob)
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of derived keys in bytes (256 bits).
	KeyLength = 32

	// IVLength is the length of the CBC initialization vector.
	IVLength = aes.BlockSize

	// MACLength is the length of the HMAC-SHA256 tag.
	MACLength = sha256.Size
)

// argon2Salt is fixed so that the same passphrase always yields the same key.
// There is nowhere to persist a random salt before the first cache exists.
var argon2Salt = []byte("flowseal/kdf/v1.")

// HKDF info strings for the subkeys of the authenticated suite.
const (
	infoEncryption = "flowseal-cbc-encryption"
	infoMAC        = "flowseal-cbc-mac"
)

// Suite selects the on-disk blob format.
type Suite string

const (
	SuiteCBC     Suite = "aes-256-cbc"
	SuiteCBCHMAC Suite = "aes-256-cbc-hmac"
)

// KDF selects how a passphrase is turned into a key.
type KDF string

const (
	KDFSHA256   KDF = "sha256"
	KDFArgon2id KDF = "argon2id"
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed indicates a blob could not be decrypted. Wrong key and
	// corrupted data are deliberately not distinguished.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrUnknownSuite indicates an unsupported cipher suite name.
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")

	// ErrUnknownKDF indicates an unsupported key derivation name.
	ErrUnknownKDF = errors.New("crypto: unknown key derivation function")
)

// DecryptionError reports that a blob failed to decrypt. Path is filled in by
// callers that know which file the blob came from.
type DecryptionError struct {
	Path string
}

func (e *DecryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("crypto: decryption failed for %s (wrong passphrase or corrupted data)", e.Path)
	}
	return "crypto: decryption failed (wrong passphrase or corrupted data)"
}

func (e *DecryptionError) Unwrap() error {
	return ErrDecryptionFailed
}

// WithPath attaches a file path to a decryption error. Other errors are
// returned unchanged.
func WithPath(err error, path string) error {
	var de *DecryptionError
	if errors.As(err, &de) {
		return &DecryptionError{Path: path}
	}
	return err
}

// ParseSuite converts a configuration value to a Suite.
func ParseSuite(s string) (Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(s))) {
	case "", SuiteCBC:
		return SuiteCBC, nil
	case SuiteCBCHMAC:
		return SuiteCBCHMAC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSuite, s)
	}
}

// ParseKDF converts a configuration value to a KDF.
func ParseKDF(s string) (KDF, error) {
	switch KDF(strings.ToLower(strings.TrimSpace(s))) {
	case "", KDFSHA256:
		return KDFSHA256, nil
	case KDFArgon2id:
		return KDFArgon2id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKDF, s)
	}
}

// DeriveKey derives a 256-bit key from a passphrase.
//
// The derivation is one-way and deterministic: the same passphrase and KDF
// always produce the same key. The passphrase is normalized to Unicode NFC
// first so that visually identical input typed on different systems agrees.
func DeriveKey(passphrase []byte, kdf KDF) ([]byte, error) {
	normalized := norm.NFC.Bytes(passphrase)
	defer SecureWipe(normalized)

	switch kdf {
	case "", KDFSHA256:
		sum := sha256.Sum256(normalized)
		key := make([]byte, KeyLength)
		copy(key, sum[:])
		SecureWipe(sum[:])
		return key, nil
	case KDFArgon2id:
		return argon2.IDKey(normalized, argon2Salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKDF, kdf)
	}
}

// Service encrypts and decrypts blobs with a single derived key. It is
// constructed once per process and passed to the components that need it.
type Service struct {
	suite  Suite
	key    []byte
	encKey []byte
	macKey []byte
}

// NewService creates a cipher service for key. The key is copied.
func NewService(key []byte, suite Suite) (*Service, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	s := &Service{suite: suite, key: append([]byte(nil), key...)}

	switch suite {
	case SuiteCBC:
		s.encKey = append([]byte(nil), key...)
	case SuiteCBCHMAC:
		var err error
		if s.encKey, err = deriveHKDF(key, infoEncryption); err != nil {
			return nil, err
		}
		if s.macKey, err = deriveHKDF(key, infoMAC); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, suite)
	}

	return s, nil
}

// Suite returns the cipher suite in use.
func (s *Service) Suite() Suite {
	return s.suite
}

// Encrypt pads plaintext with PKCS#7, encrypts it under a fresh random IV and
// returns the base64 rendering of the blob.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	defer SecureWipe(padded)

	blob := make([]byte, IVLength+len(padded), IVLength+len(padded)+MACLength)
	iv := blob[:IVLength]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: failed to generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(blob[IVLength:], padded)

	if s.suite == SuiteCBCHMAC {
		blob = append(blob, s.mac(blob)...)
	}

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Every failure is reported as *DecryptionError.
func (s *Service) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, &DecryptionError{}
	}

	if s.suite == SuiteCBCHMAC {
		if len(raw) < MACLength {
			return nil, &DecryptionError{}
		}
		body, tag := raw[:len(raw)-MACLength], raw[len(raw)-MACLength:]
		if !hmac.Equal(tag, s.mac(body)) {
			return nil, &DecryptionError{}
		}
		raw = body
	}

	// IV plus at least one block, whole blocks only
	if len(raw) < IVLength+aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, &DecryptionError{}
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	iv, ciphertext := raw[:IVLength], raw[IVLength:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	out, ok := unpad(plaintext, aes.BlockSize)
	if !ok {
		SecureWipe(plaintext)
		return nil, &DecryptionError{}
	}
	return out, nil
}

// DeriveSubkey derives an independent 32-byte key for another purpose, such
// as the audit log HMAC. Distinct info strings yield unrelated keys.
func (s *Service) DeriveSubkey(info string) ([]byte, error) {
	return deriveHKDF(s.key, info)
}

// Wipe zeroes all key material held by the service.
func (s *Service) Wipe() {
	SecureWipe(s.key)
	SecureWipe(s.encKey)
	SecureWipe(s.macKey)
}

func (s *Service) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.macKey)
	m.Write(data)
	return m.Sum(nil)
}

// deriveHKDF derives a 32-byte key using HKDF-SHA256.
func deriveHKDF(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive key: %w", err)
	}
	return key, nil
}

// pad appends PKCS#7 padding. A full block is added when the input is
// already block aligned.
func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	copy(out[len(b):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

// unpad strips PKCS#7 padding, checking every pad byte.
func unpad(b []byte, blockSize int) ([]byte, bool) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, false
	}
	var bad byte
	for _, c := range b[len(b)-n:] {
		bad |= c ^ byte(n)
	}
	if bad != 0 {
		return nil, false
	}
	return b[:len(b)-n], true
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
