// Package bankcipher implements the symmetric schemes the scraped banking
// backends use on their wire payloads: AES-256-CBC with either OpenSSL
// EVP_BytesToKey-style MD5 derivation and "Salted__" framing, or
// PBKDF2-HMAC-SHA1 derivation keyed by a device identifier.
package bankcipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecrypt marks any failure to decrypt or unframe a payload (wrong key,
// corrupt input, bad padding). Callers match it with errors.Is and treat it
// as a transport-level problem, not an identity problem.
var ErrDecrypt = errors.New("bankcipher: decryption failed")

const (
	saltedMagic = "Salted__"
	saltLen     = 8

	// Iteration count and key size the bank apps bake into their clients.
	pbkdf2Iterations = 23
	pbkdf2KeyLen     = 32
)

// EVPKey derives a key and IV from a passphrase and salt the way OpenSSL's
// EVP_BytesToKey does with MD5: hash previousDigest||passphrase||salt until
// keyLen+ivLen bytes are available, then split.
func EVPKey(passphrase, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var derived []byte
	var digest []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(digest)
		h.Write(passphrase)
		h.Write(salt)
		digest = h.Sum(nil)
		derived = append(derived, digest...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

// PBKDF2Key derives the 32-byte AES key from a device identifier and a
// hex-encoded salt using PBKDF2-HMAC-SHA1 at the fixed iteration count.
func PBKDF2Key(deviceID, saltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("bankcipher: invalid key salt: %w", err)
	}
	return pbkdf2.Key([]byte(deviceID), salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New), nil
}

// DecodeIV converts a fixed hex IV string into raw bytes and checks the
// AES block size.
func DecodeIV(ivHex string) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("bankcipher: invalid iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("bankcipher: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return iv, nil
}

// EncryptCBC encrypts plaintext with AES-256-CBC and PKCS#7 padding,
// returning the ciphertext Base64-encoded.
func EncryptCBC(plaintext, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("bankcipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return "", fmt.Errorf("bankcipher: iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptCBC exactly inverts EncryptCBC. Any malformed input surfaces as
// ErrDecrypt.
func DecryptCBC(encoded string, key, iv []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}
	return decryptRaw(raw, key, iv)
}

// EncryptSalted encrypts plaintext under a passphrase with a random 8-byte
// salt, EVP key derivation, and the OpenSSL self-describing framing:
// base64("Salted__" || salt || ciphertext).
func EncryptSalted(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("bankcipher: %w", err)
	}

	key, iv := EVPKey([]byte(passphrase), salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("bankcipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	framed := make([]byte, 0, len(saltedMagic)+saltLen+len(out))
	framed = append(framed, saltedMagic...)
	framed = append(framed, salt...)
	framed = append(framed, out...)

	return base64.StdEncoding.EncodeToString(framed), nil
}

// DecryptSalted inverts EncryptSalted, including the magic/salt framing.
func DecryptSalted(encoded, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}
	if len(raw) < len(saltedMagic)+saltLen || string(raw[:len(saltedMagic)]) != saltedMagic {
		return nil, fmt.Errorf("%w: missing salted header", ErrDecrypt)
	}

	salt := raw[len(saltedMagic) : len(saltedMagic)+saltLen]
	key, iv := EVPKey([]byte(passphrase), salt, 32, aes.BlockSize)

	return decryptRaw(raw[len(saltedMagic)+saltLen:], key, iv)
}

func decryptRaw(raw, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a block multiple", ErrDecrypt, len(raw))
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecrypt, len(iv))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length %d", ErrDecrypt, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding byte %d", ErrDecrypt, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}
