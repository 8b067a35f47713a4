package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// room scoped symmetric encryption of message payloads
// the wire form is base64(nonce || ciphertext || tag) with AES-256-GCM

const KeySize = 32

var keyInfo = []byte("collab e2ee message key v1")

type Cipher struct {
	aead cipher.AEAD
}

// derives the message key from the shared room secret
// the room id salts the derivation so the same secret yields different keys per room
func NewCipher(secret string, roomId string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(roomId), keyInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return newCipherWithKey(key)
}

func newCipherWithKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		aead: aead,
	}, nil
}

func (self *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, self.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := self.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (self *Cipher) EncryptString(plaintext string) (string, error) {
	return self.Encrypt([]byte(plaintext))
}

func (self *Cipher) Decrypt(encoded string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, err)
	}
	nonceSize := self.aead.NonceSize()
	if len(b) < nonceSize+self.aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	plaintext, err := self.aead.Open(nil, b[:nonceSize], b[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (self *Cipher) DecryptString(encoded string) (string, error) {
	b, err := self.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
