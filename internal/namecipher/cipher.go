package namecipher

import (
	"encoding/base64"
	"errors"
)

// Cipher obfuscates student names with a repeating XOR key and Base64
// encoding. The transform is trivially reversible given the key; it keeps
// names out of casual view in the database, nothing more.
type Cipher struct {
	key []byte
}

var errEmptyKey = errors.New("namecipher: empty key")

// New creates a cipher from a non-empty key.
func New(key string) (*Cipher, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	return &Cipher{key: []byte(key)}, nil
}

// Encrypt XORs plain against the key and Base64-encodes the result.
func (c *Cipher) Encrypt(plain string) string {
	return base64.StdEncoding.EncodeToString(c.xor([]byte(plain)))
}

// Decrypt reverses Encrypt. It fails only on invalid Base64 input.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(c.xor(raw)), nil
}

// DecryptOrRaw returns the decoded name, or the stored value unchanged when
// it is not valid Base64. Rows seeded before encryption was introduced hold
// plain text in encrypted_name, and display should not break on them.
func (c *Cipher) DecryptOrRaw(stored string) string {
	plain, err := c.Decrypt(stored)
	if err != nil {
		return stored
	}
	return plain
}

func (c *Cipher) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}
