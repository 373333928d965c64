package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
)

// deriveKey normalizes key material to 32 bytes using SHA-256.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

// EncryptString encrypts plaintext using AES-GCM.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	key := deriveKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertext, nil
}

// DecryptToString decrypts AES-GCM data back to plaintext.
func DecryptToString(secret string, payload []byte) (string, error) {
	key := deriveKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptEnvVars encrypts every value in vars, base64-encoding the result so
// the map stays JSON-safe. A blank secret leaves values untouched.
func EncryptEnvVars(secret string, vars map[string]string) (map[string]string, error) {
	if secret == "" || len(vars) == 0 {
		return vars, nil
	}
	out := make(map[string]string, len(vars))
	for key, value := range vars {
		sealed, err := EncryptString(secret, value)
		if err != nil {
			return nil, err
		}
		out[key] = base64.StdEncoding.EncodeToString(sealed)
	}
	return out, nil
}

// DecryptEnvVars reverses EncryptEnvVars. Values that do not decode are
// returned as-is so records written before encryption was enabled stay
// readable.
func DecryptEnvVars(secret string, vars map[string]string) map[string]string {
	if secret == "" || len(vars) == 0 {
		return vars
	}
	out := make(map[string]string, len(vars))
	for key, value := range vars {
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			out[key] = value
			continue
		}
		plain, err := DecryptToString(secret, raw)
		if err != nil {
			out[key] = value
			continue
		}
		out[key] = plain
	}
	return out
}
