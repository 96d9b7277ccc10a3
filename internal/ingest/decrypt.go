package ingest

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"os"
)

// decryptFile reads path and returns its AES-128-CBC plaintext, trying each
// configured key pair in order until one produces a validly padded result
// (spec.md §4.7 step 2: "Decryption failure with a key is retried with the
// next key; exhausting all keys raises CorruptedFile").
func (in *Ingester) decryptFile(path string) ([]byte, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}

	if len(in.opts.Keys) == 0 {
		return nil, fmt.Errorf("%w: no decryption keys configured", ErrCorruptedFile)
	}

	var lastErr error
	for _, kp := range in.opts.Keys {
		plaintext, err := decryptAES128CBC(ciphertext, kp.Key, kp.IV)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, lastErr)
}

// decryptAES128CBC decrypts ciphertext with the given 16-byte key and IV and
// strips PKCS#7 padding, rejecting the result if the padding is not
// well-formed (the signal the original treats as "wrong key, try the next
// one").
func decryptAES128CBC(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ingest: aes cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ingest: ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

func unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("ingest: empty plaintext")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, fmt.Errorf("ingest: invalid PKCS#7 padding")
	}
	if !bytes.Equal(data[n-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("ingest: invalid PKCS#7 padding")
	}
	return data[:n-padLen], nil
}
