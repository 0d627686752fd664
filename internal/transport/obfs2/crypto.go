package obfs2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// mac is the obfs2 keyed hash.
//
//	no secret: H(s | x | s)
//	secret:    H^n(s | x | H(secret) | s)
func mac(label, data, secret []byte, iterations int) []byte {
	if len(secret) == 0 {
		h := sha256.New()
		h.Write(label)
		h.Write(data)
		h.Write(label)
		return h.Sum(nil)
	}

	secretHash := sha256.Sum256(secret)
	digest := make([]byte, 0, 2*len(label)+len(data)+len(secretHash))
	digest = append(digest, label...)
	digest = append(digest, data...)
	digest = append(digest, secretHash[:]...)
	digest = append(digest, label...)
	for range iterations {
		sum := sha256.Sum256(digest)
		digest = sum[:]
	}
	return digest
}

// newStream keys AES-128-CTR from the first 32 bytes of a mac output.
// The counter wraps around at 2^128.
func newStream(keyMaterial []byte) cipher.Stream {
	block, err := aes.NewCipher(keyMaterial[:keyLength])
	if err != nil {
		// keyLength is a valid AES key size
		panic(err)
	}
	return cipher.NewCTR(block, keyMaterial[keyLength:keyLength+ivLength])
}
