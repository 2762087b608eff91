package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
)

// NEX and service tokens:
//
//	encrypted_key (RSA-OAEP, key size) | point1 u8 | point2 u8 | hmac_sha1 (20) | encrypted_body
//
// The body is [system_type:u8][token_type:u8][pid:u32le][title_id:u64le][expire_time:u64le]
// under AES-128-CBC with a fresh key, and the IV is the 8 bytes of
// encrypted_key at point1 followed by the 8 bytes at point2.
const (
	longSize     = 22
	longKeyLen   = 16
	signatureLen = sha1.Size
	ivHalf       = aes.BlockSize / 2
)

func longSignature(secret []byte, plain []byte) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write(plain)
	return mac.Sum(nil)
}

// pointLimit bounds point1 and point2 so each fits a byte and an 8 byte
// window at that point stays inside the encrypted key.
func pointLimit(keySize int) int {
	return min(keySize-ivHalf, 256)
}

func longIV(encryptedKey []byte, point1, point2 int) []byte {
	iv := make([]byte, 0, aes.BlockSize)
	iv = append(iv, encryptedKey[point1:point1+ivHalf]...)
	return append(iv, encryptedKey[point2:point2+ivHalf]...)
}

func marshalLong(public *rsa.PublicKey, secret []byte, t Token) ([]byte, error) {
	if public == nil || len(secret) == 0 {
		return nil, fmt.Errorf("%w: %s tokens need an RSA public key and HMAC secret", ErrMissingKey, t.Type)
	}

	plain := make([]byte, 0, longSize)
	plain = append(plain, byte(t.SystemType), byte(t.Type))
	plain = binary.LittleEndian.AppendUint32(plain, t.PID)
	plain = binary.LittleEndian.AppendUint64(plain, t.TitleID)
	plain = binary.LittleEndian.AppendUint64(plain, t.ExpireTime)

	signature := longSignature(secret, plain)

	key := make([]byte, longKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	encryptedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, public, key, nil)
	if err != nil {
		return nil, err
	}

	limit := pointLimit(len(encryptedKey))
	point1 := mrand.Intn(limit)
	point2 := mrand.Intn(limit)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	body := pad(plain, aes.BlockSize)
	cipher.NewCBCEncrypter(block, longIV(encryptedKey, point1, point2)).CryptBlocks(body, body)

	blob := make([]byte, 0, len(encryptedKey)+2+signatureLen+len(body))
	blob = append(blob, encryptedKey...)
	blob = append(blob, byte(point1), byte(point2))
	blob = append(blob, signature...)
	return append(blob, body...), nil
}

func unmarshalLong(private *rsa.PrivateKey, secret []byte, blob []byte) (Token, error) {
	if private == nil || len(secret) == 0 {
		return Token{}, fmt.Errorf("%w: long tokens need an RSA private key and HMAC secret", ErrMissingKey)
	}

	keySize := private.Size()
	header := keySize + 2 + signatureLen
	if len(blob) < header+aes.BlockSize || (len(blob)-header)%aes.BlockSize != 0 {
		return Token{}, fmt.Errorf("%w: %d bytes does not fit the token layout", ErrMalformed, len(blob))
	}

	encryptedKey := blob[:keySize]
	point1 := int(blob[keySize])
	point2 := int(blob[keySize+1])
	signature := blob[keySize+2 : header]
	encrypted := blob[header:]

	limit := pointLimit(keySize)
	if point1 >= limit || point2 >= limit {
		return Token{}, fmt.Errorf("%w: IV point out of range", ErrMalformed)
	}

	key, err := rsa.DecryptOAEP(sha1.New(), nil, private, encryptedKey, nil)
	if err != nil || len(key) != longKeyLen {
		return Token{}, fmt.Errorf("%w: token key does not decrypt", ErrMalformed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Token{}, err
	}

	body := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, longIV(encryptedKey, point1, point2)).CryptBlocks(body, encrypted)

	if len(body) < longSize {
		return Token{}, fmt.Errorf("%w: body too short", ErrMalformed)
	}

	// Check the HMAC before the padding so any change to the body reads as
	// tampering rather than as a padding failure.
	plain := body[:longSize]
	if !hmac.Equal(signature, longSignature(secret, plain)) {
		return Token{}, ErrTampered
	}

	plain, err = unpad(body, aes.BlockSize)
	if err != nil {
		return Token{}, err
	}
	if len(plain) != longSize {
		return Token{}, fmt.Errorf("%w: plaintext is %d bytes, want %d", ErrMalformed, len(plain), longSize)
	}

	return Token{
		SystemType: SystemType(plain[0x00]),
		Type:       Type(plain[0x01]),
		PID:        binary.LittleEndian.Uint32(plain[0x02:0x06]),
		TitleID:    binary.LittleEndian.Uint64(plain[0x06:0x0E]),
		ExpireTime: binary.LittleEndian.Uint64(plain[0x0E:0x16]),
	}, nil
}
