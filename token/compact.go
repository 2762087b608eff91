package token

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// OAuth tokens: [system_type:u8][token_type:u8][pid:u32le][expire_time:u64le]
// under AES-128-CBC with an all-zero IV. Issued tokens depend on the zero IV,
// so it can only change together with a token format version.
const compactSize = 14

var zeroIV = make([]byte, aes.BlockSize)

func compactCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: AES-128 key must be 16 bytes, got %d", ErrMissingKey, len(key))
	}

	return aes.NewCipher(key)
}

func marshalCompact(key []byte, t Token) ([]byte, error) {
	block, err := compactCipher(key)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, compactSize)
	blob = append(blob, byte(t.SystemType), byte(t.Type))
	blob = binary.LittleEndian.AppendUint32(blob, t.PID)
	blob = binary.LittleEndian.AppendUint64(blob, t.ExpireTime)

	blob = pad(blob, aes.BlockSize)
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(blob, blob)
	return blob, nil
}

func unmarshalCompact(key []byte, encrypted []byte) (Token, error) {
	block, err := compactCipher(key)
	if err != nil {
		return Token{}, err
	}

	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return Token{}, fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrMalformed, len(encrypted))
	}

	blob := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(blob, encrypted)

	blob, err = unpad(blob, aes.BlockSize)
	if err != nil {
		return Token{}, err
	}

	if len(blob) != compactSize {
		return Token{}, fmt.Errorf("%w: plaintext is %d bytes, want %d", ErrMalformed, len(blob), compactSize)
	}

	return Token{
		SystemType: SystemType(blob[0x0]),
		Type:       Type(blob[0x1]),
		PID:        binary.LittleEndian.Uint32(blob[0x2:0x6]),
		ExpireTime: binary.LittleEndian.Uint64(blob[0x6:0xE]),
	}, nil
}
