package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type SystemType uint8

const (
	SystemWiiU SystemType = 0x1
	System3DS  SystemType = 0x2
	SystemAPI  SystemType = 0x3
)

type Type uint8

const (
	OAuthAccess  Type = 0x1
	OAuthRefresh Type = 0x2
	NEX          Type = 0x3
	Service      Type = 0x4
)

func (t Type) String() string {
	switch t {
	case OAuthAccess:
		return "oauth_access"
	case OAuthRefresh:
		return "oauth_refresh"
	case NEX:
		return "nex"
	case Service:
		return "service"
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

func ParseType(name string) (Type, error) {
	for _, t := range []Type{OAuthAccess, OAuthRefresh, NEX, Service} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("token: unknown type %q", name)
}

// compact reports whether t uses the short AES-only layout.
func (t Type) compact() bool {
	return t == OAuthAccess || t == OAuthRefresh
}

func (t Type) valid() bool {
	return t >= OAuthAccess && t <= Service
}

// Token is the plaintext of every token kind. AccessLevel is informational
// and never travels inside the encoded token.
type Token struct {
	SystemType  SystemType
	Type        Type
	PID         uint32
	AccessLevel int8
	TitleID     uint64
	ExpireTime  uint64
}

// Expired reports whether the token's millisecond expiry is behind now.
func (t Token) Expired(now time.Time) bool {
	return uint64(now.UnixMilli()) > t.ExpireTime
}

func ExpiresIn(now time.Time, d time.Duration) uint64 {
	return uint64(now.Add(d).UnixMilli())
}

// Keys carries whatever material the token family needs: AESKey for OAuth
// tokens, the RSA pair and HMAC secret for NEX and service tokens.
type Keys struct {
	AESKey     []byte
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	HMACSecret []byte
}

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrTampered     = errors.New("token: signature mismatch")
	ErrWrongType    = errors.New("token: unexpected token type")
	ErrInvalidToken = errors.New("token: invalid plaintext")
	ErrMissingKey   = errors.New("token: missing key material")
)

type Encoding int

const (
	Base64 Encoding = iota
	// Hex is what emulated consoles expect on NNAS provider endpoints.
	Hex
)

func (e Encoding) encode(blob []byte) string {
	if e == Hex {
		return hex.EncodeToString(blob)
	}
	return base64.StdEncoding.EncodeToString(blob)
}

func (e Encoding) decode(encoded string) ([]byte, error) {
	var blob []byte
	var err error
	if e == Hex {
		blob, err = hex.DecodeString(encoded)
	} else {
		blob, err = base64.StdEncoding.DecodeString(encoded)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return blob, nil
}

// Marshal produces the binary token for t, picking the layout by t.Type.
func Marshal(keys Keys, t Token) ([]byte, error) {
	if !t.Type.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, t.Type)
	}

	if t.Type.compact() {
		if t.TitleID != 0 {
			return nil, fmt.Errorf("%w: %s tokens carry no title id", ErrInvalidToken, t.Type)
		}
		return marshalCompact(keys.AESKey, t)
	}

	return marshalLong(keys.PublicKey, keys.HMACSecret, t)
}

// Unmarshal decodes a binary token that must be of the expected type.
func Unmarshal(keys Keys, expected Type, blob []byte) (Token, error) {
	if !expected.valid() {
		return Token{}, fmt.Errorf("%w: %s", ErrInvalidToken, expected)
	}

	var t Token
	var err error
	if expected.compact() {
		t, err = unmarshalCompact(keys.AESKey, blob)
	} else {
		t, err = unmarshalLong(keys.PrivateKey, keys.HMACSecret, blob)
	}

	if err != nil {
		return Token{}, err
	}

	if t.Type != expected {
		return Token{}, fmt.Errorf("%w: got %s, want %s", ErrWrongType, t.Type, expected)
	}

	return t, nil
}

func Encode(keys Keys, t Token, encoding Encoding) (string, error) {
	blob, err := Marshal(keys, t)
	if err != nil {
		return "", err
	}

	return encoding.encode(blob), nil
}

func Decode(keys Keys, expected Type, encoded string, encoding Encoding) (Token, error) {
	blob, err := encoding.decode(encoded)
	if err != nil {
		return Token{}, err
	}

	return Unmarshal(keys, expected, blob)
}
