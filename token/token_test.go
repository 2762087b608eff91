package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

var testRSAKey *rsa.PrivateKey

func testKeys(t *testing.T) Keys {
	t.Helper()

	if testRSAKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		testRSAKey = key
	}

	return Keys{
		AESKey:     []byte("0123456789abcdef"),
		PublicKey:  &testRSAKey.PublicKey,
		PrivateKey: testRSAKey,
		HMACSecret: []byte("nex server secret"),
	}
}

func TestCompactRoundTrip(t *testing.T) {
	keys := testKeys(t)

	for _, tokenType := range []Type{OAuthAccess, OAuthRefresh} {
		in := Token{SystemType: SystemWiiU, Type: tokenType, PID: 1234567890, ExpireTime: 1700000000000}

		blob, err := Marshal(keys, in)
		if err != nil {
			t.Fatal(err)
		}
		if len(blob) != 16 {
			t.Errorf("%s: %d byte token, want 16", tokenType, len(blob))
		}

		out, err := Unmarshal(keys, tokenType, blob)
		if err != nil {
			t.Fatal(err)
		}
		if out != in {
			t.Errorf("%s: got %+v, want %+v", tokenType, out, in)
		}
	}
}

func TestCompactIsDeterministic(t *testing.T) {
	keys := testKeys(t)
	in := Token{SystemType: System3DS, Type: OAuthAccess, PID: 1000000001, ExpireTime: 42}

	a, err := Encode(keys, in, Base64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(keys, in, Base64)
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Error("compact tokens for the same plaintext differ")
	}
}

func TestCompactRejectsTitleID(t *testing.T) {
	keys := testKeys(t)

	_, err := Marshal(keys, Token{Type: OAuthAccess, TitleID: 1})
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCompactKeyLength(t *testing.T) {
	keys := testKeys(t)
	keys.AESKey = keys.AESKey[:15]

	_, err := Marshal(keys, Token{Type: OAuthAccess})
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestLongRoundTrip(t *testing.T) {
	keys := testKeys(t)

	tests := []struct {
		token    Token
		encoding Encoding
	}{
		{Token{SystemType: System3DS, Type: NEX, PID: 1500000000, TitleID: 0x0004000000030800, ExpireTime: 1700003600000}, Base64},
		{Token{SystemType: SystemWiiU, Type: Service, PID: 1700000000, TitleID: 0x000500001010EC00, ExpireTime: 1700086400000}, Hex},
	}

	for _, test := range tests {
		encoded, err := Encode(keys, test.token, test.encoding)
		if err != nil {
			t.Fatal(err)
		}

		if test.encoding == Hex {
			if _, err := hex.DecodeString(encoded); err != nil {
				t.Errorf("hex encoding produced %q", encoded)
			}
		}

		out, err := Decode(keys, test.token.Type, encoded, test.encoding)
		if err != nil {
			t.Fatalf("%s: %v", test.token.Type, err)
		}
		if out != test.token {
			t.Errorf("got %+v, want %+v", out, test.token)
		}
	}
}

func TestLongUsesFreshKeys(t *testing.T) {
	keys := testKeys(t)
	in := Token{SystemType: System3DS, Type: NEX, PID: 1, TitleID: 2, ExpireTime: 3}

	a, err := Marshal(keys, in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(keys, in)
	if err != nil {
		t.Fatal(err)
	}

	if string(a) == string(b) {
		t.Error("two NEX tokens for the same plaintext are identical")
	}
}

func TestLongTamperedBody(t *testing.T) {
	keys := testKeys(t)
	in := Token{SystemType: System3DS, Type: NEX, PID: 1500000000, TitleID: 0x0004000000030800, ExpireTime: 1700003600000}

	blob, err := Marshal(keys, in)
	if err != nil {
		t.Fatal(err)
	}

	header := keys.PrivateKey.Size() + 2 + signatureLen
	for i := header; i < len(blob); i++ {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01

		if _, err := Unmarshal(keys, NEX, tampered); !errors.Is(err, ErrTampered) {
			t.Errorf("flipped body byte %d: expected ErrTampered, got %v", i-header, err)
		}
	}

	for i := keys.PrivateKey.Size() + 2; i < header; i++ {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x80

		if _, err := Unmarshal(keys, NEX, tampered); !errors.Is(err, ErrTampered) {
			t.Errorf("flipped signature byte %d: expected ErrTampered, got %v", i, err)
		}
	}
}

func TestLongWrongSecret(t *testing.T) {
	keys := testKeys(t)

	blob, err := Marshal(keys, Token{SystemType: SystemWiiU, Type: Service, PID: 7})
	if err != nil {
		t.Fatal(err)
	}

	keys.HMACSecret = []byte("another secret")
	if _, err := Unmarshal(keys, Service, blob); !errors.Is(err, ErrTampered) {
		t.Errorf("expected ErrTampered, got %v", err)
	}
}

func TestWrongType(t *testing.T) {
	keys := testKeys(t)

	blob, err := Marshal(keys, Token{SystemType: SystemWiiU, Type: NEX, PID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(keys, Service, blob); !errors.Is(err, ErrWrongType) {
		t.Errorf("NEX token read as service token: %v", err)
	}

	blob, err = Marshal(keys, Token{SystemType: SystemWiiU, Type: OAuthRefresh, PID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(keys, OAuthAccess, blob); !errors.Is(err, ErrWrongType) {
		t.Errorf("refresh token read as access token: %v", err)
	}
}

func TestMalformed(t *testing.T) {
	keys := testKeys(t)

	for _, encoded := range []string{"", "AAAA", "%%%"} {
		if _, err := Decode(keys, OAuthAccess, encoded, Base64); !errors.Is(err, ErrMalformed) {
			t.Errorf("access %q: expected ErrMalformed, got %v", encoded, err)
		}
		if _, err := Decode(keys, NEX, encoded, Base64); !errors.Is(err, ErrMalformed) {
			t.Errorf("nex %q: expected ErrMalformed, got %v", encoded, err)
		}
	}

	if _, err := Decode(keys, NEX, "zz", Hex); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad hex: expected ErrMalformed, got %v", err)
	}
}

func TestExpired(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	token := Token{ExpireTime: ExpiresIn(now, time.Hour)}
	if token.Expired(now) {
		t.Error("fresh token reported expired")
	}
	if !token.Expired(now.Add(time.Hour + time.Millisecond)) {
		t.Error("token past expiry reported valid")
	}
	if token.Expired(now.Add(time.Hour)) {
		t.Error("token at exact expiry reported expired")
	}
}

func TestParseType(t *testing.T) {
	for _, tokenType := range []Type{OAuthAccess, OAuthRefresh, NEX, Service} {
		parsed, err := ParseType(tokenType.String())
		if err != nil || parsed != tokenType {
			t.Errorf("%s: got %v, %v", tokenType, parsed, err)
		}
	}

	if _, err := ParseType("pnid"); err == nil {
		t.Error("unknown type name accepted")
	}
}
