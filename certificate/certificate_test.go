package certificate

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
)

type testRoots struct {
	verifier *Verifier
	lfcsKey  *rsa.PrivateKey
	wiiuKey  []byte
	ctrKey   []byte
}

func newTestRoots(t *testing.T) testRoots {
	t.Helper()

	lfcsKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	wiiuKey, wiiuPublic, err := GenerateECCKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ctrKey, ctrPublic, err := GenerateECCKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	verifier, err := NewVerifier(hex.EncodeToString(lfcsKey.N.FillBytes(make([]byte, 0x100))), hex.EncodeToString(wiiuPublic), hex.EncodeToString(ctrPublic))
	if err != nil {
		t.Fatal(err)
	}

	return testRoots{verifier: verifier, lfcsKey: lfcsKey, wiiuKey: wiiuKey, ctrKey: ctrKey}
}

func TestECDSASignVerify(t *testing.T) {
	private, public, err := GenerateECCKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	derived, err := ECCPublicKey(private)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(derived, public) {
		t.Fatal("derived public key differs from generated one")
	}

	digest := sha256.Sum256([]byte("device body"))
	signature, err := SignECDSA(rand.Reader, private, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	if !VerifyECDSA(public, signature, digest[:]) {
		t.Fatal("valid signature rejected")
	}

	other := sha256.Sum256([]byte("other body"))
	if VerifyECDSA(public, signature, other[:]) {
		t.Error("signature accepted for a different digest")
	}

	signature[5] ^= 0x01
	if VerifyECDSA(public, signature, digest[:]) {
		t.Error("tampered signature accepted")
	}

	if VerifyECDSA(public[:59], signature, digest[:]) {
		t.Error("short public key accepted")
	}
}

func TestParseDispatchIsTotal(t *testing.T) {
	lfcs := make([]byte, LFCSSize)
	cert, err := parse(lfcs)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.LFCS || cert.ConsoleType != Console3DS || len(cert.Signature) != 0x100 || len(cert.Body) != 0x10 {
		t.Errorf("0x110 bytes not parsed as LFCS: %+v", cert)
	}

	for _, size := range []int{0, 3, 0x10F, 0x111, 0x180, 0x400} {
		raw := make([]byte, size)
		if size >= 4 {
			binary.BigEndian.PutUint32(raw, uint32(SignatureECDSASHA256))
		}

		cert, err := parse(raw)
		if size < offsetPublicKey {
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("size 0x%x: expected ErrMalformed, got %v", size, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("size 0x%x: %v", size, err)
			continue
		}
		if cert.LFCS {
			t.Errorf("size 0x%x parsed as LFCS", size)
		}
	}
}

func TestParseUnknownSignatureType(t *testing.T) {
	raw := make([]byte, 0x180)
	binary.BigEndian.PutUint32(raw, 0x10009)

	_, err := parse(raw)
	if !errors.Is(err, ErrUnknownSignatureType) || !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrUnknownSignatureType, got %v", err)
	}
}

func TestParseRSASizeNeedsFullBody(t *testing.T) {
	// RSA-4096 bodies start at 0x240
	raw := make([]byte, 0x200)
	binary.BigEndian.PutUint32(raw, uint32(SignatureRSA4096SHA256))

	_, err := parse(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestVerifyLFCS(t *testing.T) {
	roots := newTestRoots(t)

	body := []byte("0123456789abcdef")
	raw, err := IssueLFCS(rand.Reader, roots.lfcsKey, body)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := roots.verifier.Verify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.Valid {
		t.Fatal("LFCS certificate rejected")
	}
	if cert.ConsoleType != Console3DS {
		t.Errorf("LFCS console type = %q", cert.ConsoleType)
	}

	raw[0x105] ^= 0xFF
	cert, err = roots.verifier.Verify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Valid {
		t.Error("tampered LFCS certificate accepted")
	}

	unkeyed := &Verifier{}
	cert, err = unkeyed.Verify(raw)
	if err != nil || cert.Valid {
		t.Errorf("verifier without LFCS key accepted certificate: %v", err)
	}
}

func TestVerifyDeviceCertificate(t *testing.T) {
	roots := newTestRoots(t)

	_, devicePublic, err := GenerateECCKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := IssueDevice(rand.Reader, DeviceTemplate{
		Issuer:    WiiUIssuer,
		DeviceID:  0x1f2e3d4c,
		NGKeyID:   0x12345678,
		PublicKey: devicePublic,
	}, roots.wiiuKey)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := roots.verifier.VerifyString(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatal(err)
	}

	if !cert.Valid {
		t.Fatal("Wii U device certificate rejected")
	}
	if cert.ConsoleType != ConsoleWiiU || cert.Issuer != WiiUIssuer || cert.KeyType != KeyECDSA {
		t.Errorf("unexpected fields: %+v", cert)
	}
	if cert.NGKeyID != 0x12345678 {
		t.Errorf("NGKeyID = %08x", cert.NGKeyID)
	}
	if !bytes.Equal(cert.PublicKey[:PointSize], devicePublic) {
		t.Error("public key material mismatch")
	}

	deviceID, err := cert.DeviceID()
	if err != nil || deviceID != 0x1f2e3d4c {
		t.Errorf("DeviceID = %08x, %v", deviceID, err)
	}

	// Signed by the Wii U root but claiming a 3DS issuer
	raw3ds, err := IssueDevice(rand.Reader, DeviceTemplate{
		Issuer:   "Root-CA00000003-MS00000011",
		DeviceID: 0x1f2e3d4c,
	}, roots.wiiuKey)
	if err != nil {
		t.Fatal(err)
	}

	cert, err = roots.verifier.Verify(raw3ds)
	if err != nil {
		t.Fatal(err)
	}
	if cert.ConsoleType != Console3DS {
		t.Errorf("console type = %q", cert.ConsoleType)
	}
	if cert.Valid {
		t.Error("3DS certificate verified against the Wii U root")
	}
}

func TestVerifyUnknownKeyType(t *testing.T) {
	roots := newTestRoots(t)

	raw, err := IssueDevice(rand.Reader, DeviceTemplate{Issuer: WiiUIssuer, DeviceID: 1}, roots.wiiuKey)
	if err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint32(raw[offsetKeyType:], 0x7)

	cert, err := roots.verifier.Verify(raw)
	if err != nil {
		t.Fatalf("unknown key type must not be a parse error: %v", err)
	}
	if cert.Valid {
		t.Error("unknown key type verified")
	}
}

func TestVerifyStringRejectsBadBase64(t *testing.T) {
	roots := newTestRoots(t)

	_, err := roots.verifier.VerifyString("not base64!")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestRSAKeyMaterial(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	material := key.N.FillBytes(make([]byte, 0x100))
	material = binary.BigEndian.AppendUint32(material, uint32(key.E))

	public, ok := rsaKeyFromMaterial(material, 0x100)
	if !ok {
		t.Fatal("key material rejected")
	}
	if public.N.Cmp(key.N) != 0 || public.E != key.E {
		t.Fatal("key material decoded incorrectly")
	}

	body := []byte("certificate body")
	sum := sha1.Sum(body)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
	if err != nil {
		t.Fatal(err)
	}

	if !verifyRSA(public, crypto.SHA1, body, signature) {
		t.Error("valid RSA signature rejected")
	}
	if verifyRSA(public, crypto.SHA256, body, signature) {
		t.Error("signature accepted under the wrong hash")
	}

	if _, ok := rsaKeyFromMaterial(material[:0x102], 0x100); ok {
		t.Error("truncated key material accepted")
	}
}

func TestDeviceIDFromName(t *testing.T) {
	tests := []struct {
		name   string
		id     uint32
		expect bool
	}{
		{"NG1f2e3d4c", 0x1f2e3d4c, true},
		{"NG0000abcd-01", 0xabcd, true},
		{"AP0000abcd", 0, false},
		{"NGzz", 0, false},
	}

	for _, test := range tests {
		id, err := Certificate{Name: test.name}.DeviceID()
		if test.expect && (err != nil || id != test.id) {
			t.Errorf("%s: got %08x, %v", test.name, id, err)
		}
		if !test.expect && err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	if _, err := NewVerifier("abcd", "", ""); err == nil {
		t.Error("short LFCS modulus accepted")
	}
	if _, err := NewVerifier("", "00", ""); err == nil {
		t.Error("short device key accepted")
	}
	if v, err := NewVerifier("", "", ""); err != nil || v.LFCSKey != nil {
		t.Errorf("empty roots: %v", err)
	}
}
