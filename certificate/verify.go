package certificate

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

const lfcsExponent = 65537

// Verifier holds the fixed keys certificates are checked against: the RSA-2048
// key that signs LFCS blobs and the per-console device CA points.
type Verifier struct {
	LFCSKey       *rsa.PublicKey
	WiiUDeviceKey []byte
	CTRDeviceKey  []byte
}

// NewVerifier builds a Verifier from hex strings. An empty string leaves that
// root unset, which makes every certificate depending on it untrusted.
func NewVerifier(lfcsModulus string, wiiuDeviceKey string, ctrDeviceKey string) (*Verifier, error) {
	v := &Verifier{}

	if lfcsModulus != "" {
		modulus, err := hex.DecodeString(lfcsModulus)
		if err != nil {
			return nil, fmt.Errorf("certificate: invalid LFCS modulus: %w", err)
		}
		if len(modulus) != 0x100 {
			return nil, fmt.Errorf("certificate: LFCS modulus must be 256 bytes, got %d", len(modulus))
		}

		v.LFCSKey = &rsa.PublicKey{
			N: new(big.Int).SetBytes(modulus),
			E: lfcsExponent,
		}
	}

	var err error
	if v.WiiUDeviceKey, err = decodePoint("Wii U", wiiuDeviceKey); err != nil {
		return nil, err
	}
	if v.CTRDeviceKey, err = decodePoint("3DS", ctrDeviceKey); err != nil {
		return nil, err
	}

	return v, nil
}

func decodePoint(name string, encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("certificate: invalid %s device key: %w", name, err)
	}
	if len(key) != PointSize {
		return nil, fmt.Errorf("certificate: %s device key must be %d bytes, got %d", name, PointSize, len(key))
	}

	return key, nil
}

// Verify parses raw and checks its signature. A well-formed certificate is
// returned even when the signature does not hold; callers must look at Valid.
func (v *Verifier) Verify(raw []byte) (Certificate, error) {
	cert, err := parse(raw)
	if err != nil {
		return Certificate{}, err
	}

	cert.Valid = v.check(cert)
	return cert, nil
}

// VerifyString is Verify for the standard base64 form carried in headers.
func (v *Verifier) VerifyString(encoded string) (Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Certificate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return v.Verify(raw)
}

func (v *Verifier) check(cert Certificate) bool {
	if cert.LFCS {
		return verifyRSA(v.LFCSKey, crypto.SHA256, cert.Body, cert.Signature)
	}

	hash := signatureLayouts[cert.SignatureType].hash

	switch cert.KeyType {
	case KeyRSA4096:
		key, ok := rsaKeyFromMaterial(cert.PublicKey, 0x200)
		return ok && verifyRSA(key, hash, cert.Body, cert.Signature)

	case KeyRSA2048:
		key, ok := rsaKeyFromMaterial(cert.PublicKey, 0x100)
		return ok && verifyRSA(key, hash, cert.Body, cert.Signature)

	case KeyECDSA:
		digest := sha256.Sum256(cert.Body)
		return VerifyECDSA(v.deviceKey(cert.ConsoleType), cert.Signature, digest[:])
	}

	return false
}

func (v *Verifier) deviceKey(consoleType ConsoleType) []byte {
	if consoleType == ConsoleWiiU {
		return v.WiiUDeviceKey
	}
	return v.CTRDeviceKey
}

// rsaKeyFromMaterial reads a modulus of modulusSize bytes followed by a
// big-endian u32 exponent.
func rsaKeyFromMaterial(material []byte, modulusSize int) (*rsa.PublicKey, bool) {
	if len(material) < modulusSize+4 {
		return nil, false
	}

	exponent := binary.BigEndian.Uint32(material[modulusSize : modulusSize+4])
	if exponent < 3 || exponent > math.MaxInt32 {
		return nil, false
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(material[:modulusSize]),
		E: int(exponent),
	}, true
}

func digest(hash crypto.Hash, data []byte) []byte {
	if hash == crypto.SHA1 {
		sum := sha1.Sum(data)
		return sum[:]
	}

	sum := sha256.Sum256(data)
	return sum[:]
}

func verifyRSA(key *rsa.PublicKey, hash crypto.Hash, body []byte, signature []byte) bool {
	if key == nil {
		return false
	}

	return rsa.VerifyPKCS1v15(key, hash, digest(hash, body), signature) == nil
}
