package certificate

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	deviceCertificateSize = 0x180
	lfcsBodySize          = LFCSSize - lfcsSignatureSize
)

// DeviceTemplate describes an ECDSA-SHA256 device certificate to issue.
type DeviceTemplate struct {
	Issuer    string
	DeviceID  uint32
	NGKeyID   uint32
	PublicKey []byte
}

func DeviceName(deviceID uint32) string {
	return fmt.Sprintf("NG%08x", deviceID)
}

// IssueDevice lays out and signs a device certificate with a CA scalar, for
// lab consoles and emulators that carry no retail certificate.
func IssueDevice(random io.Reader, template DeviceTemplate, caPrivateKey []byte) ([]byte, error) {
	if len(template.Issuer) >= offsetKeyType-offsetIssuer {
		return nil, errors.New("certificate: issuer too long")
	}
	if len(template.PublicKey) != 0 && len(template.PublicKey) != PointSize {
		return nil, ErrInvalidPoint
	}

	raw := make([]byte, deviceCertificateSize)
	binary.BigEndian.PutUint32(raw[0x00:0x04], uint32(SignatureECDSASHA256))
	copy(raw[offsetIssuer:offsetKeyType], template.Issuer)
	binary.BigEndian.PutUint32(raw[offsetKeyType:offsetName], uint32(KeyECDSA))
	copy(raw[offsetName:offsetNGKeyID], DeviceName(template.DeviceID))
	binary.BigEndian.PutUint32(raw[offsetNGKeyID:offsetPublicKey], template.NGKeyID)
	copy(raw[offsetPublicKey:offsetPublicKey+PointSize], template.PublicKey)

	layout := signatureLayouts[SignatureECDSASHA256]
	digest := sha256.Sum256(raw[0x04+layout.size+layout.padding:])
	signature, err := SignECDSA(random, caPrivateKey, digest[:])
	if err != nil {
		return nil, err
	}

	copy(raw[0x04:0x04+layout.size], signature)
	return raw, nil
}

// IssueLFCS signs a 16 byte LFCS body into the compact fcdcert form.
func IssueLFCS(random io.Reader, key *rsa.PrivateKey, body []byte) ([]byte, error) {
	if len(body) != lfcsBodySize {
		return nil, fmt.Errorf("certificate: LFCS body must be %d bytes, got %d", lfcsBodySize, len(body))
	}
	if key.Size() != lfcsSignatureSize {
		return nil, errors.New("certificate: LFCS key must be RSA-2048")
	}

	digest := sha256.Sum256(body)
	signature, err := rsa.SignPKCS1v15(random, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}

	return append(signature, body...), nil
}
