package certificate

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type SignatureType uint32

const (
	SignatureRSA4096SHA1   SignatureType = 0x10000
	SignatureRSA2048SHA1   SignatureType = 0x10001
	SignatureECDSASHA1     SignatureType = 0x10002
	SignatureRSA4096SHA256 SignatureType = 0x10003
	SignatureRSA2048SHA256 SignatureType = 0x10004
	SignatureECDSASHA256   SignatureType = 0x10005
)

type signatureLayout struct {
	size    int
	padding int
	hash    crypto.Hash
}

var signatureLayouts = map[SignatureType]signatureLayout{
	SignatureRSA4096SHA1:   {size: 0x200, padding: 0x3C, hash: crypto.SHA1},
	SignatureRSA2048SHA1:   {size: 0x100, padding: 0x3C, hash: crypto.SHA1},
	SignatureECDSASHA1:     {size: 0x3C, padding: 0x40, hash: crypto.SHA1},
	SignatureRSA4096SHA256: {size: 0x200, padding: 0x3C, hash: crypto.SHA256},
	SignatureRSA2048SHA256: {size: 0x100, padding: 0x3C, hash: crypto.SHA256},
	SignatureECDSASHA256:   {size: 0x3C, padding: 0x40, hash: crypto.SHA256},
}

type KeyType uint32

const (
	KeyRSA4096 KeyType = 0x0
	KeyRSA2048 KeyType = 0x1
	KeyECDSA   KeyType = 0x2
)

type ConsoleType string

const (
	ConsoleWiiU ConsoleType = "wiiu"
	Console3DS  ConsoleType = "3ds"
)

const (
	// LFCSSize is the length of the compact 3DS "fcdcert" form.
	LFCSSize = 0x110

	WiiUIssuer = "Root-CA00000003-MS00000012"

	lfcsSignatureSize = 0x100

	offsetIssuer    = 0x80
	offsetKeyType   = 0xC0
	offsetName      = 0xC4
	offsetNGKeyID   = 0x104
	offsetPublicKey = 0x108
)

var (
	ErrMalformed              = errors.New("malformed certificate")
	ErrUnknownSignatureType   = fmt.Errorf("%w: unknown signature type", ErrMalformed)
	ErrInvalidCertificateName = errors.New("certificate name does not carry a device id")
)

// Certificate is a parsed device certificate. Valid is decided once, when
// the certificate is verified, and Body, Signature and PublicKey alias Raw.
type Certificate struct {
	Raw []byte

	LFCS          bool
	SignatureType SignatureType
	Issuer        string
	KeyType       KeyType
	Name          string
	NGKeyID       uint32
	PublicKey     []byte

	Body      []byte
	Signature []byte

	ConsoleType ConsoleType
	Valid       bool
}

func nulTerminated(data []byte) string {
	if index := bytes.IndexByte(data, 0); index >= 0 {
		data = data[:index]
	}
	return string(data)
}

// parse splits raw into its fields without checking the signature. Buffers
// of exactly LFCSSize bytes are always LFCS; everything else goes through the
// standard signed layout.
func parse(raw []byte) (Certificate, error) {
	if len(raw) == LFCSSize {
		return Certificate{
			Raw:         raw,
			LFCS:        true,
			Signature:   raw[:lfcsSignatureSize],
			Body:        raw[lfcsSignatureSize:],
			ConsoleType: Console3DS,
		}, nil
	}

	if len(raw) < 4 {
		return Certificate{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}

	signatureType := SignatureType(binary.BigEndian.Uint32(raw[0x00:0x04]))
	layout, ok := signatureLayouts[signatureType]
	if !ok {
		return Certificate{}, fmt.Errorf("%w 0x%08x", ErrUnknownSignatureType, uint32(signatureType))
	}

	bodyOffset := 0x04 + layout.size + layout.padding
	if len(raw) < offsetPublicKey || len(raw) < bodyOffset {
		return Certificate{}, fmt.Errorf("%w: %d bytes is too short for signature type 0x%08x", ErrMalformed, len(raw), uint32(signatureType))
	}

	cert := Certificate{
		Raw:           raw,
		SignatureType: signatureType,
		Signature:     raw[0x04 : 0x04+layout.size],
		Body:          raw[bodyOffset:],
		Issuer:        nulTerminated(raw[offsetIssuer:offsetKeyType]),
		KeyType:       KeyType(binary.BigEndian.Uint32(raw[offsetKeyType:offsetName])),
		Name:          nulTerminated(raw[offsetName:offsetNGKeyID]),
		NGKeyID:       binary.BigEndian.Uint32(raw[offsetNGKeyID:offsetPublicKey]),
		PublicKey:     raw[offsetPublicKey:],
	}

	if cert.Issuer == WiiUIssuer {
		cert.ConsoleType = ConsoleWiiU
	} else {
		cert.ConsoleType = Console3DS
	}

	return cert, nil
}

// Hash is the hex SHA-256 of the raw certificate, used to key device records.
func (c Certificate) Hash() string {
	return HashBytes(c.Raw)
}

func HashBytes(raw []byte) string {
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:])
}

// DeviceID extracts the numeric device id from a name like "NG1f2e3d4c" or
// "NG1f2e3d4c-01".
func (c Certificate) DeviceID() (uint32, error) {
	if !strings.HasPrefix(c.Name, "NG") {
		return 0, ErrInvalidCertificateName
	}

	hexID, _, _ := strings.Cut(c.Name[2:], "-")
	deviceID, err := strconv.ParseUint(hexID, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCertificateName, err)
	}

	return uint32(deviceID), nil
}
