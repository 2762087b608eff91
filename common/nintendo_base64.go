package common

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedField is returned when a NASC form field is not valid
// Nintendo base64.
var ErrMalformedField = errors.New("malformed field")

var (
	toNintendoBase64   = strings.NewReplacer("+", ".", "/", "-", "=", "*")
	fromNintendoBase64 = strings.NewReplacer(".", "+", "-", "/", "*", "=")
)

// NintendoBase64Encode encodes data with the alphabet used by every field of
// the /ac endpoint: standard base64 with '+' as '.', '/' as '-' and '=' as '*'.
func NintendoBase64Encode(data []byte) string {
	return toNintendoBase64.Replace(base64.StdEncoding.EncodeToString(data))
}

func NintendoBase64EncodeString(value string) string {
	return NintendoBase64Encode([]byte(value))
}

// NintendoBase64Decode reverses NintendoBase64Encode. Characters outside the
// substituted set are handed to the standard decoder unchanged.
func NintendoBase64Decode(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(fromNintendoBase64.Replace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}

	return data, nil
}

func NintendoBase64DecodeString(encoded string) (string, error) {
	data, err := NintendoBase64Decode(encoded)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
