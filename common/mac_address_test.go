package common

import "testing"

func TestIsNintendoMACAddress(t *testing.T) {
	tests := map[string]bool{
		"ECC40D123456":  true,
		"ecc40d123456":  true,
		"0009BFABCDEF":  true,
		"FFFFFF123456":  false,
		"ECC40D12345":   false,
		"ECC40D1234567": false,
		"ECC40D12345G":  false,
		"":              false,
	}

	for mac, want := range tests {
		if got := IsNintendoMACAddress(mac); got != want {
			t.Errorf("%q: got %v, want %v", mac, got, want)
		}
	}
}
