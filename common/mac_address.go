package common

import (
	"regexp"
	"strings"
)

var regexMACAddress = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

// OUIs registered to Nintendo Co., Ltd.
var nintendoOUIs = map[string]struct{}{
	"0009bf": {}, "001656": {}, "0017ab": {}, "00191d": {}, "0019fd": {},
	"001ae9": {}, "001b7a": {}, "001bea": {}, "001cbe": {}, "001dbc": {},
	"001e35": {}, "001ea9": {}, "001f32": {}, "001fc5": {}, "002147": {},
	"0021bd": {}, "00224c": {}, "0022aa": {}, "0022d7": {}, "002331": {},
	"0023cc": {}, "00241e": {}, "002444": {}, "0024f3": {}, "0025a0": {},
	"002659": {}, "00265e": {}, "00265f": {}, "002709": {}, "0403d6": {},
	"182a7b": {}, "2c10c1": {}, "34af2c": {}, "40d28a": {}, "40f407": {},
	"582f40": {}, "58bda3": {}, "5c521e": {}, "606bff": {}, "64b5c6": {},
	"78a2a0": {}, "7cbb8a": {}, "8c56c5": {}, "8ccde8": {}, "98415c": {},
	"98b6e9": {}, "9458cb": {}, "9ce635": {}, "a438cc": {}, "a45c27": {},
	"a4c0e1": {}, "b87826": {}, "b88aec": {}, "b8ae6e": {}, "cc9e00": {},
	"ccfb65": {}, "d86bf7": {}, "dc68eb": {}, "e00c7f": {}, "e0e751": {},
	"e84ece": {}, "e8da20": {}, "ecc40d": {},
}

// IsNintendoMACAddress reports whether mac is 12 hex digits whose vendor
// prefix belongs to Nintendo.
func IsNintendoMACAddress(mac string) bool {
	if !regexMACAddress.MatchString(mac) {
		return false
	}

	_, ok := nintendoOUIs[strings.ToLower(mac[:6])]
	return ok
}
