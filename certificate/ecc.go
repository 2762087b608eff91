// Based on segher's wii.git "ec.c"
// Copyright 2007,2008  Segher Boessenkool  <segher@kernel.crashing.org>

package certificate

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
)

// Arithmetic on sect233r1 (y^2 + xy = x^3 + x^2 + b over GF(2^233)), the curve
// used by Wii U and 3DS device certificates. Elements are 30 byte big-endian
// polynomials reduced modulo x^233 + x^74 + 1.

const (
	elementSize  = 30
	fieldBits    = 233
	orderBits    = 233
	PointSize    = elementSize * 2
	SignatureECC = elementSize * 2
)

type element [elementSize]byte

type point struct {
	x, y element
}

var (
	curveN = new(big.Int).SetBytes([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x13, 0xe9, 0x74, 0xe7, 0x2f, 0x8a, 0x69, 0x22, 0x03, 0x1d, 0x26, 0x03, 0xcf, 0xe0, 0xd7})
	curveG = mustPoint([]byte{0x00, 0xfa, 0xc9, 0xdf, 0xcb, 0xac, 0x83, 0x13, 0xbb, 0x21, 0x39, 0xf1, 0xbb, 0x75, 0x5f, 0xef, 0x65, 0xbc, 0x39, 0x1f, 0x8b, 0x36, 0xf8, 0xf8, 0xeb, 0x73, 0x71, 0xfd, 0x55, 0x8b, 0x01, 0x00, 0x6a, 0x08, 0xa4, 0x19, 0x03, 0x35, 0x06, 0x78, 0xe5, 0x85, 0x28, 0xbe, 0xbf, 0x8a, 0x0b, 0xef, 0xf8, 0x67, 0xa7, 0xca, 0x36, 0x71, 0x6f, 0x7e, 0x01, 0xf8, 0x10, 0x52})

	// Nibble to bit-interleaved byte, for squaring.
	squareTable = [16]byte{0x00, 0x01, 0x04, 0x05, 0x10, 0x11, 0x14, 0x15, 0x40, 0x41, 0x44, 0x45, 0x50, 0x51, 0x54, 0x55}

	ErrInvalidPoint = errors.New("ecc: public key must be 60 bytes")
)

func mustPoint(raw []byte) point {
	p, err := pointFromBytes(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func pointFromBytes(raw []byte) (point, error) {
	var p point
	if len(raw) != PointSize {
		return p, ErrInvalidPoint
	}

	copy(p.x[:], raw[:elementSize])
	copy(p.y[:], raw[elementSize:])
	return p, nil
}

func (p point) bytes() []byte {
	return append(bytes.Clone(p.x[:]), p.y[:]...)
}

func (a element) isZero() bool {
	return a == element{}
}

func (p point) isZero() bool {
	return p.x.isZero() && p.y.isZero()
}

func elementAdd(a, b element) element {
	var d element
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// elementMulX multiplies by x, folding bit 233 back in as x^74 + 1.
func elementMulX(a element) element {
	var d element
	carry := a[0] & 1

	x := byte(0)
	for i := 0; i < elementSize-1; i++ {
		y := a[i+1]
		d[i] = x ^ (y >> 7)
		x = y << 1
	}
	d[29] = x ^ carry
	d[20] ^= carry << 2
	return d
}

func elementMul(a, b element) element {
	var d element

	i := 0
	mask := byte(1)
	for n := 0; n < fieldBits; n++ {
		d = elementMulX(d)

		if a[i]&mask != 0 {
			d = elementAdd(d, b)
		}

		mask >>= 1
		if mask == 0 {
			mask = 0x80
			i++
		}
	}

	return d
}

func elementSquare(a element) element {
	var wide [elementSize * 2]byte
	for i := 0; i < elementSize; i++ {
		wide[2*i] = squareTable[a[i]>>4]
		wide[2*i+1] = squareTable[a[i]&15]
	}

	for i := 0; i < elementSize; i++ {
		x := wide[i]

		wide[i+19] ^= x >> 7
		wide[i+20] ^= x << 1

		wide[i+29] ^= x >> 1
		wide[i+30] ^= x << 7
	}

	x := wide[30] & 0xfe

	wide[49] ^= x >> 7
	wide[50] ^= x << 1

	wide[59] ^= x >> 1

	wide[30] &= 1

	var d element
	copy(d[:], wide[elementSize:])
	return d
}

func itohTsujii(a, b element, j int) element {
	t := a
	for ; j != 0; j-- {
		t = elementSquare(t)
	}

	return elementMul(t, b)
}

// elementInv computes a^(2^233 - 2) with an Itoh-Tsujii addition chain.
func elementInv(a element) element {
	t := itohTsujii(a, a, 1)
	s := itohTsujii(t, a, 1)
	t = itohTsujii(s, s, 3)
	s = itohTsujii(t, a, 1)
	t = itohTsujii(s, s, 7)
	s = itohTsujii(t, t, 14)
	t = itohTsujii(s, a, 1)
	s = itohTsujii(t, t, 29)
	t = itohTsujii(s, s, 58)
	s = itohTsujii(t, t, 116)
	return elementSquare(s)
}

func pointDouble(p point) point {
	if p.x.isZero() {
		return point{}
	}

	s := elementMul(p.y, elementInv(p.x))
	s = elementAdd(s, p.x)

	t := elementSquare(p.x)

	rx := elementAdd(elementSquare(s), s)
	rx[29] ^= 1

	ry := elementMul(s, rx)
	ry = elementAdd(ry, rx)
	ry = elementAdd(ry, t)

	return point{x: rx, y: ry}
}

func pointAdd(p, q point) point {
	if p.isZero() {
		return q
	}

	if q.isZero() {
		return p
	}

	u := elementAdd(p.x, q.x)
	if u.isZero() {
		if elementAdd(p.y, q.y).isZero() {
			return pointDouble(p)
		}
		return point{}
	}

	s := elementMul(elementInv(u), elementAdd(p.y, q.y))

	t := elementAdd(elementSquare(s), s)
	t = elementAdd(t, q.x)
	t[29] ^= 1

	rx := elementAdd(t, p.x)
	ry := elementAdd(elementAdd(elementMul(s, t), p.y), rx)

	return point{x: rx, y: ry}
}

func pointMul(scalar element, p point) point {
	var d point

	for i := 0; i < elementSize; i++ {
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			d = pointDouble(d)
			if scalar[i]&mask != 0 {
				d = pointAdd(d, p)
			}
		}
	}
	return d
}

func scalarFromInt(a *big.Int) element {
	var e element
	a.FillBytes(e[:])
	return e
}

// hashToInt keeps the leftmost orderBits bits of digest, as ECDSA requires
// when the digest is wider than the group order.
func hashToInt(digest []byte) *big.Int {
	e := new(big.Int).SetBytes(digest)
	if excess := len(digest)*8 - orderBits; excess > 0 {
		e.Rsh(e, uint(excess))
	}
	return e
}

// VerifyECDSA checks a raw r||s signature over digest against a 60 byte
// public point.
func VerifyECDSA(publicKey []byte, signature []byte, digest []byte) bool {
	q, err := pointFromBytes(publicKey)
	if err != nil || len(signature) != SignatureECC {
		return false
	}

	r := new(big.Int).SetBytes(signature[:elementSize])
	s := new(big.Int).SetBytes(signature[elementSize:])
	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(curveN) >= 0 || s.Cmp(curveN) >= 0 {
		return false
	}

	w := new(big.Int).ModInverse(s, curveN)
	e := hashToInt(digest)

	u1 := new(big.Int).Mul(e, w)
	u1.Mod(u1, curveN)
	u2 := new(big.Int).Mul(r, w)
	u2.Mod(u2, curveN)

	sum := pointAdd(pointMul(scalarFromInt(u1), curveG), pointMul(scalarFromInt(u2), q))
	if sum.isZero() {
		return false
	}

	v := new(big.Int).SetBytes(sum.x[:])
	v.Mod(v, curveN)
	return v.Cmp(r) == 0
}

func randomScalar(random io.Reader) (*big.Int, error) {
	limit := new(big.Int).Sub(curveN, big.NewInt(1))
	k, err := rand.Int(random, limit)
	if err != nil {
		return nil, err
	}
	return k.Add(k, big.NewInt(1)), nil
}

// GenerateECCKey returns a 30 byte private scalar and its 60 byte public point.
func GenerateECCKey(random io.Reader) (privateKey []byte, publicKey []byte, err error) {
	d, err := randomScalar(random)
	if err != nil {
		return nil, nil, err
	}

	scalar := scalarFromInt(d)
	return scalar[:], pointMul(scalar, curveG).bytes(), nil
}

// ECCPublicKey derives the public point for a 30 byte private scalar.
func ECCPublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != elementSize {
		return nil, errors.New("ecc: private key must be 30 bytes")
	}

	var scalar element
	copy(scalar[:], privateKey)
	return pointMul(scalar, curveG).bytes(), nil
}

// SignECDSA produces a raw r||s signature over digest.
func SignECDSA(random io.Reader, privateKey []byte, digest []byte) ([]byte, error) {
	if len(privateKey) != elementSize {
		return nil, errors.New("ecc: private key must be 30 bytes")
	}

	d := new(big.Int).SetBytes(privateKey)
	e := hashToInt(digest)

	for {
		k, err := randomScalar(random)
		if err != nil {
			return nil, err
		}

		kg := pointMul(scalarFromInt(k), curveG)
		r := new(big.Int).SetBytes(kg.x[:])
		r.Mod(r, curveN)
		if r.Sign() == 0 {
			continue
		}

		s := new(big.Int).Mul(r, d)
		s.Add(s, e)
		s.Mul(s, new(big.Int).ModInverse(k, curveN))
		s.Mod(s, curveN)
		if s.Sign() == 0 {
			continue
		}

		signature := make([]byte, SignatureECC)
		r.FillBytes(signature[:elementSize])
		s.FillBytes(signature[elementSize:])
		return signature, nil
	}
}
