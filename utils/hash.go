package utils

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"
)

// FieldBytes reduces v into the bn254 scalar field and returns its
// canonical 32-byte big-endian form.
func FieldBytes(v *big.Int) [32]byte {
	var e fr.Element
	e.SetBigInt(v)
	return e.Bytes()
}

// MiMC hashes field elements with MiMC over bn254. Inputs are reduced
// into the field first.
func MiMC(elems ...*big.Int) *big.Int {
	h := mimc.NewMiMC()
	for _, v := range elems {
		b := FieldBytes(v)
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// Keccak256 is the legacy (Ethereum) keccak.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// KeccakToField hashes data with keccak and reduces the digest into the
// scalar field.
func KeccakToField(data ...[]byte) *big.Int {
	var e fr.Element
	e.SetBytes(Keccak256(data...))
	return e.BigInt(new(big.Int))
}

// Uint64ToBig / BytesToBig are shorthands for building hash inputs.
func Uint64ToBig(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
func BytesToBig(b []byte) *big.Int  { return new(big.Int).SetBytes(b) }
