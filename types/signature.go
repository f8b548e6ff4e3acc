package types

import (
	"errors"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"

	"rollup/utils"
)

// PrivateKey is an EdDSA key on the Baby Jubjub curve embedded in bn254.
// Signatures are over the MiMC hash of a transaction.
type PrivateKey struct {
	k *eddsa.PrivateKey
}

func GenerateKey(r io.Reader) (*PrivateKey, error) {
	k, err := eddsa.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{k: k}, nil
}

// PublicKey returns the (Ax, Ay) account key.
func (p *PrivateKey) PublicKey() (ax, ay *big.Int) {
	ax = p.k.PublicKey.A.X.BigInt(new(big.Int))
	ay = p.k.PublicKey.A.Y.BigInt(new(big.Int))
	return ax, ay
}

func (p *PrivateKey) SignHash(h *big.Int) ([]byte, error) {
	msg := utils.FieldBytes(h)
	return p.k.Sign(msg[:], mimc.NewMiMC())
}

// VerifySignature checks sig over h against the public key (ax, ay).
func VerifySignature(ax, ay, h *big.Int, sig []byte) bool {
	if len(sig) == 0 || ax == nil || ay == nil {
		return false
	}
	var pub eddsa.PublicKey
	pub.A.X.SetBigInt(ax)
	pub.A.Y.SetBigInt(ay)
	if !pub.A.IsOnCurve() {
		return false
	}
	msg := utils.FieldBytes(h)
	ok, err := pub.Verify(sig, msg[:], mimc.NewMiMC())
	return err == nil && ok
}

var ErrBadSignature = errors.New("types: bad signature encoding")

// DecodeSignature splits sig into R8x, R8y and S for the circuit.
func DecodeSignature(sig []byte) (r8x, r8y, s *big.Int, err error) {
	var es eddsa.Signature
	if _, err := es.SetBytes(sig); err != nil {
		return nil, nil, nil, errors.Join(ErrBadSignature, err)
	}
	r8x = es.R.X.BigInt(new(big.Int))
	r8y = es.R.Y.BigInt(new(big.Int))
	s = new(big.Int).SetBytes(es.S[:])
	return r8x, r8y, s, nil
}
