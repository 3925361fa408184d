// Package crypto implements the blind Diffie-Hellman key exchange
// scheme used by the mint to sign and verify ecash.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const DomainSeparator = "Secp256k1_HashToCurve_Cashu_"

var ErrNoValidPoint = errors.New("no valid point found")

// HashToCurve maps a message to a point on the secp256k1 curve
// as specified in NUT-00.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(DomainSeparator), message...))

	counter := make([]byte, 4)
	for i := uint32(0); i < 1<<16; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		hash := sha256.Sum256(append(msgToHash[:], counter...))

		pkhash := append([]byte{0x02}, hash[:]...)
		point, err := secp256k1.ParsePubKey(pkhash)
		if err != nil {
			continue
		}
		return point, nil
	}

	return nil, ErrNoValidPoint
}

// BlindMessage computes B_ = Y + rG for the point Y derived from secret.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (
	*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {

	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)
	r.PubKey().AsJacobian(&rpoint)

	// blindedMessage = Y + rG
	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage computes C_ = kB_.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// Verify checks k * HashToCurve(secret) == C.
// Only the holder of k can perform this check; the blinding
// factor is not needed.
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE hashes the concatenation of the uncompressed hex
// serializations of the public keys as specified in NUT-12.
func HashE(pubkeys []*secp256k1.PublicKey) [32]byte {
	e := ""
	for _, pubkey := range pubkeys {
		e += hex.EncodeToString(pubkey.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(e))
}

// GenerateDLEQ generates a proof of discrete log equality (NUT-12)
// showing C_ was signed with the same key k behind the public key A.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := r.PubKey()
	R2 := SignBlindedMessage(B_, r)
	C_ := SignBlindedMessage(B_, k)
	A := k.PubKey()

	eHash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	e = secp256k1.PrivKeyFromBytes(eHash[:])

	// s = r + e*k
	var sScalar secp256k1.ModNScalar
	sScalar.Mul2(&e.Key, &k.Key).Add(&r.Key)
	sBytes := sScalar.Bytes()
	s = secp256k1.PrivKeyFromBytes(sBytes[:])

	return e, s, nil
}

// VerifyDLEQ checks R1 = sG - eA and R2 = sB_ - eC_ hash back to e.
func VerifyDLEQ(e, s *secp256k1.PrivateKey,
	A, B_, C_ *secp256k1.PublicKey) bool {

	var APoint, B_Point, C_Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	B_.AsJacobian(&B_Point)
	C_.AsJacobian(&C_Point)

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = sG - eA
	var sG, eANeg, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	secp256k1.ScalarMultNonConst(&eNeg, &APoint, &eANeg)
	secp256k1.AddNonConst(&sG, &eANeg, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	// R2 = sB_ - eC_
	var sB_, eC_Neg, R2Point secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Key, &B_Point, &sB_)
	secp256k1.ScalarMultNonConst(&eNeg, &C_Point, &eC_Neg)
	secp256k1.AddNonConst(&sB_, &eC_Neg, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	eHash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	eComputed := secp256k1.PrivKeyFromBytes(eHash[:])

	return e.Key.Equals(&eComputed.Key)
}
