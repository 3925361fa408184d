package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/openecash/mintd/cashu/nuts/nut01"
)

const maxOrder = 64

type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset deterministically derives a keyset from the master key
// at path m/0'/0'/index', with one hardened child key per power-of-two
// amount. The same master key and index always produce the same keyset.
func GenerateKeyset(master *hdkeychain.ExtendedKey, index uint32, inputFeePpk uint, active bool) (*MintKeyset, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	unitPath, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	keysetPath, err := unitPath.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]KeyPair, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}

		amount := uint64(1) << i
		keys[amount] = KeyPair{
			PrivateKey: privKey,
			PublicKey:  privKey.PubKey(),
		}
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(keys),
		Unit:              "sat",
		Active:            active,
		DerivationPathIdx: index,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}, nil
}

// DeriveKeysetId returns the content-derived keyset id:
// "00" followed by the first 14 hex chars of the hash of the
// public keys sorted by amount.
func DeriveKeysetId(keys map[uint64]KeyPair) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(keys)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].PublicKey.SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// PublicKeys returns the keyset's public keys by amount
// in compressed hex.
func (ks *MintKeyset) PublicKeys() nut01.KeysMap {
	publicKeys := make(nut01.KeysMap, len(ks.Keys))
	for amount, key := range ks.Keys {
		publicKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return publicKeys
}
