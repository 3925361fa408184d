package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func newTestMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("error deriving master key: %v", err)
	}
	return master
}

func TestGenerateKeyset(t *testing.T) {
	master := newTestMaster(t)

	keyset, err := GenerateKeyset(master, 0, 100, true)
	if err != nil {
		t.Fatalf("error generating keyset: %v", err)
	}

	if len(keyset.Keys) != maxOrder {
		t.Errorf("expected %v keys but got %v", maxOrder, len(keyset.Keys))
	}
	if !strings.HasPrefix(keyset.Id, "00") {
		t.Errorf("keyset id '%v' does not have version prefix", keyset.Id)
	}
	if len(keyset.Id) != 16 {
		t.Errorf("keyset id '%v' has invalid length", keyset.Id)
	}
	if keyset.InputFeePpk != 100 {
		t.Errorf("expected fee of 100 but got %v", keyset.InputFeePpk)
	}

	// every amount is a power of two with a key
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		keypair, ok := keyset.Keys[amount]
		if !ok {
			t.Fatalf("no key for amount %v", amount)
		}
		if keypair.PrivateKey.PubKey() != keypair.PublicKey {
			t.Fatalf("public key for amount %v does not match private key", amount)
		}
	}
}

func TestKeysetDerivationDeterministic(t *testing.T) {
	master := newTestMaster(t)

	first, err := GenerateKeyset(master, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := GenerateKeyset(master, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if first.Id != second.Id {
		t.Errorf("same seed and index produced different ids: '%v' and '%v'",
			first.Id, second.Id)
	}

	nextIndex, err := GenerateKeyset(master, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if nextIndex.Id == first.Id {
		t.Error("different derivation indexes produced the same keyset id")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	master := newTestMaster(t)

	keyset, err := GenerateKeyset(master, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	// id derivation only depends on the public keys
	if id := DeriveKeysetId(keyset.Keys); id != keyset.Id {
		t.Errorf("rederived id '%v' does not match keyset id '%v'", id, keyset.Id)
	}
}

func TestPublicKeys(t *testing.T) {
	master := newTestMaster(t)

	keyset, err := GenerateKeyset(master, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	publicKeys := keyset.PublicKeys()
	if len(publicKeys) != maxOrder {
		t.Fatalf("expected %v public keys but got %v", maxOrder, len(publicKeys))
	}
	for amount, keypair := range keyset.Keys {
		expected := hex.EncodeToString(keypair.PublicKey.SerializeCompressed())
		if publicKeys[amount] != expected {
			t.Fatalf("public key for amount %v does not match", amount)
		}
	}
}
