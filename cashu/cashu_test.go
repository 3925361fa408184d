package cashu

import (
	"encoding/hex"
	"reflect"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 64, expected: []uint64{64}},
		{amount: 255, expected: []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
		{amount: 0, expected: []uint64{}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 2, Id: "009a1f293253e41e", Secret: "secret1", C: "C1"},
		{Amount: 8, Id: "009a1f293253e41e", Secret: "secret2", C: "C2"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("unexpected duplicate proofs")
	}

	proofs = append(proofs, proofs[0])
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicate proofs")
	}
}

func TestCheckDuplicateBlindedMessages(t *testing.T) {
	blindedMessages := BlindedMessages{
		{Amount: 1, Id: "009a1f293253e41e", B_: "02abc1"},
		{Amount: 2, Id: "009a1f293253e41e", B_: "02abc2"},
	}
	if CheckDuplicateBlindedMessages(blindedMessages) {
		t.Error("unexpected duplicate blinded messages")
	}

	blindedMessages = append(blindedMessages, blindedMessages[1])
	if !CheckDuplicateBlindedMessages(blindedMessages) {
		t.Error("expected duplicate blinded messages")
	}
}

func TestTokenV3(t *testing.T) {
	tokenString := "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91IHZlcnkgbXVjaC4ifQ"
	tokenWithPadding := tokenString + "=="

	token, err := DecodeTokenV3(tokenString)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	tokenPadded, err := DecodeTokenV3(tokenWithPadding)
	if err != nil {
		t.Fatalf("error decoding padded token: %v", err)
	}
	if !reflect.DeepEqual(token, tokenPadded) {
		t.Error("decoded tokens do not match")
	}

	if token.Mint() != "https://8333.space:3338" {
		t.Errorf("expected 'https://8333.space:3338' but got '%v' instead", token.Mint())
	}
	if token.Unit != "sat" {
		t.Errorf("expected 'sat' but got '%v' instead", token.Unit)
	}
	if token.Memo != "Thank you very much." {
		t.Errorf("expected 'Thank you very much.' but got '%v' instead", token.Memo)
	}
	if token.Amount() != 10 {
		t.Errorf("expected amount of 10 but got '%v' instead", token.Amount())
	}

	proofs := token.Proofs()
	if len(proofs) != 2 {
		t.Fatalf("expected 2 proofs but got %v", len(proofs))
	}
	expectedProof := Proof{
		Amount: 2,
		Id:     "009a1f293253e41e",
		Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837",
		C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
	}
	if proofs[0] != expectedProof {
		t.Errorf("expected '%v' but got '%v' instead", expectedProof, proofs[0])
	}

	newToken, err := NewTokenV3(proofs, token.Mint(), Sat)
	if err != nil {
		t.Fatalf("error creating token: %v", err)
	}
	serialized, err := newToken.Serialize()
	if err != nil {
		t.Fatalf("error serializing token: %v", err)
	}
	reserialized, err := DecodeTokenV3(serialized)
	if err != nil {
		t.Fatalf("error decoding serialized token: %v", err)
	}
	if !reflect.DeepEqual(reserialized.Proofs(), proofs) {
		t.Error("proofs from serialized token do not match")
	}
}

func TestTokenV4(t *testing.T) {
	keysetIdBytes, _ := hex.DecodeString("00ad268c4d1f5826")
	Cbytes, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")

	token := TokenV4{
		TokenProofs: []TokenV4Proof{
			{
				Id: keysetIdBytes,
				Proofs: []ProofV4{
					{
						Amount: 1,
						Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
						C:      Cbytes,
					},
				},
			},
		},
		Memo:    "Thank you",
		MintURL: "http://localhost:3338",
		Unit:    "sat",
	}
	expected := "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ"

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatalf("error serializing token: %v", err)
	}
	if tokenString != expected {
		t.Errorf("expected '%v'\n\n but got '%v' instead", expected, tokenString)
	}

	decoded, err := DecodeTokenV4(tokenString)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	if decoded.Mint() != token.MintURL {
		t.Errorf("expected '%v' but got '%v' instead", token.MintURL, decoded.Mint())
	}
	if decoded.Memo != token.Memo {
		t.Errorf("expected '%v' but got '%v' instead", token.Memo, decoded.Memo)
	}
	if decoded.Amount() != 1 {
		t.Errorf("expected amount of 1 but got '%v' instead", decoded.Amount())
	}

	proofs := decoded.Proofs()
	expectedProof := Proof{
		Amount: 1,
		Id:     "00ad268c4d1f5826",
		Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
		C:      "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792",
	}
	if len(proofs) != 1 || proofs[0] != expectedProof {
		t.Errorf("expected '%v' but got '%v' instead", expectedProof, proofs)
	}

	roundtrip, err := NewTokenV4(proofs, decoded.Mint(), Sat)
	if err != nil {
		t.Fatalf("error creating token: %v", err)
	}
	if roundtrip.Proofs()[0] != expectedProof {
		t.Error("proofs from new token do not match")
	}
}

func TestDecodeToken(t *testing.T) {
	v4 := "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ"
	token, err := DecodeToken(v4)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	if _, ok := token.(*TokenV4); !ok {
		t.Errorf("expected V4 token but got %T", token)
	}

	if _, err := DecodeToken("cashuCinvalid"); err == nil {
		t.Error("expected error decoding invalid token")
	}
}

func TestUnitFromString(t *testing.T) {
	unit, err := UnitFromString("sat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unit != Sat {
		t.Errorf("expected '%v' but got '%v' instead", Sat, unit)
	}

	if _, err := UnitFromString("usd"); err == nil {
		t.Error("expected error for unsupported unit")
	}
}
