package bolt

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
	"github.com/openecash/mintd/mint/storage"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("error setting up bolt db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSeed(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.GetSeed(); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}

	seed := []byte(generateRandomString(64))
	if err := db.SaveSeed(seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}
	dbSeed, err := db.GetSeed()
	if err != nil {
		t.Fatalf("error getting seed: %v", err)
	}
	if !reflect.DeepEqual(seed, dbSeed) {
		t.Fatal("seed from db does not match saved one")
	}
}

func TestKeysets(t *testing.T) {
	db := newTestDB(t)

	keyset := storage.DBKeyset{
		Id:                generateRandomString(16),
		Unit:              "sat",
		Active:            true,
		DerivationPathIdx: 0,
		InputFeePpk:       100,
	}
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets, err := db.GetKeysets()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	if len(keysets) != 1 || !reflect.DeepEqual(keysets[0], keyset) {
		t.Fatal("keyset from db does not match saved one")
	}

	if err := db.UpdateKeysetActive(keyset.Id, false); err != nil {
		t.Fatalf("error updating keyset: %v", err)
	}
	keysets, _ = db.GetKeysets()
	if keysets[0].Active {
		t.Fatal("expected keyset to be inactive")
	}

	if err := db.UpdateKeysetActive("unknown-id", false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}
}

func TestSpendProofs(t *testing.T) {
	db := newTestDB(t)

	proofs := generateRandomProofs(20)
	signatures := generateRandomBlindSignatures(10)
	if err := db.SpendProofs(proofs, signatures); err != nil {
		t.Fatalf("error spending proofs: %v", err)
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	used, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(used) != len(proofs) {
		t.Fatalf("expected %v used proofs but got %v", len(proofs), len(used))
	}

	// spending any of the same proofs again has to fail and leave the
	// new signatures unrecorded
	doubleSpend := append(generateRandomProofs(5), proofs[0])
	moreSignatures := generateRandomBlindSignatures(5)
	err = db.SpendProofs(doubleSpend, moreSignatures)
	if !errors.Is(err, storage.ErrProofAlreadyUsed) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrProofAlreadyUsed, err)
	}
	if _, err := db.GetBlindSignature(moreSignatures[0].B_); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}

	sigs, err := db.GetBlindSignatures([]string{signatures[0].B_, signatures[1].B_})
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 blind signatures but got %v", len(sigs))
	}
	if sigs[0].DLEQ == nil {
		t.Fatal("expected DLEQ proof in blind signature")
	}
}

func TestMintQuotes(t *testing.T) {
	db := newTestDB(t)

	quote := generateRandomMintQuote()
	if err := db.SaveMintQuote(quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	dbQuote, err := db.GetMintQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(quote, dbQuote) {
		t.Fatal("quote from db does not match generated one")
	}

	dbQuote, err = db.GetMintQuoteByPaymentHash(quote.PaymentHash)
	if err != nil {
		t.Fatalf("error getting mint quote by payment hash: %v", err)
	}
	if !reflect.DeepEqual(quote, dbQuote) {
		t.Fatal("quote from db does not match generated one")
	}

	if _, err := db.GetMintQuote("unknown-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}

	// state transitions only apply from the expected previous state
	if err := db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote state: %v", err)
	}
	err = db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid)
	if !errors.Is(err, storage.ErrQuoteStateConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteStateConflict, err)
	}

	signatures := generateRandomBlindSignatures(4)
	if err := db.IssueMintQuote(quote.Id, signatures); err != nil {
		t.Fatalf("error issuing mint quote: %v", err)
	}
	dbQuote, _ = db.GetMintQuote(quote.Id)
	if dbQuote.State != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, dbQuote.State)
	}
	if _, err := db.GetBlindSignature(signatures[0].B_); err != nil {
		t.Fatalf("error getting blind signature: %v", err)
	}

	// a second issuance of the same quote has to fail
	err = db.IssueMintQuote(quote.Id, generateRandomBlindSignatures(4))
	if !errors.Is(err, storage.ErrQuoteStateConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteStateConflict, err)
	}
}

func TestMeltQuotes(t *testing.T) {
	db := newTestDB(t)

	quote := generateRandomMeltQuote()
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	dbQuote, err := db.GetMeltQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(quote, dbQuote) {
		t.Fatal("quote from db does not match generated one")
	}

	dbQuote, err = db.GetMeltQuoteByPaymentRequest(quote.InvoiceRequest)
	if err != nil {
		t.Fatalf("error getting melt quote by payment request: %v", err)
	}
	if !reflect.DeepEqual(quote, dbQuote) {
		t.Fatal("quote from db does not match generated one")
	}

	if _, err := db.GetMeltQuote("unknown-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}
}

func TestReserveAndSettleMeltQuote(t *testing.T) {
	db := newTestDB(t)

	quote := generateRandomMeltQuote()
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	proofs := generateRandomProofs(10)
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}

	changeOutputs := generateRandomBlindedMessages(3)
	if err := db.ReserveMeltQuote(quote.Id, proofs, changeOutputs); err != nil {
		t.Fatalf("error reserving melt quote: %v", err)
	}

	dbQuote, _ := db.GetMeltQuote(quote.Id)
	if dbQuote.State != nut05.Pending {
		t.Fatalf("expected quote state '%v' but got '%v'", nut05.Pending, dbQuote.State)
	}
	if !reflect.DeepEqual(dbQuote.ChangeOutputs, changeOutputs) {
		t.Fatal("change outputs from db do not match generated ones")
	}

	pending, err := db.GetPendingProofs(Ys)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}
	if len(pending) != len(proofs) {
		t.Fatalf("expected %v pending proofs but got %v", len(proofs), len(pending))
	}
	for _, proof := range pending {
		if proof.MeltQuoteId != quote.Id {
			t.Fatalf("expected melt quote id '%v' but got '%v'", quote.Id, proof.MeltQuoteId)
		}
	}
	byQuote, err := db.GetPendingProofsByQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting pending proofs by quote: %v", err)
	}
	if len(byQuote) != len(proofs) {
		t.Fatalf("expected %v pending proofs but got %v", len(proofs), len(byQuote))
	}

	// reserving an already pending quote has to fail
	err = db.ReserveMeltQuote(quote.Id, generateRandomProofs(2), nil)
	if !errors.Is(err, storage.ErrQuoteStateConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteStateConflict, err)
	}

	// reserved proofs cannot be reserved under another quote
	otherQuote := generateRandomMeltQuote()
	if err := db.SaveMeltQuote(otherQuote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}
	err = db.ReserveMeltQuote(otherQuote.Id, proofs, nil)
	if !errors.Is(err, storage.ErrProofPending) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrProofPending, err)
	}

	change := generateRandomBlindSignatures(2)
	if err := db.SettleMeltQuote(quote.Id, "settlementpreimage", change); err != nil {
		t.Fatalf("error settling melt quote: %v", err)
	}

	dbQuote, _ = db.GetMeltQuote(quote.Id)
	if dbQuote.State != nut05.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut05.Paid, dbQuote.State)
	}
	if dbQuote.Preimage != "settlementpreimage" {
		t.Fatalf("expected preimage 'settlementpreimage' but got '%v'", dbQuote.Preimage)
	}
	if dbQuote.ChangeOutputs != nil {
		t.Fatal("expected change outputs to be cleared after settling")
	}

	// reserved proofs became spent proofs
	pending, _ = db.GetPendingProofs(Ys)
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}
	used, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(used) != len(proofs) {
		t.Fatalf("expected %v used proofs but got %v", len(proofs), len(used))
	}
	for _, proof := range used {
		if proof.MeltQuoteId != "" {
			t.Fatal("expected no melt quote id on spent proof")
		}
	}

	if _, err := db.GetBlindSignature(change[0].B_); err != nil {
		t.Fatalf("error getting change signature: %v", err)
	}

	// settling again has to fail
	err = db.SettleMeltQuote(quote.Id, "otherpreimage", nil)
	if !errors.Is(err, storage.ErrQuoteStateConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteStateConflict, err)
	}
}

func TestUnreserveMeltQuote(t *testing.T) {
	db := newTestDB(t)

	quote := generateRandomMeltQuote()
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	proofs := generateRandomProofs(5)
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}

	if err := db.ReserveMeltQuote(quote.Id, proofs, generateRandomBlindedMessages(2)); err != nil {
		t.Fatalf("error reserving melt quote: %v", err)
	}
	if err := db.UnreserveMeltQuote(quote.Id); err != nil {
		t.Fatalf("error unreserving melt quote: %v", err)
	}

	dbQuote, _ := db.GetMeltQuote(quote.Id)
	if dbQuote.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut05.Unpaid, dbQuote.State)
	}
	if dbQuote.ChangeOutputs != nil {
		t.Fatal("expected change outputs to be cleared after unreserving")
	}
	pending, _ := db.GetPendingProofs(Ys)
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}
	used, _ := db.GetProofsUsed(Ys)
	if len(used) != 0 {
		t.Fatalf("expected no used proofs but got %v", len(used))
	}

	// unreserving a quote that is not pending has to fail
	err := db.UnreserveMeltQuote(quote.Id)
	if !errors.Is(err, storage.ErrQuoteStateConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteStateConflict, err)
	}
}

func TestBalance(t *testing.T) {
	db := newTestDB(t)

	balance, err := db.GetBalance()
	if err != nil {
		t.Fatalf("error getting balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance of 0 but got %v", balance)
	}

	keysetId := generateRandomString(16)
	signatures := generateRandomBlindSignatures(4)
	for i := range signatures {
		signatures[i].Id = keysetId
		signatures[i].Amount = 8
	}
	proofs := generateRandomProofs(2)
	for i := range proofs {
		proofs[i].Id = keysetId
		proofs[i].Amount = 4
	}

	if err := db.SpendProofs(proofs, signatures); err != nil {
		t.Fatalf("error spending proofs: %v", err)
	}

	// issued 32, redeemed 8
	balance, err = db.GetBalance()
	if err != nil {
		t.Fatalf("error getting balance: %v", err)
	}
	if balance != 24 {
		t.Fatalf("expected balance of 24 but got %v", balance)
	}

	issued, err := db.GetIssuedByKeyset()
	if err != nil {
		t.Fatalf("error getting issued amounts: %v", err)
	}
	if issued[keysetId] != 32 {
		t.Fatalf("expected issued amount of 32 but got %v", issued[keysetId])
	}
	redeemed, err := db.GetRedeemedByKeyset()
	if err != nil {
		t.Fatalf("error getting redeemed amounts: %v", err)
	}
	if redeemed[keysetId] != 8 {
		t.Fatalf("expected redeemed amount of 8 but got %v", redeemed[keysetId])
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func generateRandomBlindedMessages(num int) cashu.BlindedMessages {
	messages := make(cashu.BlindedMessages, num)
	for i := 0; i < num; i++ {
		messages[i] = cashu.BlindedMessage{
			Amount: 1,
			Id:     generateRandomString(16),
			B_:     generateRandomString(66),
		}
	}
	return messages
}

func generateRandomProofs(num int) []storage.DBProof {
	proofs := make([]storage.DBProof, num)
	for i := 0; i < num; i++ {
		proofs[i] = storage.DBProof{
			Amount: 21,
			Id:     generateRandomString(16),
			Secret: generateRandomString(64),
			Y:      generateRandomString(66),
			C:      generateRandomString(66),
		}
	}
	return proofs
}

func generateRandomBlindSignatures(num int) []storage.DBBlindSignature {
	signatures := make([]storage.DBBlindSignature, num)
	for i := 0; i < num; i++ {
		signatures[i] = storage.DBBlindSignature{
			B_:     generateRandomString(66),
			C_:     generateRandomString(66),
			Id:     generateRandomString(16),
			Amount: 21,
			DLEQe:  generateRandomString(64),
			DLEQs:  generateRandomString(64),
		}
	}
	return signatures
}

func generateRandomMintQuote() storage.MintQuote {
	return storage.MintQuote{
		Id:             generateRandomString(32),
		Amount:         21,
		PaymentRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		State:          nut04.Unpaid,
	}
}

func generateRandomMeltQuote() storage.MeltQuote {
	return storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         21,
		FeeReserve:     1,
		State:          nut05.Unpaid,
	}
}
