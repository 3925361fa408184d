// Package bolt implements the mint storage interface on bbolt for
// deployments that do not want to carry sqlite.
package bolt

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
	"github.com/openecash/mintd/mint/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	seedKey = "seed"
)

var (
	seedBucket            = []byte("seed")
	keysetsBucket         = []byte("keysets")
	proofsBucket          = []byte("proofs")
	pendingProofsBucket   = []byte("pending_proofs")
	mintQuotesBucket      = []byte("mint_quotes")
	meltQuotesBucket      = []byte("melt_quotes")
	blindSignaturesBucket = []byte("blind_signatures")
)

type BoltDB struct {
	db *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	dbpath := filepath.Join(path, "mint.bolt.db")
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening bolt db: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			seedBucket,
			keysetsBucket,
			proofsBucket,
			pendingProofsBucket,
			mintQuotesBucket,
			meltQuotesBucket,
			blindSignaturesBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) SaveSeed(seed []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(seedBucket).Put([]byte(seedKey), seed)
	})
}

func (b *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		seedVal := tx.Bucket(seedBucket).Get([]byte(seedKey))
		if seedVal == nil {
			return storage.ErrNotFound
		}
		seed = make([]byte, len(seedVal))
		copy(seed, seedVal)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seed, nil
}

func (b *BoltDB) SaveKeyset(keyset storage.DBKeyset) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return tx.Bucket(keysetsBucket).Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (b *BoltDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(keysetsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var keyset storage.DBKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keysets = append(keysets, keyset)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keysets, nil
}

func (b *BoltDB) UpdateKeysetActive(keysetId string, active bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket(keysetsBucket)
		keysetVal := keysetsb.Get([]byte(keysetId))
		if keysetVal == nil {
			return storage.ErrNotFound
		}

		var keyset storage.DBKeyset
		if err := json.Unmarshal(keysetVal, &keyset); err != nil {
			return err
		}
		keyset.Active = active

		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return keysetsb.Put([]byte(keysetId), jsonKeyset)
	})
}

func (b *BoltDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := b.db.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket(proofsBucket)
		for _, y := range Ys {
			proofVal := proofsb.Get([]byte(y))
			if proofVal == nil {
				continue
			}
			var proof storage.DBProof
			if err := json.Unmarshal(proofVal, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (b *BoltDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := b.db.View(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket(pendingProofsBucket)
		for _, y := range Ys {
			proofVal := pendingb.Get([]byte(y))
			if proofVal == nil {
				continue
			}
			var proof storage.DBProof
			if err := json.Unmarshal(proofVal, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (b *BoltDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingProofsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (b *BoltDB) SpendProofs(proofs []storage.DBProof, signatures []storage.DBBlindSignature) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := checkProofsSpendable(tx, proofs); err != nil {
			return err
		}
		if err := putProofs(tx, proofs); err != nil {
			return err
		}
		return putBlindSignatures(tx, signatures)
	})
}

func (b *BoltDB) SaveMintQuote(quote storage.MintQuote) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return tx.Bucket(mintQuotesBucket).Put([]byte(quote.Id), jsonQuote)
	})
}

func (b *BoltDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := b.db.View(func(tx *bolt.Tx) error {
		quoteVal := tx.Bucket(mintQuotesBucket).Get([]byte(quoteId))
		if quoteVal == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(quoteVal, &quote)
	})
	if err != nil {
		return storage.MintQuote{}, err
	}
	return quote, nil
}

func (b *BoltDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(mintQuotesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var q storage.MintQuote
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if q.PaymentHash == paymentHash {
				quote = q
				return nil
			}
		}
		return storage.ErrNotFound
	})
	if err != nil {
		return storage.MintQuote{}, err
	}
	return quote, nil
}

func (b *BoltDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return casMintQuote(tx, quoteId, from, to)
	})
}

func (b *BoltDB) IssueMintQuote(quoteId string, signatures []storage.DBBlindSignature) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := casMintQuote(tx, quoteId, nut04.Paid, nut04.Issued); err != nil {
			return err
		}
		return putBlindSignatures(tx, signatures)
	})
}

func (b *BoltDB) SaveMeltQuote(quote storage.MeltQuote) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return tx.Bucket(meltQuotesBucket).Put([]byte(quote.Id), jsonQuote)
	})
}

func (b *BoltDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	err := b.db.View(func(tx *bolt.Tx) error {
		quoteVal := tx.Bucket(meltQuotesBucket).Get([]byte(quoteId))
		if quoteVal == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(quoteVal, &quote)
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}
	return quote, nil
}

func (b *BoltDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(meltQuotesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var q storage.MeltQuote
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if q.InvoiceRequest == request {
				quote = q
				return nil
			}
		}
		return storage.ErrNotFound
	})
	if err != nil {
		return storage.MeltQuote{}, err
	}
	return quote, nil
}

func (b *BoltDB) ReserveMeltQuote(quoteId string, proofs []storage.DBProof, changeOutputs cashu.BlindedMessages) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := checkProofsSpendable(tx, proofs); err != nil {
			return err
		}

		pendingb := tx.Bucket(pendingProofsBucket)
		for _, proof := range proofs {
			proof.MeltQuoteId = quoteId
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := pendingb.Put([]byte(proof.Y), jsonProof); err != nil {
				return err
			}
		}

		return casMeltQuote(tx, quoteId, nut05.Unpaid, nut05.Pending, func(quote *storage.MeltQuote) {
			quote.ChangeOutputs = changeOutputs
		})
	})
}

func (b *BoltDB) SettleMeltQuote(quoteId, preimage string, change []storage.DBBlindSignature) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket(pendingProofsBucket)

		pending := []storage.DBProof{}
		c := pendingb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				pending = append(pending, proof)
			}
		}

		if err := putProofs(tx, pending); err != nil {
			return err
		}
		for _, proof := range pending {
			if err := pendingb.Delete([]byte(proof.Y)); err != nil {
				return err
			}
		}

		err := casMeltQuote(tx, quoteId, nut05.Pending, nut05.Paid, func(quote *storage.MeltQuote) {
			quote.Preimage = preimage
			quote.ChangeOutputs = nil
		})
		if err != nil {
			return err
		}

		return putBlindSignatures(tx, change)
	})
}

func (b *BoltDB) UnreserveMeltQuote(quoteId string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket(pendingProofsBucket)

		c := pendingb.Cursor()
		toDelete := [][]byte{}
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := pendingb.Delete(key); err != nil {
				return err
			}
		}

		return casMeltQuote(tx, quoteId, nut05.Pending, nut05.Unpaid, func(quote *storage.MeltQuote) {
			quote.ChangeOutputs = nil
		})
	})
}

func (b *BoltDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	err := b.db.View(func(tx *bolt.Tx) error {
		sigVal := tx.Bucket(blindSignaturesBucket).Get([]byte(B_))
		if sigVal == nil {
			return storage.ErrNotFound
		}

		var dbSig storage.DBBlindSignature
		if err := json.Unmarshal(sigVal, &dbSig); err != nil {
			return err
		}
		signature = toBlindedSignature(dbSig)
		return nil
	})
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	return signature, nil
}

func (b *BoltDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	err := b.db.View(func(tx *bolt.Tx) error {
		sigsb := tx.Bucket(blindSignaturesBucket)
		for _, B_ := range B_s {
			sigVal := sigsb.Get([]byte(B_))
			if sigVal == nil {
				continue
			}
			var dbSig storage.DBBlindSignature
			if err := json.Unmarshal(sigVal, &dbSig); err != nil {
				return err
			}
			signatures = append(signatures, toBlindedSignature(dbSig))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signatures, nil
}

func (b *BoltDB) GetBalance() (uint64, error) {
	var issued, redeemed uint64

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blindSignaturesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sig storage.DBBlindSignature
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			issued += sig.Amount
		}

		c = tx.Bucket(proofsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			redeemed += proof.Amount
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if redeemed > issued {
		return 0, nil
	}
	return issued - redeemed, nil
}

func (b *BoltDB) GetIssuedByKeyset() (map[string]uint64, error) {
	issued := make(map[string]uint64)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blindSignaturesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sig storage.DBBlindSignature
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			issued[sig.Id] += sig.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (b *BoltDB) GetRedeemedByKeyset() (map[string]uint64, error) {
	redeemed := make(map[string]uint64)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(proofsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof storage.DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			redeemed[proof.Id] += proof.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

func toBlindedSignature(dbSig storage.DBBlindSignature) cashu.BlindedSignature {
	signature := cashu.BlindedSignature{
		Amount: dbSig.Amount,
		C_:     dbSig.C_,
		Id:     dbSig.Id,
	}
	if dbSig.DLEQe != "" && dbSig.DLEQs != "" {
		signature.DLEQ = &cashu.DLEQProof{E: dbSig.DLEQe, S: dbSig.DLEQs}
	}
	return signature
}

func checkProofsSpendable(tx *bolt.Tx, proofs []storage.DBProof) error {
	proofsb := tx.Bucket(proofsBucket)
	pendingb := tx.Bucket(pendingProofsBucket)

	for _, proof := range proofs {
		if proofsb.Get([]byte(proof.Y)) != nil {
			return storage.ErrProofAlreadyUsed
		}
		if pendingb.Get([]byte(proof.Y)) != nil {
			return storage.ErrProofPending
		}
	}
	return nil
}

func putProofs(tx *bolt.Tx, proofs []storage.DBProof) error {
	proofsb := tx.Bucket(proofsBucket)
	for _, proof := range proofs {
		proof.MeltQuoteId = ""
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return err
		}
		if err := proofsb.Put([]byte(proof.Y), jsonProof); err != nil {
			return err
		}
	}
	return nil
}

func putBlindSignatures(tx *bolt.Tx, signatures []storage.DBBlindSignature) error {
	sigsb := tx.Bucket(blindSignaturesBucket)
	for _, signature := range signatures {
		jsonSig, err := json.Marshal(signature)
		if err != nil {
			return err
		}
		if err := sigsb.Put([]byte(signature.B_), jsonSig); err != nil {
			return err
		}
	}
	return nil
}

func casMintQuote(tx *bolt.Tx, quoteId string, from, to nut04.State) error {
	quotesb := tx.Bucket(mintQuotesBucket)
	quoteVal := quotesb.Get([]byte(quoteId))
	if quoteVal == nil {
		return storage.ErrNotFound
	}

	var quote storage.MintQuote
	if err := json.Unmarshal(quoteVal, &quote); err != nil {
		return err
	}
	if quote.State != from {
		return storage.ErrQuoteStateConflict
	}
	quote.State = to

	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return quotesb.Put([]byte(quoteId), jsonQuote)
}

// casMeltQuote transitions the quote from the expected state, applying
// update to the quote in the same write.
func casMeltQuote(tx *bolt.Tx, quoteId string, from, to nut05.State, update func(*storage.MeltQuote)) error {
	quotesb := tx.Bucket(meltQuotesBucket)
	quoteVal := quotesb.Get([]byte(quoteId))
	if quoteVal == nil {
		return storage.ErrNotFound
	}

	var quote storage.MeltQuote
	if err := json.Unmarshal(quoteVal, &quote); err != nil {
		return err
	}
	if quote.State != from {
		return storage.ErrQuoteStateConflict
	}
	quote.State = to
	if update != nil {
		update(&quote)
	}

	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return quotesb.Put([]byte(quoteId), jsonQuote)
}

var _ storage.MintDB = (*BoltDB)(nil)
