// Package storage defines the persistence interface used by the mint.
// All state transitions on quotes and proofs go through compare-and-set
// style operations so that two concurrent calls racing on the same
// proof or quote can never both succeed.
package storage

import (
	"errors"

	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
)

var (
	ErrNotFound = errors.New("not found")

	// proof with same Y already in the used table
	ErrProofAlreadyUsed = errors.New("proof already used")
	// proof with same Y currently reserved by an in-flight melt
	ErrProofPending = errors.New("proof is pending")
	// quote was not in the expected state for the transition
	ErrQuoteStateConflict = errors.New("quote state conflict")
	// blinded message was already signed
	ErrBlindedMessageAlreadySigned = errors.New("blinded message already signed")
)

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// GetProofsUsed returns the spent proofs for the passed Ys.
	GetProofsUsed(Ys []string) ([]DBProof, error)
	// GetPendingProofs returns proofs reserved by in-flight melts.
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)

	// SpendProofs marks the proofs as spent and persists the blind
	// signatures produced for them in a single transaction. Fails with
	// ErrProofAlreadyUsed or ErrProofPending without partial effect if
	// any proof is not spendable.
	SpendProofs(proofs []DBProof, signatures []DBBlindSignature) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(quoteId string) (MintQuote, error)
	GetMintQuoteByPaymentHash(paymentHash string) (MintQuote, error)
	// UpdateMintQuoteState transitions the quote from the expected
	// state. Fails with ErrQuoteStateConflict if the quote is not in it.
	UpdateMintQuoteState(quoteId string, from, to nut04.State) error
	// IssueMintQuote transitions the quote PAID -> ISSUED and persists
	// the signatures in the same transaction, so the issuance is
	// recorded durably before any signature is returned to the caller.
	IssueMintQuote(quoteId string, signatures []DBBlindSignature) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(quoteId string) (MeltQuote, error)
	GetMeltQuoteByPaymentRequest(request string) (MeltQuote, error)
	// ReserveMeltQuote atomically reserves the proofs for the melt:
	// against spent and pending sets, inserts them as pending and
	// transitions the quote UNPAID -> PENDING. All-or-nothing. The
	// blinded messages submitted for change are stored with the quote
	// so change can still be signed if the payment settles later.
	ReserveMeltQuote(quoteId string, proofs []DBProof, changeOutputs cashu.BlindedMessages) error
	// SettleMeltQuote moves the quote's pending proofs to spent,
	// transitions PENDING -> PAID and stores preimage and any change
	// signatures in one transaction.
	SettleMeltQuote(quoteId, preimage string, change []DBBlindSignature) error
	// UnreserveMeltQuote releases the quote's pending proofs and
	// transitions PENDING -> UNPAID after a failed payment.
	UnreserveMeltQuote(quoteId string) error

	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// GetBalance returns the amount of ecash in circulation: the sum
	// of all signatures issued minus the sum of all proofs spent.
	GetBalance() (uint64, error)
	// GetIssuedByKeyset returns the total amount signed per keyset.
	GetIssuedByKeyset() (map[string]uint64, error)
	// GetRedeemedByKeyset returns the total amount of spent proofs per keyset.
	GetRedeemedByKeyset() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount uint64
	Id     string
	Secret string
	Y      string
	C      string
	// set for proofs reserved by a melt
	MeltQuoteId string
}

type DBBlindSignature struct {
	B_     string
	C_     string
	Id     string
	Amount uint64
	DLEQe  string
	DLEQs  string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	// change outputs submitted with the melt, only set while the
	// quote is pending
	ChangeOutputs cashu.BlindedMessages
}
