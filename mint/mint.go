package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut02"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut06"
	"github.com/openecash/mintd/cashu/nuts/nut07"
	"github.com/openecash/mintd/crypto"
	"github.com/openecash/mintd/mint/lightning"
	"github.com/openecash/mintd/mint/pubsub"
	"github.com/openecash/mintd/mint/storage"
	"github.com/openecash/mintd/mint/storage/bolt"
	"github.com/openecash/mintd/mint/storage/sqlite"
	"github.com/tyler-smith/go-bip39"
)

const (
	QuoteExpiryMins = 10
	// NUT-00 limit on the length of a proof secret
	MaxSecretLength = 512

	BOLT11_MINT_QUOTE_TOPIC = "bolt11_mint_quote"
	BOLT11_MELT_QUOTE_TOPIC = "bolt11_melt_quote"
)

type Mint struct {
	db storage.MintDB

	// mu guards activeKeyset and keysets for keyset rotation
	mu           sync.RWMutex
	master       *hdkeychain.ExtendedKey
	activeKeyset *crypto.MintKeyset
	// map of all keysets (both active and inactive)
	keysets map[string]crypto.MintKeyset

	lightningClient lightning.Client
	mintInfo        nut06.MintInfo
	limits          MintLimits
	logger          *slog.Logger
	publisher       *pubsub.PubSub

	// list of messages to the subscribers of quote state changes
	ctx    context.Context
	cancel context.CancelFunc

	mintPath    string
	meltTimeout *time.Duration
}

func SetupMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	var db storage.MintDB
	var err error
	switch config.DBBackend {
	case "bolt":
		db, err = bolt.InitBolt(path)
	default:
		db, err = sqlite.InitSQLite(path, migrationsDirPath())
	}
	if err != nil {
		return nil, fmt.Errorf("error setting up storage: %v", err)
	}

	seed, err := db.GetSeed()
	if errors.Is(err, storage.ErrNotFound) {
		mnemonic := config.Mnemonic
		if len(mnemonic) == 0 {
			var entropy []byte
			entropy, err = bip39.NewEntropy(128)
			if err != nil {
				return nil, err
			}
			mnemonic, err = bip39.NewMnemonic(entropy)
			if err != nil {
				return nil, err
			}
			log.Printf("generated mnemonic for the mint's keys: \"%v\". Write it down "+
				"if you want to be able to restore the keys", mnemonic)
		}
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, errors.New("invalid mnemonic")
		}

		seed = bip39.NewSeed(mnemonic, "")
		if err = db.SaveSeed(seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	if err := config.LightningClient.ConnectionStatus(); err != nil {
		return nil, fmt.Errorf("error connecting to lightning backend: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mint := &Mint{
		db:              db,
		master:          master,
		lightningClient: config.LightningClient,
		limits:          config.Limits,
		logger:          logger,
		publisher:       pubsub.NewPubSub(),
		ctx:             ctx,
		cancel:          cancel,
		mintPath:        path,
		meltTimeout:     config.MeltTimeout,
	}

	if err := mint.loadKeysets(config.DerivationPathIdx, config.InputFeePpk); err != nil {
		cancel()
		return nil, fmt.Errorf("error setting up keysets: %v", err)
	}

	mintPubkey, err := master.ECPubKey()
	if err != nil {
		cancel()
		return nil, err
	}
	mint.mintInfo = buildMintInfo(config, hex.EncodeToString(mintPubkey.SerializeCompressed()))

	return mint, nil
}

// loadKeysets loads the stored keysets, rederiving their keys from the
// master key, and ensures there is an active keyset at the configured
// derivation index. Any other stored keyset gets deactivated.
func (m *Mint) loadKeysets(derivationPathIdx uint32, inputFeePpk uint) error {
	dbKeysets, err := m.db.GetKeysets()
	if err != nil {
		return err
	}

	m.keysets = make(map[string]crypto.MintKeyset, len(dbKeysets)+1)

	var active *crypto.MintKeyset
	for _, dbKeyset := range dbKeysets {
		isActive := dbKeyset.DerivationPathIdx == derivationPathIdx
		keyset, err := crypto.GenerateKeyset(m.master, dbKeyset.DerivationPathIdx, dbKeyset.InputFeePpk, isActive)
		if err != nil {
			return err
		}
		if keyset.Id != dbKeyset.Id {
			return fmt.Errorf("derived keyset id '%v' does not match stored id '%v'",
				keyset.Id, dbKeyset.Id)
		}

		if isActive {
			active = keyset
		} else if dbKeyset.Active {
			if err := m.db.UpdateKeysetActive(dbKeyset.Id, false); err != nil {
				return err
			}
		}
		m.keysets[keyset.Id] = *keyset
	}

	if active == nil {
		active, err = crypto.GenerateKeyset(m.master, derivationPathIdx, inputFeePpk, true)
		if err != nil {
			return err
		}
		err = m.db.SaveKeyset(storage.DBKeyset{
			Id:                active.Id,
			Unit:              active.Unit,
			Active:            true,
			DerivationPathIdx: active.DerivationPathIdx,
			InputFeePpk:       active.InputFeePpk,
		})
		if err != nil {
			return err
		}
		m.keysets[active.Id] = *active
	}
	m.activeKeyset = active

	return nil
}

// RotateKeyset deactivates the current active keyset and generates a
// new active one at the next derivation index with the given fee.
func (m *Mint) RotateKeyset(inputFeePpk uint) (*crypto.MintKeyset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newKeyset, err := crypto.GenerateKeyset(m.master, m.activeKeyset.DerivationPathIdx+1, inputFeePpk, true)
	if err != nil {
		return nil, err
	}

	err = m.db.SaveKeyset(storage.DBKeyset{
		Id:                newKeyset.Id,
		Unit:              newKeyset.Unit,
		Active:            true,
		DerivationPathIdx: newKeyset.DerivationPathIdx,
		InputFeePpk:       newKeyset.InputFeePpk,
	})
	if err != nil {
		return nil, err
	}
	if err := m.db.UpdateKeysetActive(m.activeKeyset.Id, false); err != nil {
		return nil, err
	}

	previousActive := *m.activeKeyset
	previousActive.Active = false
	m.keysets[previousActive.Id] = previousActive
	m.keysets[newKeyset.Id] = *newKeyset
	m.activeKeyset = newKeyset

	m.logInfof("rotated keysets. New active keyset '%v' with fee %v", newKeyset.Id, inputFeePpk)
	return newKeyset, nil
}

func (m *Mint) ActiveKeyset() crypto.MintKeyset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.activeKeyset
}

func (m *Mint) Keysets() map[string]crypto.MintKeyset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keysets := make(map[string]crypto.MintKeyset, len(m.keysets))
	for id, keyset := range m.keysets {
		keysets[id] = keyset
	}
	return keysets
}

func (m *Mint) Shutdown() error {
	m.cancel()
	return m.db.Close()
}

// RequestMintQuote will process a request to mint tokens
// and returns a mint quote or an error.
func (m *Mint) RequestMintQuote(mintQuoteRequest nut04.PostMintQuoteBolt11Request) (storage.MintQuote, error) {
	// only support sat unit
	if mintQuoteRequest.Unit != cashu.Sat.String() {
		errmsg := fmt.Sprintf("unit '%v' not supported", mintQuoteRequest.Unit)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	amount := mintQuoteRequest.Amount
	if err := m.checkMintLimits(amount); err != nil {
		return storage.MintQuote{}, err
	}

	// get an invoice from the lightning backend
	invoice, err := m.lightningClient.CreateInvoice(amount)
	if err != nil {
		errmsg := fmt.Sprintf("error creating invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating quote id: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}

	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		m.logErrorf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}

	// goroutine to check in the background when invoice gets paid
	go m.checkInvoicePaid(m.ctx, quoteId)

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote.
// Used to check whether a mint quote has been paid.
func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		m.logErrorf("error getting mint quote from db: %v", err)
		return storage.MintQuote{}, cashu.StandardErr
	}

	// if the invoice subscription missed the payment, check the
	// invoice with the backend here
	if mintQuote.State == nut04.Unpaid {
		invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			errmsg := fmt.Sprintf("error getting invoice status: %v", err)
			return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
		if invoice.Settled {
			err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid)
			if err == nil {
				mintQuote.State = nut04.Paid
				m.publishMintQuoteState(mintQuote)
			} else if errors.Is(err, storage.ErrQuoteStateConflict) {
				// the invoice subscription got to it first, re-read
				// the quote to get the current state
				mintQuote, err = m.db.GetMintQuote(quoteId)
				if err != nil {
					m.logErrorf("error getting mint quote from db: %v", err)
					return storage.MintQuote{}, cashu.StandardErr
				}
			} else {
				m.logErrorf("error updating mint quote state: %v", err)
				return storage.MintQuote{}, cashu.StandardErr
			}
		}
	}

	return mintQuote, nil
}

// MintTokens verifies whether the mint quote with id has been paid and
// signs the blinded messages if it was. The issuance is recorded before
// the signatures are returned so a quote can never be issued twice.
func (m *Mint) MintTokens(mintTokensRequest nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	blindedMessages := mintTokensRequest.Outputs
	if len(blindedMessages) == 0 {
		return nil, cashu.EmptyBodyErr
	}
	if cashu.CheckDuplicateBlindedMessages(blindedMessages) {
		return nil, cashu.BuildCashuError("duplicate blinded messages", cashu.StandardErrCode)
	}

	mintQuote, err := m.GetMintQuoteState(mintTokensRequest.Quote)
	if err != nil {
		return nil, err
	}

	switch mintQuote.State {
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	case nut04.Unpaid:
		if uint64(time.Now().Unix()) > mintQuote.Expiry {
			return nil, cashu.QuoteExpiredErr
		}
		return nil, cashu.MintQuoteRequestNotPaid
	}

	blindedMessagesAmount := blindedMessages.Amount()
	if blindedMessagesAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}
	if blindedMessagesAmount != mintQuote.Amount {
		return nil, cashu.AmountsDoNotMatch
	}

	if err := m.checkOutputsAlreadySigned(blindedMessages); err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	err = m.db.IssueMintQuote(mintQuote.Id, blindSignaturesToDB(blindedMessages, blindedSignatures))
	if err != nil {
		if errors.Is(err, storage.ErrQuoteStateConflict) {
			// some other request issued the quote first
			return nil, cashu.MintQuoteAlreadyIssued
		}
		m.logErrorf("error issuing mint quote: %v", err)
		return nil, cashu.StandardErr
	}

	mintQuote.State = nut04.Issued
	m.publishMintQuoteState(mintQuote)

	return blindedSignatures, nil
}

// Swap verifies the proofs and signs the blinded messages, invalidating
// the proofs used as input. Either all proofs get marked as spent and
// the signatures returned or the swap has no effect.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if len(proofs) == 0 {
		return nil, cashu.NoProofsProvided
	}
	if len(blindedMessages) == 0 {
		return nil, cashu.EmptyBodyErr
	}
	if cashu.CheckDuplicateBlindedMessages(blindedMessages) {
		return nil, cashu.BuildCashuError("duplicate blinded messages", cashu.StandardErrCode)
	}

	proofsAmount := proofs.Amount()
	blindedMessagesAmount := blindedMessages.Amount()

	fees, err := m.TransactionFees(proofs)
	if err != nil {
		return nil, err
	}
	available, underflow := underflowSubUint64(proofsAmount, uint64(fees))
	if underflow || available < blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}
	if available != blindedMessagesAmount {
		return nil, cashu.AmountsDoNotMatch
	}

	Ys, err := m.verifyProofs(proofs)
	if err != nil {
		return nil, err
	}

	if err := m.checkOutputsAlreadySigned(blindedMessages); err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	err = m.db.SpendProofs(
		proofsToDB(proofs, Ys, ""),
		blindSignaturesToDB(blindedMessages, blindedSignatures),
	)
	if err != nil {
		return nil, proofSpendError(err)
	}

	return blindedSignatures, nil
}

// ProofsStateCheck returns whether the proofs with the given Ys are
// unspent, pending in an in-flight melt, or already spent.
func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		m.logErrorf("error getting used proofs from db: %v", err)
		return nil, cashu.StandardErr
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		m.logErrorf("error getting pending proofs from db: %v", err)
		return nil, cashu.StandardErr
	}

	spent := make(map[string]bool, len(usedProofs))
	for _, proof := range usedProofs {
		spent[proof.Y] = true
	}
	pending := make(map[string]bool, len(pendingProofs))
	for _, proof := range pendingProofs {
		pending[proof.Y] = true
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent
		if spent[y] {
			state = nut07.Spent
		} else if pending[y] {
			state = nut07.Pending
		}
		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

// RestoreSignatures returns the blind signatures for the blinded
// messages that were previously signed by the mint.
func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (
	cashu.BlindedMessages, cashu.BlindedSignatures, error) {

	outputs := cashu.BlindedMessages{}
	signatures := cashu.BlindedSignatures{}

	for _, bm := range blindedMessages {
		signature, err := m.db.GetBlindSignature(bm.B_)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			m.logErrorf("error getting blind signature from db: %v", err)
			return nil, nil, cashu.StandardErr
		}

		outputs = append(outputs, bm)
		signatures = append(signatures, signature)
	}

	return outputs, signatures, nil
}

func (m *Mint) verifyProofs(proofs cashu.Proofs) ([]string, error) {
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofs
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		if len(proof.Secret) > MaxSecretLength {
			return nil, cashu.InvalidProofErr
		}

		// check that id in the proof matches one of the mint's keysets
		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		keypair, ok := keyset.Keys[proof.Amount]
		if !ok {
			return nil, cashu.InvalidProofErr
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}

		if !crypto.Verify(proof.Secret, keypair.PrivateKey, C) {
			return nil, cashu.InvalidProofErr
		}
	}

	return Ys, nil
}

// signBlindedMessages signs the blinded messages with the active keyset
// and attaches a DLEQ proof to each signature.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))
	for i, msg := range blindedMessages {
		if msg.Id != m.activeKeyset.Id {
			if _, ok := m.keysets[msg.Id]; ok {
				return nil, cashu.InactiveKeysetSignatureRequest
			}
			return nil, cashu.UnknownKeysetErr
		}

		keypair, ok := m.activeKeyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, keypair.PrivateKey)

		e, s, err := crypto.GenerateDLEQ(keypair.PrivateKey, B_)
		if err != nil {
			m.logErrorf("error generating DLEQ proof: %v", err)
			return nil, cashu.StandardErr
		}

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     msg.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}
	}

	return blindedSignatures, nil
}

func (m *Mint) checkOutputsAlreadySigned(blindedMessages cashu.BlindedMessages) error {
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		B_s[i] = bm.B_
	}

	signatures, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		m.logErrorf("error checking blind signatures in db: %v", err)
		return cashu.StandardErr
	}
	if len(signatures) > 0 {
		return cashu.BlindedMessageAlreadySigned
	}
	return nil
}

// TransactionFees returns the fee to charge for spending the inputs
// based on the input fee of each proof's keyset.
func (m *Mint) TransactionFees(inputs cashu.Proofs) (uint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var feePpk uint
	for _, proof := range inputs {
		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return 0, cashu.UnknownKeysetErr
		}
		feePpk += keyset.InputFeePpk
	}
	return (feePpk + 999) / 1000, nil
}

func (m *Mint) checkMintLimits(amount uint64) error {
	if m.limits.MintingSettings.Disabled {
		return cashu.MintingDisabled
	}
	settings := m.limits.MintingSettings
	if settings.MaxAmount > 0 && amount > settings.MaxAmount {
		return cashu.MintAmountExceededErr
	}
	if settings.MinAmount > 0 && amount < settings.MinAmount {
		return cashu.MintAmountExceededErr
	}

	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			m.logErrorf("error getting balance from db: %v", err)
			return cashu.StandardErr
		}
		newBalance, overflow := overflowAddUint64(balance, amount)
		if overflow || newBalance > m.limits.MaxBalance {
			return cashu.MintMaxBalanceErr
		}
	}
	return nil
}

func (m *Mint) publishMintQuoteState(mintQuote storage.MintQuote) {
	quoteState := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	jsonQuote, err := json.Marshal(quoteState)
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MINT_QUOTE_TOPIC, jsonQuote)
}

func (m *Mint) MintInfo() nut06.MintInfo {
	mintInfo := m.mintInfo
	mintInfo.Time = time.Now().Unix()
	return mintInfo
}

func (m *Mint) Publisher() *pubsub.PubSub {
	return m.publisher
}

// IssuedEcash returns the total amount of ecash signed per keyset.
func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.GetIssuedByKeyset()
}

// RedeemedEcash returns the total amount of spent proofs per keyset.
func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.GetRedeemedByKeyset()
}

// ListKeysets returns the same response as the /v1/keysets endpoint.
func (m *Mint) ListKeysets() nut02.GetKeysetsResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keysets := make([]nut02.Keyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	return nut02.GetKeysetsResponse{Keysets: keysets}
}

func buildMintInfo(config Config, pubkey string) nut06.MintInfo {
	nut04Settings := nut06.NutSetting{
		Methods: []nut06.MethodSetting{
			{
				Method:    cashu.BOLT11_METHOD,
				Unit:      cashu.Sat.String(),
				MinAmount: config.Limits.MintingSettings.MinAmount,
				MaxAmount: config.Limits.MintingSettings.MaxAmount,
			},
		},
		Disabled: config.Limits.MintingSettings.Disabled,
	}
	nut05Settings := nut06.NutSetting{
		Methods: []nut06.MethodSetting{
			{
				Method:    cashu.BOLT11_METHOD,
				Unit:      cashu.Sat.String(),
				MinAmount: config.Limits.MeltingSettings.MinAmount,
				MaxAmount: config.Limits.MeltingSettings.MaxAmount,
			},
		},
		Disabled: config.Limits.MeltingSettings.Disabled,
	}

	return nut06.MintInfo{
		Name:            config.MintInfo.Name,
		Pubkey:          pubkey,
		Version:         "mintd/0.4.0",
		Description:     config.MintInfo.Description,
		LongDescription: config.MintInfo.LongDescription,
		Contact:         config.MintInfo.Contact,
		Motd:            config.MintInfo.Motd,
		IconURL:         config.MintInfo.IconURL,
		URLs:            config.MintInfo.URLs,
		Nuts: nut06.Nuts{
			Nut04: nut04Settings,
			Nut05: nut05Settings,
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
		},
	}
}

func setupLogger(mintPath string, level LogLevel) (*slog.Logger, error) {
	if level == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}

	logLevel := slog.LevelInfo
	if level == Debug {
		logLevel = slog.LevelDebug
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}
	logWriter := io.MultiWriter(os.Stdout, logFile)

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       logLevel,
		ReplaceAttr: replacer,
	})), nil
}

func (m *Mint) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}

// mintPath returns the default mint path at $HOME/.mintd
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".mintd")
}

func migrationsDirPath() string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), "storage", "sqlite", "migrations")
}

func proofsToDB(proofs cashu.Proofs, Ys []string, meltQuoteId string) []storage.DBProof {
	dbProofs := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		dbProofs[i] = storage.DBProof{
			Amount:      proof.Amount,
			Id:          proof.Id,
			Secret:      proof.Secret,
			Y:           Ys[i],
			C:           proof.C,
			MeltQuoteId: meltQuoteId,
		}
	}
	return dbProofs
}

func proofsFromDB(dbProofs []storage.DBProof) cashu.Proofs {
	proofs := make(cashu.Proofs, len(dbProofs))
	for i, dbProof := range dbProofs {
		proofs[i] = cashu.Proof{
			Amount: dbProof.Amount,
			Id:     dbProof.Id,
			Secret: dbProof.Secret,
			C:      dbProof.C,
		}
	}
	return proofs
}

func blindSignaturesToDB(blindedMessages cashu.BlindedMessages, signatures cashu.BlindedSignatures) []storage.DBBlindSignature {
	dbSignatures := make([]storage.DBBlindSignature, len(signatures))
	for i, signature := range signatures {
		dbSignature := storage.DBBlindSignature{
			B_:     blindedMessages[i].B_,
			C_:     signature.C_,
			Id:     signature.Id,
			Amount: signature.Amount,
		}
		if signature.DLEQ != nil {
			dbSignature.DLEQe = signature.DLEQ.E
			dbSignature.DLEQs = signature.DLEQ.S
		}
		dbSignatures[i] = dbSignature
	}
	return dbSignatures
}

func proofSpendError(err error) error {
	switch {
	case errors.Is(err, storage.ErrProofAlreadyUsed):
		return cashu.ProofAlreadyUsedErr
	case errors.Is(err, storage.ErrProofPending):
		return cashu.ProofPendingErr
	default:
		return cashu.StandardErr
	}
}

func overflowAddUint64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return math.MaxUint64, true
	}
	return a + b, false
}

func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}
