package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
	"github.com/openecash/mintd/mint/lightning"
	"github.com/openecash/mintd/mint/storage"
)

const meltTimeout = time.Minute

// RequestMeltQuote will process a request to melt tokens and return a
// melt quote with the fee reserve needed on top of the invoice amount.
func (m *Mint) RequestMeltQuote(meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	if meltQuoteRequest.Unit != cashu.Sat.String() {
		errmsg := fmt.Sprintf("unit '%v' not supported", meltQuoteRequest.Unit)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.UnitErrCode)
	}

	request := meltQuoteRequest.Request
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		errmsg := fmt.Sprintf("invalid invoice: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError(
			"invoice has no amount", cashu.StandardErrCode)
	}
	amount := uint64(bolt11.MSatoshi) / 1000

	if err := m.checkMeltLimits(amount); err != nil {
		return storage.MeltQuote{}, err
	}

	// only one active melt quote per invoice
	existing, err := m.db.GetMeltQuoteByPaymentRequest(request)
	if err == nil {
		if existing.State == nut05.Unpaid || existing.State == nut05.Pending {
			return storage.MeltQuote{}, cashu.MeltQuoteForRequestExists
		}
		if existing.State == nut05.Paid {
			return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		m.logErrorf("error getting melt quote from db: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	feeReserve := m.lightningClient.FeeReserve(amount)
	// no fee reserve needed if the invoice was issued by this mint
	// since it will get settled internally
	if _, err := m.db.GetMintQuoteByPaymentHash(bolt11.PaymentHash); err == nil {
		feeReserve = 0
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		m.logErrorf("error generating quote id: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}
	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         amount,
		FeeReserve:     feeReserve,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}
	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		m.logErrorf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote. If the quote is
// pending, the outcome of the payment is checked with the lightning
// backend and the quote settled or rolled back accordingly.
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		m.logErrorf("error getting melt quote from db: %v", err)
		return storage.MeltQuote{}, cashu.StandardErr
	}

	if meltQuote.State == nut05.Pending {
		return m.reconcilePendingMelt(ctx, meltQuote)
	}

	return meltQuote, nil
}

// reconcilePendingMelt checks the final outcome of the payment for a
// pending melt quote. The quote stays pending while the outcome is
// still unknown.
func (m *Mint) reconcilePendingMelt(ctx context.Context, meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	payment, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if err != nil && !errors.Is(err, lightning.OutgoingPaymentNotFound) {
		// unknown outcome, leave the quote pending
		return meltQuote, nil
	}

	switch payment.PaymentStatus {
	case lightning.Succeeded:
		m.logInfof("pending payment for melt quote '%v' succeeded", meltQuote.Id)

		pending, err := m.db.GetPendingProofsByQuote(meltQuote.Id)
		if err != nil {
			m.logErrorf("error getting pending proofs from db: %v", err)
			return storage.MeltQuote{}, cashu.StandardErr
		}

		// settle with the change outputs stored at reserve time so the
		// unused fee reserve is still returned as signed change
		settled, _, err := m.settleMelt(meltQuote, payment, proofsFromDB(pending), meltQuote.ChangeOutputs)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		meltQuote = settled

	case lightning.Failed:
		m.logInfof("pending payment for melt quote '%v' failed. Unreserving proofs", meltQuote.Id)
		if err := m.db.UnreserveMeltQuote(meltQuote.Id); err != nil {
			m.logErrorf("error unreserving melt quote '%v': %v", meltQuote.Id, err)
			return storage.MeltQuote{}, cashu.StandardErr
		}
		meltQuote.State = nut05.Unpaid
		m.publishMeltQuoteState(meltQuote)
	}

	return meltQuote, nil
}

// MeltTokens verifies the proofs and attempts payment of the quote's
// invoice. The proofs are reserved before the payment attempt so they
// cannot be double spent while the payment is in flight.
func (m *Mint) MeltTokens(ctx context.Context, meltTokensRequest nut05.PostMeltBolt11Request) (
	storage.MeltQuote, cashu.BlindedSignatures, error) {

	proofs := meltTokensRequest.Inputs
	if len(proofs) == 0 {
		return storage.MeltQuote{}, nil, cashu.NoProofsProvided
	}

	meltQuote, err := m.db.GetMeltQuote(meltTokensRequest.Quote)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MeltQuote{}, nil, cashu.QuoteNotExistErr
		}
		m.logErrorf("error getting melt quote from db: %v", err)
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}

	switch meltQuote.State {
	case nut05.Paid:
		return storage.MeltQuote{}, nil, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending:
		return storage.MeltQuote{}, nil, cashu.QuotePending
	}
	if uint64(time.Now().Unix()) > meltQuote.Expiry {
		return storage.MeltQuote{}, nil, cashu.QuoteExpiredErr
	}

	fees, err := m.TransactionFees(proofs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}
	required := meltQuote.Amount + meltQuote.FeeReserve + uint64(fees)
	if proofs.Amount() < required {
		return storage.MeltQuote{}, nil, cashu.InsufficientProofsAmount
	}

	Ys, err := m.verifyProofs(proofs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	if len(meltTokensRequest.Outputs) > 0 {
		if cashu.CheckDuplicateBlindedMessages(meltTokensRequest.Outputs) {
			return storage.MeltQuote{}, nil, cashu.BuildCashuError(
				"duplicate blinded messages", cashu.StandardErrCode)
		}
		if err := m.checkOutputsAlreadySigned(meltTokensRequest.Outputs); err != nil {
			return storage.MeltQuote{}, nil, err
		}
	}

	// reserve the proofs and mark the quote pending. From here on only
	// one melt for these proofs can be in flight. The change outputs
	// are stored with the quote so a payment that only settles during
	// a later reconciliation can still get change signed.
	err = m.db.ReserveMeltQuote(meltQuote.Id, proofsToDB(proofs, Ys, meltQuote.Id), meltTokensRequest.Outputs)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteStateConflict) {
			return storage.MeltQuote{}, nil, cashu.QuotePending
		}
		return storage.MeltQuote{}, nil, proofSpendError(err)
	}
	meltQuote.State = nut05.Pending
	m.publishMeltQuoteState(meltQuote)

	// invoices created by this mint get settled internally without
	// paying over lightning
	if mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash); err == nil {
		return m.settleInternally(meltQuote, mintQuote, proofs, meltTokensRequest.Outputs)
	}

	timeout := meltTimeout
	if m.meltTimeout != nil {
		timeout = *m.meltTimeout
	}
	paymentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.logInfof("attempting lightning payment of %v sats for melt quote '%v'",
		meltQuote.Amount, meltQuote.Id)
	payment, paymentErr := m.lightningClient.SendPayment(paymentCtx, meltQuote.InvoiceRequest, meltQuote.FeeReserve)

	switch payment.PaymentStatus {
	case lightning.Succeeded:
		return m.settleMelt(meltQuote, payment, proofs, meltTokensRequest.Outputs)

	case lightning.Failed:
		m.logInfof("payment for melt quote '%v' failed: %v. Unreserving proofs",
			meltQuote.Id, paymentErr)
		if err := m.db.UnreserveMeltQuote(meltQuote.Id); err != nil {
			m.logErrorf("error unreserving melt quote '%v': %v", meltQuote.Id, err)
			return storage.MeltQuote{}, nil, cashu.StandardErr
		}
		meltQuote.State = nut05.Unpaid
		m.publishMeltQuoteState(meltQuote)
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(
			"unable to pay invoice", cashu.StandardErrCode)

	default:
		// the outcome of the payment is unknown so the quote and the
		// proofs stay pending until it can be reconciled
		m.logInfof("outcome of payment for melt quote '%v' still unknown. "+
			"Quote will stay pending", meltQuote.Id)
		return meltQuote, nil, nil
	}
}

// settleInternally marks the mint quote whose invoice this melt is
// paying as paid instead of paying the invoice over lightning.
func (m *Mint) settleInternally(
	meltQuote storage.MeltQuote,
	mintQuote storage.MintQuote,
	proofs cashu.Proofs,
	outputs cashu.BlindedMessages,
) (storage.MeltQuote, cashu.BlindedSignatures, error) {

	m.logInfof("settling melt quote '%v' internally against mint quote '%v'",
		meltQuote.Id, mintQuote.Id)

	err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Unpaid, nut04.Paid)
	if err != nil {
		if unreserveErr := m.db.UnreserveMeltQuote(meltQuote.Id); unreserveErr != nil {
			m.logErrorf("error unreserving melt quote '%v': %v", meltQuote.Id, unreserveErr)
		}
		if errors.Is(err, storage.ErrQuoteStateConflict) {
			return storage.MeltQuote{}, nil, cashu.BuildCashuError(
				"mint quote for invoice already paid", cashu.StandardErrCode)
		}
		m.logErrorf("error updating mint quote state: %v", err)
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}
	mintQuote.State = nut04.Paid
	m.publishMintQuoteState(mintQuote)

	payment := lightning.PaymentStatus{PaymentStatus: lightning.Succeeded}
	return m.settleMelt(meltQuote, payment, proofs, outputs)
}

// settleMelt completes a melt after a successful payment: marks the
// reserved proofs as spent, the quote as paid, and signs change for
// the unused portion of the fee reserve.
func (m *Mint) settleMelt(
	meltQuote storage.MeltQuote,
	payment lightning.PaymentStatus,
	proofs cashu.Proofs,
	outputs cashu.BlindedMessages,
) (storage.MeltQuote, cashu.BlindedSignatures, error) {

	fees, err := m.TransactionFees(proofs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	feePaid := payment.FeePaid
	if feePaid > meltQuote.FeeReserve {
		feePaid = meltQuote.FeeReserve
	}
	changeAmount, _ := underflowSubUint64(proofs.Amount(),
		meltQuote.Amount+uint64(fees)+feePaid)

	var change cashu.BlindedSignatures
	if changeAmount > 0 && len(outputs) > 0 {
		change, err = m.signChange(changeAmount, outputs)
		if err != nil {
			m.logErrorf("error signing change outputs for melt quote '%v': %v",
				meltQuote.Id, err)
			change = nil
		}
	}

	var changeDB []storage.DBBlindSignature
	if len(change) > 0 {
		changeDB = blindSignaturesToDB(outputs[:len(change)], change)
	}

	if err := m.db.SettleMeltQuote(meltQuote.Id, payment.Preimage, changeDB); err != nil {
		m.logErrorf("error settling melt quote '%v': %v", meltQuote.Id, err)
		return storage.MeltQuote{}, nil, cashu.StandardErr
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = payment.Preimage
	m.publishMeltQuoteState(meltQuote)

	return meltQuote, change, nil
}

// signChange signs blinded messages for the change amount. The amounts
// are assigned by the mint from the largest to the smallest power of
// two, using as many of the provided outputs as needed.
func (m *Mint) signChange(changeAmount uint64, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	split := cashu.AmountSplit(changeAmount)
	// largest amounts first in case there are fewer outputs than
	// amounts in the split
	for i, j := 0, len(split)-1; i < j; i, j = i+1, j-1 {
		split[i], split[j] = split[j], split[i]
	}
	if len(split) > len(outputs) {
		split = split[:len(outputs)]
	}

	changeMessages := make(cashu.BlindedMessages, len(split))
	for i, amount := range split {
		changeMessages[i] = outputs[i]
		changeMessages[i].Amount = amount
	}

	return m.signBlindedMessages(changeMessages)
}

func (m *Mint) checkMeltLimits(amount uint64) error {
	if m.limits.MeltingSettings.Disabled {
		return cashu.MeltingDisabled
	}
	settings := m.limits.MeltingSettings
	if settings.MaxAmount > 0 && amount > settings.MaxAmount {
		return cashu.MeltAmountExceededErr
	}
	if settings.MinAmount > 0 && amount < settings.MinAmount {
		return cashu.MeltAmountExceededErr
	}
	return nil
}

func (m *Mint) publishMeltQuoteState(meltQuote storage.MeltQuote) {
	quoteState := nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
	}
	jsonQuote, err := json.Marshal(quoteState)
	if err != nil {
		return
	}
	m.publisher.Publish(BOLT11_MELT_QUOTE_TOPIC, jsonQuote)
}
