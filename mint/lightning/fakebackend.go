package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	FakePreimage = "0000000000000000"
)

// Outcome scripts the result of outgoing payments made by the fake
// backend. The zero value makes payments succeed.
type Outcome int

const (
	OutcomeSucceed Outcome = iota
	OutcomeFail
	OutcomePending
)

// FakeBackend is an in-memory Lightning backend for tests. Invoices it
// creates are settled immediately. The outcome of outgoing payments can
// be controlled through PaymentOutcome and OutgoingOutcome.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice

	// outcome returned by SendPayment
	PaymentOutcome Outcome
	// outcome returned by OutgoingPaymentStatus for payments that
	// were left pending
	OutgoingOutcome Outcome
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := createFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        true,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(time.Second * InvoiceExpiryTime).Unix()),
	}

	fb.mu.Lock()
	fb.invoices = append(fb.invoices, invoice)
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoiceIdx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if invoiceIdx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}

	return fb.invoices[invoiceIdx], nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("error decoding invoice: %v", err)
	}

	switch fb.PaymentOutcome {
	case OutcomeFail:
		return PaymentStatus{PaymentStatus: Failed}, errors.New("payment failed")
	case OutcomePending:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}

	outgoingPayment := Invoice{
		PaymentRequest: request,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       FakePreimage,
		Settled:        true,
	}

	fb.mu.Lock()
	fb.invoices = append(fb.invoices, outgoingPayment)
	fb.mu.Unlock()

	return PaymentStatus{
		Preimage:      FakePreimage,
		PaymentStatus: Succeeded,
	}, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	switch fb.OutgoingOutcome {
	case OutcomeFail:
		return PaymentStatus{PaymentStatus: Failed}, nil
	case OutcomePending:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}

	return PaymentStatus{
		Preimage:      FakePreimage,
		PaymentStatus: Succeeded,
	}, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return 0
}

func (fb *FakeBackend) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	invoice, err := fb.InvoiceStatus(paymentHash)
	if err != nil {
		return nil, err
	}

	invoiceChan := make(chan Invoice, 1)
	invoiceChan <- invoice
	return &FakeInvoiceSub{ctx: ctx, invoiceChan: invoiceChan}, nil
}

type FakeInvoiceSub struct {
	ctx         context.Context
	invoiceChan chan Invoice
}

func (sub *FakeInvoiceSub) Recv() (Invoice, error) {
	select {
	case invoice := <-sub.invoiceChan:
		return invoice, nil
	case <-sub.ctx.Done():
		return Invoice{}, sub.ctx.Err()
	}
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}

var _ Client = (*FakeBackend)(nil)
