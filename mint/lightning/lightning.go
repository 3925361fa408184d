package lightning

import (
	"context"
	"errors"
	"math"
)

// invoice expiry in seconds
const InvoiceExpiryTime = 600

const (
	// percent fee reserved on outgoing payments
	FeePercent = 0.01
	// floor for the fee reserve in sats
	MinFeeReserve = 2
)

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
	SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error)
}

type InvoiceSubscriptionClient interface {
	Recv() (Invoice, error)
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type State int

// Pending is the zero value so a PaymentStatus that was never filled in
// can not read as a successful payment.
const (
	Pending State = iota
	Succeeded
	Failed
)

// PaymentStatus is the status of an outgoing payment. A Pending status
// means the final outcome is unknown and the payment must not be treated
// as failed.
type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
	// fee paid in sats. Only meaningful when the payment succeeded.
	FeePaid uint64
}

// FeeReserveForAmount returns the fee to reserve for paying an invoice
// of the given amount.
func FeeReserveForAmount(amount uint64) uint64 {
	fee := uint64(math.Ceil(float64(amount) * FeePercent))
	if fee < MinFeeReserve {
		return MinFeeReserve
	}
	return fee
}
