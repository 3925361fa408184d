package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"
)

type LndConfig struct {
	GRPCHost     string
	CertPath     string
	MacaroonPath string
}

type LndClient struct {
	grpcClient     lnrpc.LightningClient
	invoicesClient invoicesrpc.InvoicesClient
	routerClient   routerrpc.RouterClient
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(config.CertPath, "")
	if err != nil {
		return nil, fmt.Errorf("error reading tls cert: %v", err)
	}

	macaroonBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, fmt.Errorf("error parsing macaroon: %v", err)
	}
	macarooonCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	conn, err := grpc.NewClient(
		config.GRPCHost,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macarooonCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	return &LndClient{
		grpcClient:     lnrpc.NewLightningClient(conn),
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
		routerClient:   routerrpc.NewRouterClient(conn),
	}, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	_, err := lnd.grpcClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	return err
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Expiry: InvoiceExpiryTime,
	}

	addInvoiceResponse, err := lnd.grpcClient.AddInvoice(context.Background(), &invoiceRequest)
	if err != nil {
		return Invoice{}, err
	}

	hash := hex.EncodeToString(addInvoiceResponse.RHash)
	invoice, err := lnd.InvoiceStatus(hash)
	if err != nil {
		return Invoice{}, err
	}

	return invoice, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, errors.New("invalid payment hash")
	}

	paymentHashRequest := lnrpc.PaymentHash{RHash: hashBytes}
	lookupInvoiceResponse, err := lnd.grpcClient.LookupInvoice(context.Background(), &paymentHashRequest)
	if err != nil {
		return Invoice{}, err
	}

	invoiceSettled := lookupInvoiceResponse.State == lnrpc.Invoice_SETTLED
	invoice := Invoice{
		PaymentRequest: lookupInvoiceResponse.PaymentRequest,
		PaymentHash:    hash,
		Settled:        invoiceSettled,
		Amount:         uint64(lookupInvoiceResponse.Value),
		Expiry:         uint64(lookupInvoiceResponse.CreationDate + lookupInvoiceResponse.Expiry),
	}
	if invoiceSettled {
		invoice.Preimage = hex.EncodeToString(lookupInvoiceResponse.RPreimage)
	}

	return invoice, nil
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	sendPaymentRequest := routerrpc.SendPaymentRequest{
		PaymentRequest:    request,
		FeeLimitSat:       int64(maxFee),
		TimeoutSeconds:    60,
		NoInflightUpdates: true,
	}

	paymentStream, err := lnd.routerClient.SendPaymentV2(ctx, &sendPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, err
	}

	// the stream is only sending the final update since inflight
	// updates were turned off. If the stream errors before that, the
	// payment outcome is unknown and reported as pending.
	payment, err := paymentStream.Recv()
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	return paymentStatusFromLnd(payment)
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, errors.New("invalid payment hash")
	}

	trackPaymentRequest := routerrpc.TrackPaymentRequest{
		PaymentHash:       hashBytes,
		NoInflightUpdates: true,
	}
	trackPaymentStream, err := lnd.routerClient.TrackPaymentV2(ctx, &trackPaymentRequest)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	payment, err := trackPaymentStream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
		}
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	return paymentStatusFromLnd(payment)
}

func paymentStatusFromLnd(payment *lnrpc.Payment) (PaymentStatus, error) {
	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		return PaymentStatus{
			Preimage:      payment.PaymentPreimage,
			PaymentStatus: Succeeded,
			FeePaid:       uint64(payment.FeeSat),
		}, nil
	case lnrpc.Payment_FAILED:
		return PaymentStatus{PaymentStatus: Failed},
			fmt.Errorf("payment failed: %s", payment.FailureReason)
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return FeeReserveForAmount(amount)
}

func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, errors.New("invalid payment hash")
	}

	subscribeRequest := invoicesrpc.SubscribeSingleInvoiceRequest{RHash: hashBytes}
	invoiceSub, err := lnd.invoicesClient.SubscribeSingleInvoice(ctx, &subscribeRequest)
	if err != nil {
		return nil, err
	}

	return &LndInvoiceSub{invoiceSub: invoiceSub}, nil
}

type LndInvoiceSub struct {
	invoiceSub invoicesrpc.Invoices_SubscribeSingleInvoiceClient
}

func (lndSub *LndInvoiceSub) Recv() (Invoice, error) {
	lndInvoice, err := lndSub.invoiceSub.Recv()
	if err != nil {
		return Invoice{}, err
	}

	invoiceSettled := lndInvoice.State == lnrpc.Invoice_SETTLED
	invoice := Invoice{
		PaymentRequest: lndInvoice.PaymentRequest,
		PaymentHash:    hex.EncodeToString(lndInvoice.RHash),
		Settled:        invoiceSettled,
		Amount:         uint64(lndInvoice.Value),
	}
	if invoiceSettled {
		invoice.Preimage = hex.EncodeToString(lndInvoice.RPreimage)
	}

	return invoice, nil
}

var _ Client = (*LndClient)(nil)
