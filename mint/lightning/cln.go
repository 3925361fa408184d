package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type clnError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	return &CLNClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (cln *CLNClient) post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes clnError
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
			return nil, fmt.Errorf("unexpected response from CLN: %s", bodyBytes)
		}
		return nil, errors.New(errRes.Message)
	}

	return bodyBytes, nil
}

func (cln *CLNClient) ConnectionStatus() error {
	_, err := cln.post(context.Background(), cln.config.RestURL+"/v1/getinfo", nil)
	return err
}

func (cln *CLNClient) CreateInvoice(amount uint64) (Invoice, error) {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixMicro()), uint64(time.Now().UnixMilli())))

	body := map[string]interface{}{
		"amount_msat": amount * 1000,
		"label":       time.Now().Unix() + int64(r.Int()),
		"description": "Cashu Lightning Invoice",
		"expiry":      InvoiceExpiryTime,
	}

	bodyBytes, err := cln.post(context.Background(), cln.config.RestURL+"/v1/invoice", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   uint64 `json:"expires_at"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: response.Bolt11,
		PaymentHash:    response.PaymentHash,
		Amount:         amount,
		Expiry:         response.ExpiresAt,
	}, nil
}

func (cln *CLNClient) InvoiceStatus(hash string) (Invoice, error) {
	body := map[string]string{"payment_hash": hash}

	bodyBytes, err := cln.post(context.Background(), cln.config.RestURL+"/v1/listinvoices", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Invoices []struct {
			Bolt11      string `json:"bolt11"`
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"payment_preimage"`
			AmountMsat  uint64 `json:"amount_msat"`
			Status      string `json:"status"`
			ExpiresAt   uint64 `json:"expires_at"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}
	if len(response.Invoices) == 0 {
		return Invoice{}, fmt.Errorf("invoice not found")
	}

	invoice := response.Invoices[0]
	return Invoice{
		PaymentRequest: invoice.Bolt11,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       invoice.Preimage,
		Settled:        invoice.Status == "paid",
		Amount:         invoice.AmountMsat / 1000,
		Expiry:         invoice.ExpiresAt,
	}, nil
}

func (cln *CLNClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]interface{}{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}

	bodyBytes, err := cln.post(ctx, cln.config.RestURL+"/v1/pay", body)
	if err != nil {
		// no response from CLN so the payment outcome is unknown
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountMsat     uint64 `json:"amount_msat"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	var feePaid uint64
	if response.AmountSentMsat > response.AmountMsat {
		feePaid = (response.AmountSentMsat - response.AmountMsat) / 1000
	}

	return PaymentStatus{
		Preimage:      response.Preimage,
		PaymentStatus: clnPaymentState(response.Status),
		FeePaid:       feePaid,
	}, nil
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	body := map[string]string{"payment_hash": paymentHash}

	bodyBytes, err := cln.post(ctx, cln.config.RestURL+"/v1/listpays", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	var listPaysResponse struct {
		Pays []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"preimage,omitempty"`
		} `json:"pays"`
	}
	if err := json.Unmarshal(bodyBytes, &listPaysResponse); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if len(listPaysResponse.Pays) == 0 {
		return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
	}

	payment := listPaysResponse.Pays[0]
	return PaymentStatus{
		Preimage:      payment.Preimage,
		PaymentStatus: clnPaymentState(payment.Status),
	}, nil
}

func clnPaymentState(status string) State {
	switch status {
	case "complete":
		return Succeeded
	case "failed":
		return Failed
	default:
		return Pending
	}
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return FeeReserveForAmount(amount)
}

func (cln *CLNClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	body := map[string]string{"payment_hash": paymentHash}

	bodyBytes, err := cln.post(context.Background(), cln.config.RestURL+"/v1/listinvoices", body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Invoices []struct {
			Label string `json:"label"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return nil, err
	}
	if len(response.Invoices) == 0 {
		return nil, fmt.Errorf("invoice not found")
	}

	return &CLNInvoiceSub{
		// client without a timeout since waitinvoice blocks until the
		// invoice is paid or expires
		client:       &CLNClient{config: cln.config, client: &http.Client{}},
		ctx:          ctx,
		invoiceLabel: response.Invoices[0].Label,
	}, nil
}

type CLNInvoiceSub struct {
	client       *CLNClient
	ctx          context.Context
	invoiceLabel string
}

func (clnSub *CLNInvoiceSub) Recv() (Invoice, error) {
	body := map[string]string{"label": clnSub.invoiceLabel}

	bodyBytes, err := clnSub.client.post(clnSub.ctx, clnSub.client.config.RestURL+"/v1/waitinvoice", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Status      string `json:"status"`
		PaymentHash string `json:"payment_hash"`
		Preimage    string `json:"payment_preimage"`
		AmountMsat  uint64 `json:"amount_msat"`
	}
	if err := json.Unmarshal(bodyBytes, &response); err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentHash: response.PaymentHash,
		Amount:      response.AmountMsat / 1000,
	}
	if response.Status == "paid" {
		invoice.Settled = true
		invoice.Preimage = response.Preimage
	}

	return invoice, nil
}

var _ Client = (*CLNClient)(nil)
