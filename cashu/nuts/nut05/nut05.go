// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"

	"github.com/openecash/mintd/cashu"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type TemporaryQuoteResponse struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      string                  `json:"state"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

func (quoteResponse *PostMeltQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var temp TemporaryQuoteResponse = TemporaryQuoteResponse{
		Quote:      quoteResponse.Quote,
		Amount:     quoteResponse.Amount,
		FeeReserve: quoteResponse.FeeReserve,
		State:      quoteResponse.State.String(),
		Expiry:     quoteResponse.Expiry,
		Preimage:   quoteResponse.Preimage,
		Change:     quoteResponse.Change,
	}
	return json.Marshal(temp)
}

func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var temp TemporaryQuoteResponse
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	quoteResponse.Quote = temp.Quote
	quoteResponse.Amount = temp.Amount
	quoteResponse.FeeReserve = temp.FeeReserve
	quoteResponse.State = StringToState(temp.State)
	quoteResponse.Expiry = temp.Expiry
	quoteResponse.Preimage = temp.Preimage
	quoteResponse.Change = temp.Change
	return nil
}
