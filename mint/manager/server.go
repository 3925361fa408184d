// Package manager exposes an admin server for the mint. It is meant to
// be bound to localhost only.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/mint"
)

type Server struct {
	httpServer *http.Server
	mint       *mint.Mint
}

func SetupServer(mint *mint.Mint, addr string) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	server := &Server{mint: mint}
	server.setupHttpServer(addr)
	return server, nil
}

func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) setupHttpServer(addr string) {
	r := mux.NewRouter()

	r.HandleFunc("/issued", s.getIssuedEcash).Methods(http.MethodGet)
	r.HandleFunc("/issued/{keyset_id}", s.getIssuedByKeyset).Methods(http.MethodGet)
	r.HandleFunc("/redeemed", s.getRedeemedEcash).Methods(http.MethodGet)
	r.HandleFunc("/redeemed/{keyset_id}", s.getRedeemedByKeyset).Methods(http.MethodGet)
	r.HandleFunc("/totalbalance", s.getTotalEcash).Methods(http.MethodGet)
	r.HandleFunc("/keysets", s.getKeysets).Methods(http.MethodGet)
	r.HandleFunc("/rotatekeyset", s.rotateKeyset).Methods(http.MethodPost)
	r.HandleFunc("/events", s.streamQuoteEvents).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

type IssuedEcashResponse struct {
	Keysets     []KeysetIssued `json:"keysets"`
	TotalIssued uint64         `json:"total_issued"`
}

type KeysetIssued struct {
	Id           string `json:"id"`
	AmountIssued uint64 `json:"amount_issued"`
}

func (s *Server) getIssuedEcash(rw http.ResponseWriter, req *http.Request) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		writeServerErr(rw, err)
		return
	}
	writeJson(rw, issuedEcash)
}

func (s *Server) getIssuedByKeyset(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["keyset_id"]

	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		writeServerErr(rw, fmt.Errorf("unable to get issued ecash from db: %v", err))
		return
	}

	amountIssued, ok := issuedEcashMap[id]
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		errRes, _ := json.Marshal(cashu.UnknownKeysetErr)
		rw.Write(errRes)
		return
	}

	writeJson(rw, KeysetIssued{Id: id, AmountIssued: amountIssued})
}

type RedeemedEcashResponse struct {
	Keysets       []KeysetRedeemed `json:"keysets"`
	TotalRedeemed uint64           `json:"total_redeemed"`
}

type KeysetRedeemed struct {
	Id             string `json:"id"`
	AmountRedeemed uint64 `json:"amount_redeemed"`
}

func (s *Server) getRedeemedEcash(rw http.ResponseWriter, req *http.Request) {
	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		writeServerErr(rw, err)
		return
	}
	writeJson(rw, redeemedEcash)
}

func (s *Server) getRedeemedByKeyset(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["keyset_id"]

	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		writeServerErr(rw, fmt.Errorf("unable to get redeemed ecash from db: %v", err))
		return
	}

	amountRedeemed, ok := redeemedEcashMap[id]
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		errRes, _ := json.Marshal(cashu.UnknownKeysetErr)
		rw.Write(errRes)
		return
	}

	writeJson(rw, KeysetRedeemed{Id: id, AmountRedeemed: amountRedeemed})
}

type TotalBalanceResponse struct {
	TotalIssued        IssuedEcashResponse   `json:"total_issued"`
	TotalRedeemed      RedeemedEcashResponse `json:"total_redeemed"`
	TotalInCirculation uint64                `json:"total_circulation"`
}

// returns total amount of ecash in circulation
func (s *Server) getTotalEcash(rw http.ResponseWriter, req *http.Request) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		writeServerErr(rw, err)
		return
	}
	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		writeServerErr(rw, err)
		return
	}

	writeJson(rw, TotalBalanceResponse{
		TotalIssued:        issuedEcash,
		TotalRedeemed:      redeemedEcash,
		TotalInCirculation: issuedEcash.TotalIssued - redeemedEcash.TotalRedeemed,
	})
}

// same response from NUT-02 /v1/keysets
func (s *Server) getKeysets(rw http.ResponseWriter, req *http.Request) {
	writeJson(rw, s.mint.ListKeysets())
}

func (s *Server) rotateKeyset(rw http.ResponseWriter, req *http.Request) {
	fee := req.URL.Query().Get("fee")
	if len(fee) == 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("fee for keyset not specified"))
		return
	}

	keysetFee, err := strconv.Atoi(fee)
	if err != nil || keysetFee < 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("invalid fee"))
		return
	}

	newKeyset, err := s.mint.RotateKeyset(uint(keysetFee))
	if err != nil {
		writeServerErr(rw, err)
		return
	}

	writeJson(rw, newKeyset.PublicKeys())
}

type QuoteEvent struct {
	Topic string          `json:"topic"`
	Quote json.RawMessage `json:"quote"`
}

// streamQuoteEvents streams mint and melt quote state changes to the
// client as newline delimited JSON until the client disconnects.
func (s *Server) streamQuoteEvents(rw http.ResponseWriter, req *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeServerErr(rw, fmt.Errorf("streaming not supported"))
		return
	}

	publisher := s.mint.Publisher()
	mintQuoteSub := publisher.Subscribe(mint.BOLT11_MINT_QUOTE_TOPIC)
	meltQuoteSub := publisher.Subscribe(mint.BOLT11_MELT_QUOTE_TOPIC)
	defer publisher.Unsubscribe(mintQuoteSub)
	defer publisher.Unsubscribe(meltQuoteSub)

	rw.Header().Set("Content-Type", "application/x-ndjson")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(rw)
	for {
		var event QuoteEvent
		select {
		case msg := <-mintQuoteSub.Messages():
			event = QuoteEvent{Topic: msg.Topic(), Quote: msg.Payload()}
		case msg := <-meltQuoteSub.Messages():
			event = QuoteEvent{Topic: msg.Topic(), Quote: msg.Payload()}
		case <-req.Context().Done():
			return
		}

		if err := encoder.Encode(event); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) issuedEcash() (IssuedEcashResponse, error) {
	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		return IssuedEcashResponse{}, fmt.Errorf("unable to get issued ecash from db: %v", err)
	}

	issuedEcash := IssuedEcashResponse{Keysets: []KeysetIssued{}}
	for keysetId, amount := range issuedEcashMap {
		issuedEcash.Keysets = append(issuedEcash.Keysets, KeysetIssued{Id: keysetId, AmountIssued: amount})
		issuedEcash.TotalIssued += amount
	}
	return issuedEcash, nil
}

func (s *Server) redeemedEcash() (RedeemedEcashResponse, error) {
	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		return RedeemedEcashResponse{}, fmt.Errorf("unable to get redeemed ecash from db: %v", err)
	}

	redeemedEcash := RedeemedEcashResponse{Keysets: []KeysetRedeemed{}}
	for keysetId, amount := range redeemedEcashMap {
		redeemedEcash.Keysets = append(redeemedEcash.Keysets, KeysetRedeemed{Id: keysetId, AmountRedeemed: amount})
		redeemedEcash.TotalRedeemed += amount
	}
	return redeemedEcash, nil
}

func writeJson(rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json")
	jsonRes, _ := json.Marshal(response)
	rw.Write(jsonRes)
}

func writeServerErr(rw http.ResponseWriter, err error) {
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte(err.Error()))
}
