package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/openecash/mintd/cashu"
	"github.com/openecash/mintd/cashu/nuts/nut01"
	"github.com/openecash/mintd/cashu/nuts/nut03"
	"github.com/openecash/mintd/cashu/nuts/nut04"
	"github.com/openecash/mintd/cashu/nuts/nut05"
	"github.com/openecash/mintd/cashu/nuts/nut07"
	"github.com/openecash/mintd/cashu/nuts/nut09"
)

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	cache      *Cache
}

func SetupMintServer(config Config) (*MintServer, error) {
	mint, err := SetupMint(config)
	if err != nil {
		return nil, err
	}

	mintServer := &MintServer{mint: mint, cache: NewCache()}
	mintServer.setupHttpServer(config.Port)
	return mintServer, nil
}

func (ms *MintServer) Mint() *Mint {
	return ms.mint
}

func (ms *MintServer) Start() error {
	ms.mint.logInfof("mint server listening on %v", ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MintServer) Shutdown() error {
	if err := ms.httpServer.Shutdown(context.Background()); err != nil {
		return err
	}
	return ms.mint.Shutdown()
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", ms.mintQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", ms.mintTokensRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", ms.meltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", ms.meltTokens).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", ms.checkProofsState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", ms.restoreSignatures).Methods(http.MethodPost)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet)

	r.Use(setupHeaders)

	ms.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	activeKeyset := ms.mint.ActiveKeyset()
	getKeysResponse := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{
				Id:   activeKeyset.Id,
				Unit: activeKeyset.Unit,
				Keys: activeKeyset.PublicKeys(),
			},
		},
	}
	ms.writeResponse(rw, req, getKeysResponse)
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	ms.writeResponse(rw, req, ms.mint.ListKeysets())
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	keysets := ms.mint.Keysets()
	keyset, ok := keysets[id]
	if !ok {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	getKeysResponse := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{
			{
				Id:   keyset.Id,
				Unit: keyset.Unit,
				Keys: keyset.PublicKeys(),
			},
		},
	}
	ms.writeResponse(rw, req, getKeysResponse)
}

func (ms *MintServer) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var mintQuoteRequest nut04.PostMintQuoteBolt11Request
	if err := decodeRequest(req, &mintQuoteRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	mintQuote, err := ms.mint.RequestMintQuote(mintQuoteRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	})
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	mintQuote, err := ms.mint.GetMintQuoteState(vars["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	})
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	body, cached, done := ms.checkCache(rw, req)
	if done {
		return
	}

	var mintReq nut04.PostMintBolt11Request
	if err := json.Unmarshal(body, &mintReq); err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	blindedSignatures, err := ms.mint.MintTokens(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := nut04.PostMintBolt11Response{Signatures: blindedSignatures}
	ms.writeCachedResponse(rw, req, cached, response)
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	body, cached, done := ms.checkCache(rw, req)
	if done {
		return
	}

	var swapReq nut03.PostSwapRequest
	if err := json.Unmarshal(body, &swapReq); err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	blindedSignatures, err := ms.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := nut03.PostSwapResponse{Signatures: blindedSignatures}
	ms.writeCachedResponse(rw, req, cached, response)
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var meltQuoteRequest nut05.PostMeltQuoteBolt11Request
	if err := decodeRequest(req, &meltQuoteRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(meltQuoteRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
	})
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	meltQuote, err := ms.mint.GetMeltQuoteState(req.Context(), vars["quote_id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
	})
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	body, cached, done := ms.checkCache(rw, req)
	if done {
		return
	}

	var meltReq nut05.PostMeltBolt11Request
	if err := json.Unmarshal(body, &meltReq); err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	meltQuote, change, err := ms.mint.MeltTokens(req.Context(), meltReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
		Change:     change,
	}
	ms.writeCachedResponse(rw, req, cached, response)
}

func (ms *MintServer) checkProofsState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := decodeRequest(req, &stateRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	proofStates, err := ms.mint.ProofsStateCheck(stateRequest.Ys)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut07.PostCheckStateResponse{States: proofStates})
}

func (ms *MintServer) restoreSignatures(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := decodeRequest(req, &restoreRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, nut09.PostRestoreResponse{
		Outputs:    outputs,
		Signatures: signatures,
	})
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	ms.writeResponse(rw, req, ms.mint.MintInfo())
}

func decodeRequest(req *http.Request, v any) error {
	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) == 0 {
		return cashu.EmptyBodyErr
	}
	if err := json.Unmarshal(body, v); err != nil {
		return cashu.StandardErr
	}
	return nil
}

// checkCache reads the request body and, if a response for the same
// request was already served, replays it. The returned body and cache
// key are used by the handler to store its response.
func (ms *MintServer) checkCache(rw http.ResponseWriter, req *http.Request) (body []byte, key string, done bool) {
	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) == 0 {
		ms.writeErr(rw, req, cashu.EmptyBodyErr)
		return nil, "", true
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	key = cacheKey(req.URL.Path, body)
	if cachedResponse, ok := ms.cache.Get(key); ok {
		ms.mint.logDebugf("serving cached response for %v", req.URL.Path)
		rw.WriteHeader(http.StatusOK)
		rw.Write(cachedResponse)
		return nil, "", true
	}

	return body, key, false
}

func (ms *MintServer) writeCachedResponse(rw http.ResponseWriter, req *http.Request, key string, response any) {
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.cache.Set(key, jsonRes)
	ms.mint.logInfof("%v %v", req.Method, req.URL.Path)
	rw.WriteHeader(http.StatusOK)
	rw.Write(jsonRes)
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response any) {
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.mint.logInfof("%v %v", req.Method, req.URL.Path)
	rw.WriteHeader(http.StatusOK)
	rw.Write(jsonRes)
}

func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	ms.mint.logErrorf("%v %v error: %v", req.Method, req.URL.Path, err)

	cashuErr := cashu.StandardErr
	var ptrErr *cashu.Error
	var valErr cashu.Error
	if errors.As(err, &ptrErr) {
		cashuErr = *ptrErr
	} else if errors.As(err, &valErr) {
		cashuErr = valErr
	} else {
		cashuErr = *cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	// internal error codes should not go out in the response
	if cashuErr.Code == cashu.DBErrCode || cashuErr.Code == cashu.LightningBackendErrCode {
		cashuErr = cashu.StandardErr
	}

	rw.WriteHeader(http.StatusBadRequest)
	errRes, _ := json.Marshal(cashuErr)
	rw.Write(errRes)
}
