package server

import (
	"SettlementLedger/internal/core"
	"SettlementLedger/internal/ingestion"
	"SettlementLedger/internal/observability"
	"SettlementLedger/internal/query"
	"SettlementLedger/internal/settlement"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	HeaderRelayerPubkey    = "X-Relayer-Pubkey"
	HeaderRelayerSignature = "X-Relayer-Signature"

	maxBodyBytes = 4 << 20
)

// Settler is the write side of the settlement core.
type Settler interface {
	ingestion.Recorder
	InitializeUserAggregate(ctx context.Context, caller core.Caller, wallet settlement.Pubkey) (settlement.Pubkey, error)
	UpdateSettlementStatus(ctx context.Context, caller core.Caller, batchID string, status settlement.Status) error
}

// Reader is the read side served by query.QueryService.
type Reader interface {
	GetSettlement(ctx context.Context, batchID string) (*query.SettlementResponse, error)
	GetUserAggregate(ctx context.Context, wallet settlement.Pubkey) (*query.UserAggregateResponse, error)
}

// Deps holds what the HTTP API needs. Events and Metrics may be nil.
type Deps struct {
	Settler Settler
	Reader  Reader
	Events  chan<- ingestion.LedgerEvent
	Health  *observability.HealthChecker
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// RecordResponse is returned by both record routes.
type RecordResponse struct {
	ingestion.LedgerEvent
	RecordSize      int   `json:"record_size"`
	LamportsCharged int64 `json:"lamports_charged"`
}

type initUserResponse struct {
	Wallet  string `json:"wallet"`
	Address string `json:"address"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type api struct {
	Deps
}

// NewHandler builds the HTTP API: JSON routes on a gateway mux plus the
// health endpoints.
func NewHandler(deps Deps) (http.Handler, error) {
	a := &api{Deps: deps}
	gw := runtime.NewServeMux()

	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/settlements", "record_batch", a.recordBatch},
		{http.MethodPost, "/v1/settlements/trades", "record_trades", a.recordTrades},
		{http.MethodPost, "/v1/settlements/{batch_id}/status", "update_status", a.updateStatus},
		{http.MethodGet, "/v1/settlements/{batch_id}", "get_settlement", a.getSettlement},
		{http.MethodPost, "/v1/users/{wallet}/init", "init_user", a.initUser},
		{http.MethodGet, "/v1/users/{wallet}", "get_user", a.getUser},
	}
	for _, r := range routes {
		if err := gw.HandlePath(r.method, r.pattern, a.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)

		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			a.Metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		}
		a.Logger.Debug().
			Str("route", route).
			Int("status", rec.code).
			Dur("took", time.Since(started)).
			Msg("request")
	}
}

// readSigned reads the body and the relayer headers. The signature covers
// core.SigningMessage for the route's operation, its target and the exact
// body bytes. Missing headers produce an unsigned caller and the core decides
// the outcome.
func readSigned(r *http.Request) (core.Caller, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return core.Caller{}, fmt.Errorf("read body: %v: %w", err, errBadRequest)
	}

	caller := core.Caller{Payload: body}
	if v := r.Header.Get(HeaderRelayerPubkey); v != "" {
		id, err := settlement.ParsePubkey(v)
		if err != nil {
			return core.Caller{}, fmt.Errorf("%s: %v: %w", HeaderRelayerPubkey, err, settlement.ErrInvalidAuthority)
		}
		caller.Identity = id
	}
	if v := r.Header.Get(HeaderRelayerSignature); v != "" {
		sig, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return core.Caller{}, fmt.Errorf("%s: %v: %w", HeaderRelayerSignature, err, settlement.ErrInvalidAuthority)
		}
		caller.Signature = sig
	}
	return caller, nil
}

func (a *api) recorded(w http.ResponseWriter, receipt *core.Receipt) {
	evt := ingestion.NewLedgerEvent(receipt)
	ingestion.Offer(a.Events, evt, a.Metrics)
	writeJSON(w, http.StatusCreated, RecordResponse{
		LedgerEvent:     evt,
		RecordSize:      receipt.RecordSize,
		LamportsCharged: receipt.LamportsCharged,
	})
}

func (a *api) recordBatch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := readSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := ingestion.ParseBatch(caller.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := a.Settler.RecordSettlementBatch(r.Context(), caller, batch)
	if err != nil {
		writeError(w, err)
		return
	}
	a.recorded(w, receipt)
}

func (a *api) recordTrades(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := readSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batchID, trades, err := ingestion.ParseTradesRequest(caller.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := a.Settler.RecordSettlementTrades(r.Context(), caller, batchID, trades)
	if err != nil {
		writeError(w, err)
		return
	}
	a.recorded(w, receipt)
}

func (a *api) updateStatus(w http.ResponseWriter, r *http.Request, params map[string]string) {
	caller, err := readSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req statusRequest
	if err := json.Unmarshal(caller.Payload, &req); err != nil {
		writeError(w, fmt.Errorf("status body: %v: %w", err, errBadRequest))
		return
	}
	status, err := settlement.ParseStatus(req.Status)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, errBadRequest))
		return
	}
	if err := a.Settler.UpdateSettlementStatus(r.Context(), caller, params["batch_id"], status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"batch_id": params["batch_id"],
		"status":   status.String(),
	})
}

func (a *api) initUser(w http.ResponseWriter, r *http.Request, params map[string]string) {
	wallet, err := settlement.ParsePubkey(params["wallet"])
	if err != nil {
		writeError(w, fmt.Errorf("wallet: %v: %w", err, errBadRequest))
		return
	}
	caller, err := readSigned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := a.Settler.InitializeUserAggregate(r.Context(), caller, wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initUserResponse{Wallet: wallet.String(), Address: addr.String()})
}

func (a *api) getSettlement(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := a.Reader.GetSettlement(r.Context(), params["batch_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) getUser(w http.ResponseWriter, r *http.Request, params map[string]string) {
	wallet, err := settlement.ParsePubkey(params["wallet"])
	if err != nil {
		writeError(w, fmt.Errorf("wallet: %v: %w", err, errBadRequest))
		return
	}
	resp, err := a.Reader.GetUserAggregate(r.Context(), wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
