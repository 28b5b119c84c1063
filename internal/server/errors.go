package server

import (
	"SettlementLedger/internal/settlement"
	"SettlementLedger/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// errBadRequest marks request-shape problems that never reach the core.
var errBadRequest = errors.New("bad request")

// errorBody is the JSON error payload of every failing API call.
type errorBody struct {
	Error   string           `json:"error"`
	Code    *settlement.Code `json:"code,omitempty"`
	Message string           `json:"message"`
}

// grpcCode classifies err. The gRPC code picks the HTTP status through the
// gateway's standard table, so both surfaces agree on semantics.
func grpcCode(err error) codes.Code {
	var e *settlement.Error
	switch {
	case errors.Is(err, settlement.ErrMissingSignature):
		return codes.Unauthenticated
	case errors.Is(err, settlement.ErrInvalidAuthority),
		errors.Is(err, settlement.ErrIllegalOwner):
		return codes.PermissionDenied
	case errors.Is(err, settlement.ErrAccountAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, settlement.ErrAccountNotFound):
		return codes.NotFound
	case errors.Is(err, settlement.ErrInsufficientLamports):
		return codes.ResourceExhausted
	case errors.Is(err, storage.ErrConflict):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, errBadRequest), errors.As(err, &e):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// httpStatus maps err to a response status. Insufficient funds answer 402,
// which has no gRPC equivalent.
func httpStatus(err error) int {
	if errors.Is(err, settlement.ErrInsufficientLamports) {
		return http.StatusPaymentRequired
	}
	return runtime.HTTPStatusFromCode(grpcCode(err))
}

func errorName(err error) string {
	if e, ok := settlement.CodeOf(err); ok {
		return e.Name
	}
	switch {
	case errors.Is(err, settlement.ErrMissingSignature):
		return "MissingSignature"
	case errors.Is(err, settlement.ErrIllegalOwner):
		return "IllegalOwner"
	case errors.Is(err, storage.ErrConflict):
		return "StorageConflict"
	case errors.Is(err, errBadRequest):
		return "BadRequest"
	default:
		return "Internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: errorName(err), Message: err.Error()}
	if e, ok := settlement.CodeOf(err); ok {
		code := e.Code
		body.Code = &code
	}
	writeJSON(w, httpStatus(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
