package settlement

import "errors"

// Code is the stable numeric identifier of a settlement error.
type Code uint32

const (
	CodeInvalidSettlementAccount Code = iota
	CodeInvalidAuthority
	CodeEmptyTrades
	CodeInvalidTotalVolume
	CodeInvalidTotalFees
	CodeInvalidDataHash
	CodeAccountAlreadyExists
	CodeAccountNotFound
	CodeInsufficientLamports
	CodeInvalidBatchID
	CodeSerializationError
	CodeInvalidTradeData
	CodeInvalidTrade
)

// Error is a member of the closed settlement error taxonomy.
type Error struct {
	Code Code
	Name string
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrInvalidSettlementAccount = &Error{CodeInvalidSettlementAccount, "InvalidSettlementAccount", "invalid settlement account"}
	ErrInvalidAuthority         = &Error{CodeInvalidAuthority, "InvalidAuthority", "invalid authority - not authorized relayer"}
	ErrEmptyTrades              = &Error{CodeEmptyTrades, "EmptyTrades", "empty trades - batch must contain at least one trade"}
	ErrInvalidTotalVolume       = &Error{CodeInvalidTotalVolume, "InvalidTotalVolume", "invalid total volume - calculated volume does not match provided"}
	ErrInvalidTotalFees         = &Error{CodeInvalidTotalFees, "InvalidTotalFees", "invalid total fees - calculated fees do not match provided"}
	ErrInvalidDataHash          = &Error{CodeInvalidDataHash, "InvalidDataHash", "invalid data hash - hash verification failed"}
	ErrAccountAlreadyExists     = &Error{CodeAccountAlreadyExists, "AccountAlreadyExists", "account already exists - batch_id already recorded"}
	ErrAccountNotFound          = &Error{CodeAccountNotFound, "AccountNotFound", "account not found"}
	ErrInsufficientLamports     = &Error{CodeInsufficientLamports, "InsufficientLamports", "insufficient lamports for rent"}
	ErrInvalidBatchID           = &Error{CodeInvalidBatchID, "InvalidBatchId", "invalid batch ID format"}
	ErrSerialization            = &Error{CodeSerializationError, "SerializationError", "serialization error"}
	ErrInvalidTradeData         = &Error{CodeInvalidTradeData, "InvalidTradeData", "invalid trade data"}
	ErrInvalidTrade             = &Error{CodeInvalidTrade, "InvalidTrade", "invalid trade - price, qty, or notional mismatch"}
)

// Host-level errors. They sit outside the closed taxonomy, like the runtime's own program errors.
var (
	ErrMissingSignature = errors.New("missing required signature")
	ErrIllegalOwner     = errors.New("illegal owner - account not owned by settlement program")
)

var byCode = []*Error{
	ErrInvalidSettlementAccount,
	ErrInvalidAuthority,
	ErrEmptyTrades,
	ErrInvalidTotalVolume,
	ErrInvalidTotalFees,
	ErrInvalidDataHash,
	ErrAccountAlreadyExists,
	ErrAccountNotFound,
	ErrInsufficientLamports,
	ErrInvalidBatchID,
	ErrSerialization,
	ErrInvalidTradeData,
	ErrInvalidTrade,
}

// FromCode returns the taxonomy error for a code.
func FromCode(c Code) (*Error, bool) {
	if int(c) >= len(byCode) {
		return nil, false
	}
	return byCode[c], true
}

// CodeOf unwraps err to its taxonomy member.
func CodeOf(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Retryable reports whether a caller may resubmit after correcting the input.
// AccountAlreadyExists is final for the identifier.
func Retryable(err error) bool {
	return !errors.Is(err, ErrAccountAlreadyExists)
}
