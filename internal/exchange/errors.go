package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange failures so callers can pick a recovery path
// without parsing message strings.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindRateLimited
	KindInsufficientBalance
	KindPriceIncrementInvalid
	KindUnknownSymbol
	KindExchangeUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindPriceIncrementInvalid:
		return "price_increment_invalid"
	case KindUnknownSymbol:
		return "unknown_symbol"
	case KindExchangeUnavailable:
		return "exchange_unavailable"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every client method.
type Error struct {
	Kind    ErrorKind
	Op      string // client operation, e.g. "place_order"
	Symbol  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("exchange: %s %s: %s: %s", e.Op, e.Symbol, e.Kind, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed exchange error.
func NewError(kind ErrorKind, op, symbol, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Message: message, Cause: cause}
}

// KindOf extracts the error kind, defaulting to KindTransport for errors
// that did not originate in this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
