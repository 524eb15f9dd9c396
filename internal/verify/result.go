package verify

import "time"

// Code classifies the outcome of a verification attempt.
type Code uint8

const (
	CodeSuccess Code = iota
	// CodeAlreadyProcessed is an idempotent success: the hash already
	// settled to an order and the caller gets that order back.
	CodeAlreadyProcessed
	CodeInvalidRequest
	// CodeInFlight means another verification of the same hash holds
	// the lock; the caller should retry after the hint.
	CodeInFlight
	CodeRateLimited
	CodeServiceUnavailable
	CodeTransactionFailed
	CodeNotSettled
	CodeWrongRecipient
	CodeInternalError
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeInFlight:
		return "IN_FLIGHT"
	case CodeRateLimited:
		return "RATE_LIMITED"
	case CodeServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case CodeTransactionFailed:
		return "TRANSACTION_FAILED"
	case CodeNotSettled:
		return "NOT_SETTLED"
	case CodeWrongRecipient:
		return "WRONG_RECIPIENT"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one Verify call.
type Result struct {
	Code       Code
	Reason     string
	Retryable  bool
	RetryAfter time.Duration // zero when no hint applies
	OrderID    string
	Amount     string
}

func success(orderID, amount string) Result {
	return Result{Code: CodeSuccess, OrderID: orderID, Amount: amount}
}

func alreadyProcessed(orderID string) Result {
	return Result{Code: CodeAlreadyProcessed, OrderID: orderID, Reason: "payment already processed"}
}

func invalid(reason string) Result {
	return Result{Code: CodeInvalidRequest, Reason: reason}
}

func inFlight(hint time.Duration) Result {
	return Result{
		Code:       CodeInFlight,
		Reason:     "payment verification already in progress",
		Retryable:  true,
		RetryAfter: hint,
	}
}

func rateLimited(retryAfter time.Duration) Result {
	return Result{
		Code:       CodeRateLimited,
		Reason:     "too many requests from this wallet",
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

func unavailable() Result {
	return Result{
		Code:       CodeServiceUnavailable,
		Reason:     "blockchain connection unavailable",
		Retryable:  true,
		RetryAfter: 60 * time.Second,
	}
}

func rejected(code Code, reason string) Result {
	return Result{Code: code, Reason: reason}
}

func internalError(reason string) Result {
	return Result{Code: CodeInternalError, Reason: reason, Retryable: true}
}
