package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mmeshcher/box-redemption/internal/chain"
	"github.com/mmeshcher/box-redemption/internal/shopify"
)

// Kind классифицирует ошибку независимо от текста, который увидит клиент.
type Kind string

const (
	KindInvalidArguments    Kind = "InvalidArguments"
	KindUnauthorized        Kind = "Unauthorized"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindPartialCommit       Kind = "PartialCommit"
	KindUnknown             Kind = "Unknown"
)

// Причины ошибок. Проверяются через errors.Is.
var (
	ErrInvalidArguments        = errors.New("invalid arguments")
	ErrCustomerLookupFailed    = errors.New("unable to look up customer")
	ErrCustomerCreationFailed  = errors.New("unable to create customer")
	ErrCustomerPending         = errors.New("customer creation in progress")
	ErrAddressCreationFailed   = errors.New("unable to add customer address")
	ErrOrderCreationFailed     = errors.New("unable to create order")
	ErrLedgerUnavailable       = errors.New("order ledger unavailable")
	ErrLedgerPersistFailed     = errors.New("unable to persist order record")
	ErrBurnInProgress          = errors.New("burn transaction is being processed")
	ErrBurnUnverified          = errors.New("unable to verify burn transaction")
	ErrSubmissionPersistFailed = errors.New("unable to persist submission")
	ErrHistoryUnavailable      = errors.New("order history unavailable")
)

// Error: ошибка операции с видом и признаком возможности повтора.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf возвращает вид ошибки; для неклассифицированных ошибок: KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable сообщает, что запрос можно повторить без изменений.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func invalid(op string, err error) *Error {
	return &Error{Kind: KindInvalidArguments, Op: op, Err: fmt.Errorf("%w: %w", ErrInvalidArguments, err)}
}

func unauthorized(op string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Err: err}
}

func upstream(op string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Retryable: temporary(err), Err: err}
}

// temporary сообщает, что сбой временный: таймаут, 429/5xx, незавершённая операция.
func temporary(err error) bool {
	return shopify.IsTemporary(err) ||
		chain.Pending(err) ||
		errors.Is(err, ErrCustomerPending) ||
		errors.Is(err, ErrBurnInProgress) ||
		errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// definitive сообщает, что коммерческая система отклонила запрос и ничего не создала.
func definitive(err error) bool {
	if errors.Is(err, shopify.ErrNotConfigured) {
		return true
	}
	var apiErr *shopify.APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode >= http.StatusBadRequest &&
		apiErr.StatusCode < http.StatusInternalServerError &&
		apiErr.StatusCode != http.StatusTooManyRequests
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
