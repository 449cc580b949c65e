// Package handler содержит HTTP-обработчики API сервиса выкупа.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/middleware"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/service"
)

const (
	maxBodyBytes       = 1 << 20
	healthCheckTimeout = 2 * time.Second
	retryAfterSeconds  = "5"
)

// Тексты ответов, которые видит клиент.
const (
	msgSuccess          = "Success"
	msgInvalidArguments = "Invalid Arguments"
	msgSignatureInvalid = "Unauthorized. Signature Invalid"
	msgUnauthorized     = "Unauthorized"
	msgCustomerFailed   = "Unable to get customer"
	msgOrderFailed      = "Unable to create order"
	msgBurnMismatch     = "Burn transaction does not match redemption"
	msgUnavailable      = "Service temporarily unavailable, please retry"
	msgUnknown          = "Unknown Error"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SubmitRedemption(ctx context.Context, in service.SubmissionInput) error
	CreateOrder(ctx context.Context, in service.OrderInput) (*service.OrderResult, error)
	OrderHistory(ctx context.Context, in service.HistoryInput) ([]model.HistoryEntry, error)
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса выкупа.
type Handler struct {
	service     Service
	logger      *zap.Logger
	metrics     http.Handler
	metricsAuth *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil: тогда /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, metrics http.Handler, metricsAuth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:     s,
		logger:      logger,
		metrics:     metrics,
		metricsAuth: metricsAuth,
	}
}

// flexString принимает JSON-строку или JSON-число и хранит исходный текст.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type redemptionRequest struct {
	model.ShippingAddress
	Address   string     `json:"address"`
	Timestamp flexString `json:"timestamp"`
	Units     flexString `json:"number-burned"`
	Signature string     `json:"signature"`
}

// SubmitRedemption принимает подписанную форму доставки.
func (h *Handler) SubmitRedemption(w http.ResponseWriter, r *http.Request) {
	var req redemptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.service.SubmitRedemption(r.Context(), service.SubmissionInput{
		Shipping:  req.ShippingAddress,
		Address:   req.Address,
		Timestamp: string(req.Timestamp),
		Units:     string(req.Units),
		Signature: req.Signature,
	})
	if err != nil {
		h.writeServiceError(w, "submit redemption", err, http.StatusInternalServerError, msgSignatureInvalid)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msgSuccess})
}

type orderRequest struct {
	model.ShippingAddress
	Address  string     `json:"address"`
	Units    flexString `json:"number-burned"`
	BurnHash string     `json:"burnHash"`
}

type orderResponse struct {
	Message  string          `json:"message"`
	Customer *model.Customer `json:"customer"`
	OrderID  int64           `json:"orderId"`
}

// CreateOrder создаёт заказ по подтверждённой транзакции сжигания.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.CreateOrder(r.Context(), service.OrderInput{
		Shipping: req.ShippingAddress,
		Address:  req.Address,
		Units:    string(req.Units),
		BurnHash: req.BurnHash,
	})
	if err != nil {
		h.writeServiceError(w, "create order", err, http.StatusBadRequest, msgUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{
		Message:  msgSuccess,
		Customer: res.Customer,
		OrderID:  res.OrderID,
	})
}

type historyRequest struct {
	Address   string     `json:"address"`
	Signature string     `json:"signature"`
	Timestamp flexString `json:"timestamp"`
}

// OrderHistory возвращает историю заказов адреса.
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !h.decode(w, r, &req) {
		return
	}

	entries, err := h.service.OrderHistory(r.Context(), service.HistoryInput{
		Address:   req.Address,
		Signature: req.Signature,
		Timestamp: string(req.Timestamp),
	})
	if err != nil {
		h.writeServiceError(w, "order history", err, http.StatusBadRequest, msgUnauthorized)
		return
	}

	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Info("malformed request body", zap.String("uri", r.RequestURI), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidArguments})
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервиса в статус и фиксированный текст.
// fallback: статус эндпоинта для невременных сбоев внешних систем.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error, fallback int, unauthorizedMsg string) {
	status, msg := fallback, msgUnknown

	switch {
	case service.KindOf(err) == service.KindInvalidArguments:
		status, msg = http.StatusBadRequest, msgInvalidArguments
		if errors.Is(err, service.ErrBurnUnverified) {
			msg = msgBurnMismatch
		}
	case service.KindOf(err) == service.KindUnauthorized:
		status, msg = http.StatusUnauthorized, unauthorizedMsg
	case service.IsRetryable(err):
		status, msg = http.StatusServiceUnavailable, msgUnavailable
		w.Header().Set("Retry-After", retryAfterSeconds)
	case errors.Is(err, service.ErrCustomerLookupFailed),
		errors.Is(err, service.ErrCustomerCreationFailed),
		errors.Is(err, service.ErrAddressCreationFailed):
		msg = msgCustomerFailed
	case errors.Is(err, service.ErrOrderCreationFailed):
		msg = msgOrderFailed
	}

	switch service.KindOf(err) {
	case service.KindInvalidArguments, service.KindUnauthorized:
		h.logger.Info(op+" rejected", zap.Int("status", status), zap.Error(err))
	default:
		h.logger.Error(op+" failed", zap.Int("status", status), zap.Error(err))
	}

	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
