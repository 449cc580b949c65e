package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/signature"
	"github.com/mmeshcher/box-redemption/internal/validation"
)

const opSubmitRedemption = "submit_redemption"

// SubmissionInput: заявка на выкуп в том виде, в каком её прислал клиент.
// Timestamp и Units хранят исходный текст: именно он входит в подписанное сообщение.
type SubmissionInput struct {
	Shipping  model.ShippingAddress
	Address   string
	Timestamp string
	Units     string
	Signature string
}

// SubmitRedemption проверяет подпись формы доставки, находит или создаёт покупателя
// и сохраняет заявку.
func (s *Service) SubmitRedemption(ctx context.Context, in SubmissionInput) error {
	err := s.submitRedemption(ctx, in)
	s.metrics.Outcome(opSubmitRedemption, outcome(err))
	return err
}

func (s *Service) submitRedemption(ctx context.Context, in SubmissionInput) error {
	address, err := validation.NormalizeAddress(in.Address)
	if err != nil {
		return invalid(opSubmitRedemption, err)
	}
	timestamp, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return invalid(opSubmitRedemption, err)
	}
	units, err := parseUnits(in.Units)
	if err != nil {
		return invalid(opSubmitRedemption, err)
	}
	if strings.TrimSpace(in.Signature) == "" {
		return invalid(opSubmitRedemption, errors.New("signature is required"))
	}
	if err := validation.Struct(in.Shipping); err != nil {
		return invalid(opSubmitRedemption, err)
	}

	message := signature.RedemptionMessage(in.Shipping, address, strings.TrimSpace(in.Timestamp), strings.TrimSpace(in.Units))
	if err := s.verifier.Verify(message, in.Signature, address, timestamp, s.opts.SubmissionMaxAge); err != nil {
		s.logger.Info("redemption signature rejected", zap.String("address", address.Hex()), zap.Error(err))
		return unauthorized(opSubmitRedemption, err)
	}

	customer, err := s.directory.Resolve(ctx, address, in.Shipping, true)
	if err != nil {
		return upstream(opSubmitRedemption, err)
	}

	sub := model.RedemptionSubmission{
		ID:              uuid.NewString(),
		WalletAddress:   address.Hex(),
		UnitsBurned:     units,
		Timestamp:       timestamp,
		AddressPhysical: in.Shipping,
		Signature:       in.Signature,
	}
	if err := s.repo.CreateSubmission(ctx, sub); err != nil {
		s.logger.Error("failed to persist submission",
			zap.String("address", sub.WalletAddress),
			zap.Int64("customer_id", customer.ID),
			zap.Error(err),
		)
		return &Error{Kind: KindUnknown, Op: opSubmitRedemption, Err: fmt.Errorf("%w: %w", ErrSubmissionPersistFailed, err)}
	}

	s.logger.Info("redemption submitted",
		zap.String("address", sub.WalletAddress),
		zap.Int64("customer_id", customer.ID),
		zap.Int("units", units),
	)
	return nil
}

func parseTimestamp(raw string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	return ts, nil
}

func parseUnits(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid number of units %q", raw)
	}
	return n, nil
}

func parseBurnHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if !validation.IsValidTxHash(raw) {
		return common.Hash{}, fmt.Errorf("invalid burn transaction hash %q", raw)
	}
	return common.HexToHash(raw), nil
}
