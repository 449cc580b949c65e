package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/signature"
	"github.com/mmeshcher/box-redemption/internal/validation"
)

const opOrderHistory = "order_history"

// HistoryInput: запрос истории заказов, подписанный владельцем адреса.
type HistoryInput struct {
	Address   string
	Signature string
	Timestamp string
}

// OrderHistory возвращает заказы адреса, новые первыми. Подпись действует час.
// Статус каждого заказа запрашивается у коммерческой системы; если она недоступна,
// используется сохранённый статус и Live = false.
func (s *Service) OrderHistory(ctx context.Context, in HistoryInput) ([]model.HistoryEntry, error) {
	entries, err := s.orderHistory(ctx, in)
	s.metrics.Outcome(opOrderHistory, outcome(err))
	return entries, err
}

func (s *Service) orderHistory(ctx context.Context, in HistoryInput) ([]model.HistoryEntry, error) {
	address, err := validation.NormalizeAddress(in.Address)
	if err != nil {
		return nil, invalid(opOrderHistory, err)
	}
	timestamp, err := parseTimestamp(in.Timestamp)
	if err != nil {
		return nil, invalid(opOrderHistory, err)
	}
	if strings.TrimSpace(in.Signature) == "" {
		return nil, invalid(opOrderHistory, errors.New("signature is required"))
	}

	message := signature.HistoryMessage(address, strings.TrimSpace(in.Timestamp))
	if err := s.verifier.Verify(message, in.Signature, address, timestamp, signature.HistoryMaxAge); err != nil {
		s.logger.Info("history signature rejected", zap.String("address", address.Hex()), zap.Error(err))
		return nil, unauthorized(opOrderHistory, err)
	}

	records, err := s.repo.GetOrderRecordsByAddress(ctx, address.Hex())
	if err != nil {
		s.logger.Error("failed to load order history", zap.String("address", address.Hex()), zap.Error(err))
		return nil, &Error{Kind: KindUnknown, Op: opOrderHistory, Err: fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)}
	}

	entries := make([]model.HistoryEntry, len(records))
	var g errgroup.Group
	g.SetLimit(s.opts.HistoryConcurrency)

	for i, rec := range records {
		entries[i] = model.HistoryEntry{
			BurnHash: rec.BurnHash,
			OrderID:  rec.CommerceOrderID,
			Address:  rec.WalletAddress,
			Order:    rec.Order,
			Status:   rec.Status,
		}

		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(ctx, s.opts.HistoryLookupTimeout)
			defer cancel()

			order, err := s.commerce.GetOrder(lookupCtx, rec.CommerceOrderID)
			if err != nil {
				s.logger.Warn("failed to get live order, using stored status",
					zap.Int64("order_id", rec.CommerceOrderID),
					zap.Error(err),
				)
				return nil
			}
			entries[i].Order = order
			entries[i].Status = order.OrderStatus
			entries[i].Live = true
			return nil
		})
	}
	_ = g.Wait()

	return entries, nil
}
