package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/shopify"
)

// StartStatusRefresh запускает фоновое обновление сохранённых статусов заказов
// из коммерческой системы. При нулевом интервале ничего не делает.
func (s *Service) StartStatusRefresh(ctx context.Context) {
	if s.commerce == nil || s.opts.StatusRefreshInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.StatusRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshStatuses(ctx)
			}
		}
	}()
}

func (s *Service) refreshStatuses(ctx context.Context) {
	records, err := s.repo.GetOrderRecordsForRefresh(ctx, s.opts.StatusRefreshBatch)
	if err != nil {
		s.logger.Error("failed to load orders for refresh", zap.Error(err))
		return
	}

	for _, rec := range records {
		order, err := s.commerce.GetOrder(ctx, rec.CommerceOrderID)
		if err != nil {
			var apiErr *shopify.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
				if apiErr.RetryAfter > 0 {
					timer := time.NewTimer(apiErr.RetryAfter)
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				}
				continue
			}
			s.logger.Warn("failed to refresh order status",
				zap.Int64("order_id", rec.CommerceOrderID),
				zap.Error(err),
			)
			continue
		}

		if err := s.repo.UpdateOrderStatus(ctx, rec.BurnHash, order.OrderStatus); err != nil {
			s.logger.Error("failed to update order status", zap.String("burn_hash", rec.BurnHash), zap.Error(err))
		}
	}
}
