package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/events"
	"github.com/mmeshcher/box-redemption/internal/metrics"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/repository"
	"github.com/mmeshcher/box-redemption/internal/shopify"
)

const (
	financialStatusPaid = "paid"
	burnHashAttribute   = "burn_hash"
)

// Ledger создаёт заказ в коммерческой системе и записывает его под хешем транзакции сжигания.
// Одному хешу соответствует не более одного заказа: хеш резервируется в журнале до
// обращения к коммерческой системе, а заказ помечается атрибутом burn_hash, по которому
// его находит запрос, перехвативший истёкший резерв.
type Ledger struct {
	repo      Repository
	commerce  Commerce
	claims    BurnClaimer
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	variantID int64
	claimTTL  time.Duration
	now       func() time.Time
}

// OrderRequest: данные для создания заказа по транзакции сжигания.
type OrderRequest struct {
	BurnHash string
	Address  common.Address
	Customer *model.Customer
	Shipping model.CustomerAddress
	Email    string
	Units    int
}

// RecordOrder создаёт заказ и запись журнала.
//
// Если заказ для хеша уже записан, возвращается он без обращения к коммерческой системе.
// Пока резерв хеша держит другой запрос, возвращается ErrBurnInProgress.
// Если заказ создан, а запись завершить не удалось, заказ всё равно возвращается:
// резерв остаётся, расхождение логируется и публикуется событием сверки.
func (l *Ledger) RecordOrder(ctx context.Context, req OrderRequest) (*model.OrderRecord, error) {
	existing, err := l.repo.GetOrderRecord(ctx, req.BurnHash)
	switch {
	case err == nil && !existing.Pending():
		l.logger.Info("order already recorded for burn",
			zap.String("burn_hash", req.BurnHash),
			zap.Int64("order_id", existing.CommerceOrderID),
		)
		return existing, nil
	case err == nil:
		return l.resume(ctx, existing)
	case !errors.Is(err, repository.ErrOrderRecordNotFound):
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	if l.claims != nil {
		ok, err := l.claims.Acquire(ctx, req.BurnHash)
		if err != nil {
			// без кеша остаётся резерв в журнале
			l.logger.Warn("burn claim unavailable", zap.String("burn_hash", req.BurnHash), zap.Error(err))
		} else if !ok {
			return nil, ErrBurnInProgress
		}
	}

	now := l.now().UTC()
	rec := model.OrderRecord{
		BurnHash:      req.BurnHash,
		WalletAddress: req.Address.Hex(),
		Order:         l.payload(req),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := l.repo.CreateOrderRecord(ctx, rec); err != nil {
		l.releaseClaim(ctx, req.BurnHash)
		if errors.Is(err, repository.ErrOrderRecordExists) {
			return nil, ErrBurnInProgress
		}
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	return l.place(ctx, rec)
}

func (l *Ledger) payload(req OrderRequest) model.OrderPayload {
	return model.OrderPayload{
		Email:      req.Email,
		CustomerID: req.Customer.ID,
		LineItems: []model.LineItem{
			{VariantID: l.variantID, Quantity: req.Units},
		},
		ShippingAddress:        req.Shipping,
		FinancialStatus:        financialStatusPaid,
		SendReceipt:            true,
		SendFulfillmentReceipt: true,
		NoteAttributes: []model.NoteAttribute{
			{Name: burnHashAttribute, Value: req.BurnHash},
		},
	}
}

// resume продолжает обработку чужого резерва, если тот истёк. Прежняя попытка могла
// успеть создать заказ, поэтому сначала он ищется по атрибуту burn_hash.
func (l *Ledger) resume(ctx context.Context, rec *model.OrderRecord) (*model.OrderRecord, error) {
	ok, err := l.repo.ClaimStaleOrderRecord(ctx, rec.BurnHash, l.claimTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	if !ok {
		return nil, ErrBurnInProgress
	}

	order, err := l.commerce.FindOrderByAttribute(ctx, rec.Order.CustomerID, burnHashAttribute, rec.BurnHash)
	switch {
	case err == nil:
		l.logger.Info("order of expired reservation found",
			zap.String("burn_hash", rec.BurnHash),
			zap.Int64("order_id", order.ID),
		)
		return l.complete(ctx, *rec, order)
	case errors.Is(err, shopify.ErrNotFound):
		return l.place(ctx, *rec)
	default:
		l.logger.Error("failed to look up order of expired reservation",
			zap.String("burn_hash", rec.BurnHash),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrOrderCreationFailed, err)
	}
}

func (l *Ledger) place(ctx context.Context, rec model.OrderRecord) (*model.OrderRecord, error) {
	order, err := l.commerce.CreateOrder(ctx, rec.Order)
	if err != nil {
		fields := []zap.Field{
			zap.String("burn_hash", rec.BurnHash),
			zap.Int64("customer_id", rec.Order.CustomerID),
			zap.Error(err),
		}
		var apiErr *shopify.APIError
		if errors.As(err, &apiErr) {
			fields = append(fields, zap.String("response", apiErr.Body))
		}
		l.logger.Error("failed to create order", fields...)

		// При неоднозначном исходе резерв остаётся: заказ мог быть создан.
		if definitive(err) {
			releaseCtx := context.WithoutCancel(ctx)
			if rerr := l.repo.ReleaseOrderRecord(releaseCtx, rec.BurnHash); rerr != nil {
				l.logger.Warn("failed to release order reservation", zap.String("burn_hash", rec.BurnHash), zap.Error(rerr))
			}
			l.releaseClaim(releaseCtx, rec.BurnHash)
		}
		return nil, fmt.Errorf("%w: %w", ErrOrderCreationFailed, err)
	}

	return l.complete(ctx, rec, order)
}

func (l *Ledger) complete(ctx context.Context, rec model.OrderRecord, order *model.Order) (*model.OrderRecord, error) {
	rec.CommerceOrderID = order.ID
	rec.Status = order.OrderStatus
	rec.UpdatedAt = l.now().UTC()

	// заказ уже создан, запись делается даже при отмене запроса клиентом
	persistCtx := context.WithoutCancel(ctx)
	if err := l.repo.CompleteOrderRecord(persistCtx, rec.BurnHash, order.ID, order.OrderStatus); err != nil {
		l.logger.Error("order created but not recorded",
			zap.String("burn_hash", rec.BurnHash),
			zap.Int64("order_id", order.ID),
			zap.Error(fmt.Errorf("%w: %w", ErrLedgerPersistFailed, err)),
		)
		l.metrics.PartialCommit("ledger")
		l.publish(persistCtx, events.Event{
			Type:       events.TypeLedgerPersistFailed,
			Key:        rec.WalletAddress,
			BurnHash:   rec.BurnHash,
			CustomerID: rec.Order.CustomerID,
			OrderID:    order.ID,
			Error:      err.Error(),
			Payload:    rec,
		})
		return &rec, nil
	}

	l.logger.Info("order recorded",
		zap.String("burn_hash", rec.BurnHash),
		zap.Int64("order_id", order.ID),
	)
	l.publish(persistCtx, events.Event{
		Type:       events.TypeOrderCreated,
		Key:        rec.WalletAddress,
		BurnHash:   rec.BurnHash,
		CustomerID: rec.Order.CustomerID,
		OrderID:    order.ID,
	})

	return &rec, nil
}

func (l *Ledger) releaseClaim(ctx context.Context, burnHash string) {
	if l.claims != nil {
		l.claims.Release(context.WithoutCancel(ctx), burnHash)
	}
}

func (l *Ledger) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = l.now().UTC()
	if err := l.events.Publish(ctx, e); err != nil {
		l.logger.Error("failed to publish reconciliation event", zap.String("type", e.Type), zap.Error(err))
	}
}
