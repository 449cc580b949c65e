package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/chain"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/validation"
)

const opCreateOrder = "create_order"

// OrderInput: запрос на создание заказа по подтверждённому сжиганию.
type OrderInput struct {
	Shipping model.ShippingAddress
	Address  string
	Units    string
	BurnHash string
}

// OrderResult: результат создания заказа.
type OrderResult struct {
	Customer *model.Customer
	OrderID  int64
	BurnHash string
}

// CreateOrder проверяет транзакцию сжигания и создаёт по ней заказ.
// Повторный вызов с тем же хешем возвращает уже созданный заказ.
func (s *Service) CreateOrder(ctx context.Context, in OrderInput) (*OrderResult, error) {
	res, err := s.createOrder(ctx, in)
	s.metrics.Outcome(opCreateOrder, outcome(err))
	return res, err
}

func (s *Service) createOrder(ctx context.Context, in OrderInput) (*OrderResult, error) {
	address, err := validation.NormalizeAddress(in.Address)
	if err != nil {
		return nil, invalid(opCreateOrder, err)
	}
	units, err := parseUnits(in.Units)
	if err != nil {
		return nil, invalid(opCreateOrder, err)
	}
	hash, err := parseBurnHash(in.BurnHash)
	if err != nil {
		return nil, invalid(opCreateOrder, err)
	}
	if err := validation.Struct(in.Shipping); err != nil {
		return nil, invalid(opCreateOrder, err)
	}

	if err := s.burns.Verify(ctx, hash, address, units); err != nil {
		s.logger.Info("burn verification failed",
			zap.String("address", address.Hex()),
			zap.String("burn_hash", hash.Hex()),
			zap.Error(err),
		)
		if errors.Is(err, chain.ErrBurnMismatch) || errors.Is(err, chain.ErrBurnFailed) {
			return nil, invalid(opCreateOrder, fmt.Errorf("%w: %w", ErrBurnUnverified, err))
		}
		return nil, upstream(opCreateOrder, fmt.Errorf("%w: %w", ErrBurnUnverified, err))
	}

	customer, err := s.directory.Resolve(ctx, address, in.Shipping, false)
	if err != nil {
		return nil, upstream(opCreateOrder, err)
	}

	shipping, ok := customer.FindAddress(in.Shipping)
	if !ok {
		s.logger.Warn("shipping address not found on customer, using submitted address",
			zap.Int64("customer_id", customer.ID),
		)
		shipping = commerceAddress(in.Shipping)
	}

	rec, err := s.ledger.RecordOrder(ctx, OrderRequest{
		BurnHash: hash.Hex(),
		Address:  address,
		Customer: customer,
		Shipping: shipping,
		Email:    in.Shipping.Email,
		Units:    units,
	})
	if err != nil {
		return nil, upstream(opCreateOrder, err)
	}

	return &OrderResult{
		Customer: customer,
		OrderID:  rec.CommerceOrderID,
		BurnHash: rec.BurnHash,
	}, nil
}
