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
	"github.com/mmeshcher/box-redemption/internal/validation"
)

// Directory сопоставляет адрес кошелька с покупателем коммерческой системы.
//
// Для каждого адреса создаётся не более одного покупателя: запись в хранилище
// резервируется до обращения к коммерческой системе, конкурентный запрос получает
// ErrCustomerPending. Заявка, не завершённая за claimTTL, может быть перехвачена;
// перехвативший сначала ищет покупателя, которого могла создать прежняя попытка.
type Directory struct {
	repo     Repository
	commerce Commerce
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	claimTTL time.Duration
}

// Resolve возвращает покупателя для адреса, создавая его при первом обращении.
// При createAddressIfMissing адрес доставки добавляется покупателю, если среди
// его адресов нет совпадающего по (line1, zip).
func (d *Directory) Resolve(ctx context.Context, address common.Address, shipping model.ShippingAddress, createAddressIfMissing bool) (*model.Customer, error) {
	wallet := address.Hex()

	rec, claimed, err := d.repo.ClaimCustomer(ctx, model.CustomerRecord{
		WalletAddress:   wallet,
		AddressPhysical: shipping,
	}, d.claimTTL)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			// заявку освободили между вставкой и чтением
			return nil, ErrCustomerPending
		}
		return nil, fmt.Errorf("%w: %w", ErrCustomerLookupFailed, err)
	}

	var customer *model.Customer
	switch {
	case claimed:
		customer, err = d.create(ctx, rec, shipping)
		if err != nil {
			return nil, err
		}
	case rec.Pending():
		return nil, ErrCustomerPending
	default:
		customer, err = d.commerce.GetCustomer(ctx, rec.CommerceCustomerID)
		if err != nil {
			d.logger.Error("failed to get customer",
				zap.String("address", wallet),
				zap.Int64("customer_id", rec.CommerceCustomerID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %w", ErrCustomerLookupFailed, err)
		}
	}

	if !createAddressIfMissing {
		return customer, nil
	}
	if _, ok := customer.FindAddress(shipping); ok {
		return customer, nil
	}

	created, err := d.commerce.CreateAddress(ctx, customer.ID, commerceAddress(shipping))
	if err != nil {
		d.logger.Error("failed to add customer address",
			zap.Int64("customer_id", customer.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrAddressCreationFailed, err)
	}
	customer.Addresses = append(customer.Addresses, *created)

	return customer, nil
}

func (d *Directory) create(ctx context.Context, rec *model.CustomerRecord, shipping model.ShippingAddress) (*model.Customer, error) {
	wallet := rec.WalletAddress

	if rec.Reclaimed() {
		previous, err := d.findPrevious(ctx, rec)
		if err != nil {
			d.logger.Error("failed to look up customer of expired claim", zap.String("address", wallet), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrCustomerLookupFailed, err)
		}
		if previous != nil {
			d.logger.Info("customer of expired claim found",
				zap.String("address", wallet),
				zap.Int64("customer_id", previous.ID),
			)
			return d.complete(ctx, rec, previous)
		}
	}

	customer, err := d.commerce.CreateCustomer(ctx, model.Customer{
		Email:     shipping.Email,
		FirstName: shipping.FirstName,
		LastName:  shipping.LastName,
		Addresses: []model.CustomerAddress{commerceAddress(shipping)},
	})
	if err != nil {
		d.logger.Error("failed to create customer", zap.String("address", wallet), zap.Error(err))
		// При неоднозначном исходе заявка остаётся и истекает сама:
		// покупатель мог быть создан, его найдёт следующая попытка.
		if definitive(err) {
			if rerr := d.repo.ReleaseCustomer(context.WithoutCancel(ctx), wallet); rerr != nil {
				d.logger.Warn("failed to release customer claim", zap.String("address", wallet), zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrCustomerCreationFailed, err)
	}

	if len(customer.Addresses) == 0 {
		customer.Addresses = []model.CustomerAddress{commerceAddress(shipping)}
	}

	return d.complete(ctx, rec, customer)
}

// findPrevious ищет покупателя по email, с которым создавала его прежняя попытка.
// Возвращает nil, если такого покупателя нет.
func (d *Directory) findPrevious(ctx context.Context, rec *model.CustomerRecord) (*model.Customer, error) {
	customer, err := d.commerce.FindCustomerByEmail(ctx, rec.AddressPhysical.Email)
	if errors.Is(err, shopify.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}

func (d *Directory) complete(ctx context.Context, rec *model.CustomerRecord, customer *model.Customer) (*model.Customer, error) {
	wallet := rec.WalletAddress

	err := d.repo.CompleteCustomer(context.WithoutCancel(ctx), wallet, rec.ClaimedAt, customer.ID)
	if err == nil {
		d.logger.Info("customer record completed", zap.String("address", wallet), zap.Int64("customer_id", customer.ID))
		return customer, nil
	}

	d.metrics.PartialCommit("customer")
	d.publish(ctx, events.Event{
		Type:       events.TypeCustomerMirrorFailed,
		Key:        wallet,
		CustomerID: customer.ID,
		Error:      err.Error(),
	})

	if errors.Is(err, repository.ErrClaimLost) {
		d.logger.Warn("customer claim taken over before completion",
			zap.String("address", wallet),
			zap.Int64("customer_id", customer.ID),
		)
		return nil, ErrCustomerPending
	}

	d.logger.Error("customer created but local record not updated",
		zap.String("address", wallet),
		zap.Int64("customer_id", customer.ID),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%w: %w", ErrCustomerCreationFailed, err)
}

func (d *Directory) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = time.Now().UTC()
	if err := d.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Error("failed to publish reconciliation event", zap.String("type", e.Type), zap.Error(err))
	}
}

// commerceAddress переводит адрес формы в формат коммерческой системы с нормализованной страной.
func commerceAddress(s model.ShippingAddress) model.CustomerAddress {
	a := model.AddressFromShipping(s)
	a.Country = validation.NormalizeCountry(a.Country)
	return a
}
