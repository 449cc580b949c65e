package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/box-redemption/internal/chain"
	"github.com/mmeshcher/box-redemption/internal/events"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/shopify"
	"github.com/mmeshcher/box-redemption/internal/signature"
)

var testNow = time.Unix(1_700_000_000, 0)

const testVariantID = 39_000_001

type fixture struct {
	repo     *stubRepo
	commerce *stubCommerce
	burns    *stubBurns
	claims   *stubClaims
	events   *stubPublisher
	svc      *Service
	key      *ecdsa.PrivateKey
	address  common.Address
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		repo:     newStubRepo(),
		commerce: newStubCommerce(),
		burns:    &stubBurns{},
		claims:   &stubClaims{},
		events:   &stubPublisher{},
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
	}
	if opts.VariantID == 0 {
		opts.VariantID = testVariantID
	}
	f.svc = NewService(Deps{
		Repo:     f.repo,
		Commerce: f.commerce,
		Burns:    f.burns,
		Claims:   f.claims,
		Events:   f.events,
		Verifier: &signature.Verifier{Now: func() time.Time { return testNow }},
	}, opts)
	return f
}

func testShipping() model.ShippingAddress {
	return model.ShippingAddress{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Line1:     "1 Main St",
		City:      "Springfield",
		State:     "IL",
		Zip:       "62701",
		Country:   "USA",
		Email:     "ada@example.com",
	}
}

func (f *fixture) submission(t *testing.T, shipping model.ShippingAddress, ts time.Time, units string) SubmissionInput {
	t.Helper()

	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := signature.Sign(signature.RedemptionMessage(shipping, f.address, timestamp, units), f.key)
	require.NoError(t, err)

	return SubmissionInput{
		Shipping:  shipping,
		Address:   f.address.Hex(),
		Timestamp: timestamp,
		Units:     units,
		Signature: sig,
	}
}

func (f *fixture) history(t *testing.T, ts time.Time) HistoryInput {
	t.Helper()

	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := signature.Sign(signature.HistoryMessage(f.address, timestamp), f.key)
	require.NoError(t, err)

	return HistoryInput{Address: f.address.Hex(), Signature: sig, Timestamp: timestamp}
}

func (f *fixture) order(burnHash string) OrderInput {
	return OrderInput{
		Shipping: testShipping(),
		Address:  f.address.Hex(),
		Units:    "3",
		BurnHash: burnHash,
	}
}

func testBurnHash(b byte) string {
	return common.BytesToHash([]byte{b}).Hex()
}

func TestSubmitRedemption_CreatesCustomerAndSubmission(t *testing.T) {
	f := newFixture(t, Options{})

	in := f.submission(t, testShipping(), testNow, "3")
	in.Address = strings.ToLower(in.Address)

	require.NoError(t, f.svc.SubmitRedemption(context.Background(), in))

	assert.Equal(t, 1, f.commerce.createCustomerCalls)
	require.Len(t, f.commerce.lastCustomer.Addresses, 1)
	assert.Equal(t, "United States", f.commerce.lastCustomer.Addresses[0].Country)

	rec := f.repo.customers[f.address.Hex()]
	require.NotNil(t, rec)
	assert.False(t, rec.Pending())

	require.Len(t, f.repo.submissions, 1)
	sub := f.repo.submissions[0]
	assert.Equal(t, f.address.Hex(), sub.WalletAddress)
	assert.Equal(t, 3, sub.UnitsBurned)
	assert.Equal(t, "USA", sub.AddressPhysical.Country)
}

func TestSubmitRedemption_InvalidArguments(t *testing.T) {
	f := newFixture(t, Options{})
	valid := f.submission(t, testShipping(), testNow, "3")

	tests := []struct {
		name   string
		mutate func(in *SubmissionInput)
	}{
		{name: "malformed address", mutate: func(in *SubmissionInput) { in.Address = "0x1234" }},
		{name: "missing timestamp", mutate: func(in *SubmissionInput) { in.Timestamp = "" }},
		{name: "non-numeric units", mutate: func(in *SubmissionInput) { in.Units = "three" }},
		{name: "zero units", mutate: func(in *SubmissionInput) { in.Units = "0" }},
		{name: "missing signature", mutate: func(in *SubmissionInput) { in.Signature = " " }},
		{name: "invalid email", mutate: func(in *SubmissionInput) { in.Shipping.Email = "not-an-email" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)

			err := f.svc.SubmitRedemption(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, KindInvalidArguments, KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidArguments)
		})
	}

	assert.Zero(t, f.commerce.calls())
	assert.Empty(t, f.repo.submissions)
}

func TestSubmitRedemption_SignatureRejected(t *testing.T) {
	f := newFixture(t, Options{})
	other := newFixture(t, Options{})

	tests := []struct {
		name   string
		mutate func(in *SubmissionInput)
	}{
		{
			name: "signed by another key",
			mutate: func(in *SubmissionInput) {
				in.Signature = other.submission(t, testShipping(), testNow, "3").Signature
			},
		},
		{
			name:   "tampered field",
			mutate: func(in *SubmissionInput) { in.Shipping.Zip = "62702" },
		},
		{
			name:   "tampered units",
			mutate: func(in *SubmissionInput) { in.Units = "30" },
		},
		{
			name:   "garbage signature",
			mutate: func(in *SubmissionInput) { in.Signature = "0xdeadbeef" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.submission(t, testShipping(), testNow, "3")
			tt.mutate(&in)

			err := f.svc.SubmitRedemption(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, KindUnauthorized, KindOf(err))
		})
	}

	assert.Zero(t, f.commerce.calls())
	assert.Empty(t, f.repo.customers)
	assert.Empty(t, f.repo.submissions)
}

func TestSubmitRedemption_Freshness(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		f := newFixture(t, Options{})
		in := f.submission(t, testShipping(), testNow.Add(-48*time.Hour), "1")
		assert.NoError(t, f.svc.SubmitRedemption(context.Background(), in))
	})

	t.Run("stale submission rejected", func(t *testing.T) {
		f := newFixture(t, Options{SubmissionMaxAge: time.Hour})
		in := f.submission(t, testShipping(), testNow.Add(-2*time.Hour), "1")

		err := f.svc.SubmitRedemption(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, KindUnauthorized, KindOf(err))
		assert.ErrorIs(t, err, signature.ErrExpired)
	})

	t.Run("submission from the future rejected", func(t *testing.T) {
		f := newFixture(t, Options{SubmissionMaxAge: time.Hour})
		in := f.submission(t, testShipping(), testNow.AddDate(10, 0, 0), "1")

		err := f.svc.SubmitRedemption(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, KindUnauthorized, KindOf(err))
		assert.ErrorIs(t, err, signature.ErrFromFuture)
		assert.Empty(t, f.repo.submissions)
	})
}

func TestSubmitRedemption_ExistingCustomer(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.svc.SubmitRedemption(ctx, f.submission(t, testShipping(), testNow, "1")))
	require.Equal(t, 1, f.commerce.createCustomerCalls)

	// тот же адрес, другой регистр и пробелы
	same := testShipping()
	same.Line1 = " 1 MAIN st "
	require.NoError(t, f.svc.SubmitRedemption(ctx, f.submission(t, same, testNow, "1")))
	assert.Equal(t, 1, f.commerce.createCustomerCalls)
	assert.Equal(t, 0, f.commerce.createAddressCalls)

	moved := testShipping()
	moved.Line1 = "2 Elm St"
	require.NoError(t, f.svc.SubmitRedemption(ctx, f.submission(t, moved, testNow, "1")))
	assert.Equal(t, 1, f.commerce.createCustomerCalls)
	assert.Equal(t, 1, f.commerce.createAddressCalls)

	assert.Len(t, f.repo.submissions, 3)
}

func TestSubmitRedemption_PendingClaim(t *testing.T) {
	f := newFixture(t, Options{CustomerClaimTTL: time.Hour})
	f.repo.customers[f.address.Hex()] = &model.CustomerRecord{
		WalletAddress: f.address.Hex(),
		ClaimedAt:     time.Now(),
	}

	err := f.svc.SubmitRedemption(context.Background(), f.submission(t, testShipping(), testNow, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCustomerPending)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.commerce.calls())
}

func TestSubmitRedemption_StaleClaimTakenOver(t *testing.T) {
	f := newFixture(t, Options{CustomerClaimTTL: time.Minute})
	f.repo.customers[f.address.Hex()] = &model.CustomerRecord{
		WalletAddress:   f.address.Hex(),
		AddressPhysical: testShipping(),
		ClaimedAt:       time.Now().Add(-time.Hour),
		CreatedAt:       time.Now().Add(-2 * time.Hour),
	}

	require.NoError(t, f.svc.SubmitRedemption(context.Background(), f.submission(t, testShipping(), testNow, "1")))
	assert.Equal(t, 1, f.commerce.findCustomerCalls)
	assert.Equal(t, 1, f.commerce.createCustomerCalls)
	assert.False(t, f.repo.customers[f.address.Hex()].Pending())
}

func TestSubmitRedemption_StaleClaimAdoptsCustomer(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		reset func(f *fixture)
	}{
		{
			name:  "local record not completed",
			setup: func(f *fixture) { f.repo.completeErr = errors.New("connection reset") },
			reset: func(f *fixture) { f.repo.completeErr = nil },
		},
		{
			name: "create response lost",
			setup: func(f *fixture) {
				f.commerce.createCustomerErr = context.DeadlineExceeded
				f.commerce.createCustomerLost = true
			},
			reset: func(f *fixture) {
				f.commerce.createCustomerErr = nil
				f.commerce.createCustomerLost = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{CustomerClaimTTL: time.Minute})
			ctx := context.Background()
			tt.setup(f)

			err := f.svc.SubmitRedemption(ctx, f.submission(t, testShipping(), testNow, "1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCustomerCreationFailed)
			assert.Zero(t, f.repo.released)
			require.Len(t, f.commerce.customers, 1)
			tt.reset(f)

			// заявка ещё действует
			err = f.svc.SubmitRedemption(ctx, f.submission(t, testShipping(), testNow, "1"))
			assert.ErrorIs(t, err, ErrCustomerPending)

			f.repo.age(time.Hour)
			require.NoError(t, f.svc.SubmitRedemption(ctx, f.submission(t, testShipping(), testNow, "1")))

			assert.Equal(t, 1, f.commerce.createCustomerCalls)
			assert.Equal(t, 1, f.commerce.findCustomerCalls)
			assert.Len(t, f.commerce.customers, 1)

			var id int64
			for cid := range f.commerce.customers {
				id = cid
			}
			rec := f.repo.customers[f.address.Hex()]
			assert.False(t, rec.Pending())
			assert.Equal(t, id, rec.CommerceCustomerID)
			assert.Len(t, f.repo.submissions, 1)
		})
	}
}

func TestSubmitRedemption_StaleClaimLookupFailure(t *testing.T) {
	f := newFixture(t, Options{CustomerClaimTTL: time.Minute})
	f.repo.customers[f.address.Hex()] = &model.CustomerRecord{
		WalletAddress:   f.address.Hex(),
		AddressPhysical: testShipping(),
		ClaimedAt:       time.Now().Add(-time.Hour),
		CreatedAt:       time.Now().Add(-2 * time.Hour),
	}
	f.commerce.findCustomerErr = &shopify.APIError{StatusCode: http.StatusBadGateway}

	err := f.svc.SubmitRedemption(context.Background(), f.submission(t, testShipping(), testNow, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCustomerLookupFailed)
	assert.Zero(t, f.commerce.createCustomerCalls)
	assert.True(t, f.repo.customers[f.address.Hex()].Pending())
}

func TestSubmitRedemption_ClaimLostBeforeCompletion(t *testing.T) {
	f := newFixture(t, Options{})

	dir := &Directory{
		repo:     f.repo,
		commerce: &takeoverCommerce{stubCommerce: f.commerce, repo: f.repo, wallet: f.address.Hex()},
		events:   f.events,
		logger:   f.svc.logger,
		claimTTL: time.Minute,
	}
	_, err := dir.Resolve(context.Background(), f.address, testShipping(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCustomerPending)
	assert.True(t, IsRetryable(err))
	assert.True(t, f.repo.customers[f.address.Hex()].Pending())
	assert.Equal(t, []string{events.TypeCustomerMirrorFailed}, f.events.types())
}

// takeoverCommerce имитирует перехват заявки другим запросом, пока создаётся покупатель.
type takeoverCommerce struct {
	*stubCommerce
	repo   *stubRepo
	wallet string
}

func (c *takeoverCommerce) CreateCustomer(ctx context.Context, customer model.Customer) (*model.Customer, error) {
	created, err := c.stubCommerce.CreateCustomer(ctx, customer)

	c.repo.mu.Lock()
	c.repo.customers[c.wallet].ClaimedAt = time.Now().Add(time.Second)
	c.repo.mu.Unlock()

	return created, err
}

func TestSubmitRedemption_CustomerCreationFailure(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantReleased int
		wantRetry    bool
	}{
		{
			name:         "rejected by commerce",
			err:          &shopify.APIError{StatusCode: http.StatusUnprocessableEntity, Body: `{"errors":{"email":["is invalid"]}}`},
			wantReleased: 1,
		},
		{
			name:      "commerce unavailable",
			err:       &shopify.APIError{StatusCode: http.StatusBadGateway},
			wantRetry: true,
		},
		{
			name:      "timeout",
			err:       context.DeadlineExceeded,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.commerce.createCustomerErr = tt.err

			err := f.svc.SubmitRedemption(context.Background(), f.submission(t, testShipping(), testNow, "1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCustomerCreationFailed)
			assert.Equal(t, tt.wantRetry, IsRetryable(err))
			assert.Equal(t, tt.wantReleased, f.repo.released)
			assert.Empty(t, f.repo.submissions)
		})
	}
}

func TestSubmitRedemption_MirrorFailurePublishesEvent(t *testing.T) {
	f := newFixture(t, Options{})

	dir := &Directory{
		repo:     &completeFailRepo{stubRepo: f.repo},
		commerce: f.commerce,
		events:   f.events,
		logger:   f.svc.logger,
		claimTTL: time.Minute,
	}
	_, err := dir.Resolve(context.Background(), f.address, testShipping(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCustomerCreationFailed)
	assert.Equal(t, 1, f.commerce.createCustomerCalls)
	assert.Equal(t, []string{events.TypeCustomerMirrorFailed}, f.events.types())
}

type completeFailRepo struct {
	*stubRepo
}

func (r *completeFailRepo) CompleteCustomer(ctx context.Context, wallet string, claimedAt time.Time, commerceID int64) error {
	return errors.New("connection reset")
}

func TestSubmitRedemption_SubmissionPersistFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.submissionErr = errors.New("insert failed")

	err := f.svc.SubmitRedemption(context.Background(), f.submission(t, testShipping(), testNow, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionPersistFailed)
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestCreateOrder_Success(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.svc.SubmitRedemption(ctx, f.submission(t, testShipping(), testNow, "3")))

	res, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(1)))
	require.NoError(t, err)
	assert.NotZero(t, res.OrderID)
	assert.Equal(t, testBurnHash(1), res.BurnHash)

	p := f.commerce.lastOrder
	assert.Equal(t, "paid", p.FinancialStatus)
	assert.True(t, p.SendReceipt)
	assert.True(t, p.SendFulfillmentReceipt)
	assert.Equal(t, res.Customer.ID, p.CustomerID)
	require.Len(t, p.LineItems, 1)
	assert.Equal(t, int64(testVariantID), p.LineItems[0].VariantID)
	assert.Equal(t, 3, p.LineItems[0].Quantity)
	assert.Equal(t, "1 Main St", p.ShippingAddress.Address1)
	assert.Equal(t, "United States", p.ShippingAddress.Country)
	assert.Equal(t, []model.NoteAttribute{{Name: "burn_hash", Value: testBurnHash(1)}}, p.NoteAttributes)

	rec, ok := f.repo.orders[testBurnHash(1)]
	require.True(t, ok)
	assert.Equal(t, res.OrderID, rec.CommerceOrderID)
	assert.Equal(t, f.address.Hex(), rec.WalletAddress)
	assert.Equal(t, []string{events.TypeOrderCreated}, f.events.types())
}

func TestCreateOrder_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(2)))
	require.NoError(t, err)

	second, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(2)))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, f.commerce.createOrderCalls)
	assert.Len(t, f.repo.orders, 1)
}

func TestCreateOrder_BurnInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.claims.Acquire(context.Background(), testBurnHash(3))
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(context.Background(), f.order(testBurnHash(3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBurnInProgress)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.commerce.createOrderCalls)
}

func TestCreateOrder_ClaimsUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.claims.err = errors.New("redis: connection refused")

	res, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(4)))
	require.NoError(t, err)
	assert.NotZero(t, res.OrderID)
}

func TestCreateOrder_CommerceFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.commerce.createOrderErr = &shopify.APIError{StatusCode: http.StatusUnprocessableEntity, Body: `{"errors":"line_items"}`}

	_, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(5)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderCreationFailed)
	assert.False(t, IsRetryable(err))
	assert.Empty(t, f.repo.orders)
	assert.Equal(t, 1, f.repo.ordersFreed)
	assert.Equal(t, 1, f.claims.released)
}

func TestCreateOrder_AmbiguousCommerceFailureKeepsClaim(t *testing.T) {
	f := newFixture(t, Options{})
	f.commerce.createOrderErr = &shopify.APIError{StatusCode: http.StatusServiceUnavailable}

	_, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(6)))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.claims.released)
	assert.Zero(t, f.repo.ordersFreed)

	rec, ok := f.repo.orders[testBurnHash(6)]
	require.True(t, ok)
	assert.True(t, rec.Pending())
}

func TestCreateOrder_ExpiredReservationPlacesOrder(t *testing.T) {
	f := newFixture(t, Options{OrderClaimTTL: time.Minute})
	ctx := context.Background()
	f.commerce.createOrderErr = &shopify.APIError{StatusCode: http.StatusServiceUnavailable}

	_, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(16)))
	require.Error(t, err)
	f.commerce.createOrderErr = nil

	_, err = f.svc.CreateOrder(ctx, f.order(testBurnHash(16)))
	assert.ErrorIs(t, err, ErrBurnInProgress)

	f.repo.age(time.Hour)
	res, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(16)))
	require.NoError(t, err)

	assert.Equal(t, 1, f.commerce.findOrderCalls)
	assert.Equal(t, 2, f.commerce.createOrderCalls)
	assert.Len(t, f.commerce.orders, 1)
	assert.Equal(t, res.OrderID, f.repo.orders[testBurnHash(16)].CommerceOrderID)
}

func TestCreateOrder_ReservationFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.createOrderErr = errors.New("connection reset")

	_, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(7)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.commerce.createOrderCalls)
	assert.Equal(t, 1, f.claims.released)
}

func TestCreateOrder_LedgerPersistFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.completeOrderErr = errors.New("connection reset")

	res, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(17)))
	require.NoError(t, err)

	var created int64
	for id := range f.commerce.orders {
		created = id
	}
	assert.Equal(t, created, res.OrderID)
	rec := f.repo.orders[testBurnHash(17)]
	assert.True(t, rec.Pending())
	assert.Equal(t, []string{events.TypeLedgerPersistFailed}, f.events.types())
}

func TestCreateOrder_RetryAfterLedgerPersistFailure(t *testing.T) {
	f := newFixture(t, Options{OrderClaimTTL: time.Minute})
	ctx := context.Background()
	f.repo.completeOrderErr = errors.New("connection reset")

	first, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(18)))
	require.NoError(t, err)
	f.repo.completeOrderErr = nil
	f.claims.held = nil

	// резерв ещё действует
	_, err = f.svc.CreateOrder(ctx, f.order(testBurnHash(18)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBurnInProgress)

	f.repo.age(time.Hour)
	second, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(18)))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	third, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(18)))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, third.OrderID)

	assert.Equal(t, 1, f.commerce.createOrderCalls)
	assert.Equal(t, 1, f.commerce.findOrderCalls)
	assert.Len(t, f.commerce.orders, 1)

	rec := f.repo.orders[testBurnHash(18)]
	assert.False(t, rec.Pending())
	assert.Equal(t, first.OrderID, rec.CommerceOrderID)
}

func TestCreateOrder_ExpiredReservationLookupFailure(t *testing.T) {
	f := newFixture(t, Options{OrderClaimTTL: time.Minute})
	ctx := context.Background()
	f.commerce.createOrderErr = context.DeadlineExceeded

	_, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(19)))
	require.Error(t, err)
	f.commerce.createOrderErr = nil
	f.commerce.findOrderErr = &shopify.APIError{StatusCode: http.StatusBadGateway}

	f.repo.age(time.Hour)
	_, err = f.svc.CreateOrder(ctx, f.order(testBurnHash(19)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderCreationFailed)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, f.commerce.createOrderCalls)
	rec := f.repo.orders[testBurnHash(19)]
	assert.True(t, rec.Pending())
}

func TestCreateOrder_LedgerReadFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.getOrderRecordErr = errors.New("connection reset")

	_, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(8)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, f.commerce.createOrderCalls)
}

func TestCreateOrder_BurnVerification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  Kind
		wantRetry bool
	}{
		{name: "mismatch", err: chain.ErrBurnMismatch, wantKind: KindInvalidArguments},
		{name: "reverted", err: chain.ErrBurnFailed, wantKind: KindInvalidArguments},
		{name: "not mined", err: chain.ErrBurnNotFound, wantKind: KindUpstreamUnavailable, wantRetry: true},
		{name: "unconfirmed", err: chain.ErrBurnUnconfirmed, wantKind: KindUpstreamUnavailable, wantRetry: true},
		{name: "rpc down", err: errors.New("dial tcp: connection refused"), wantKind: KindUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.burns.err = tt.err

			_, err := f.svc.CreateOrder(context.Background(), f.order(testBurnHash(9)))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBurnUnverified)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantRetry, IsRetryable(err))
			assert.Zero(t, f.commerce.calls())
		})
	}
}

func TestCreateOrder_InvalidArguments(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name   string
		mutate func(in *OrderInput)
	}{
		{name: "bad address", mutate: func(in *OrderInput) { in.Address = "not-an-address" }},
		{name: "bad hash", mutate: func(in *OrderInput) { in.BurnHash = "0x1234" }},
		{name: "negative units", mutate: func(in *OrderInput) { in.Units = "-1" }},
		{name: "missing zip", mutate: func(in *OrderInput) { in.Shipping.Zip = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.order(testBurnHash(10))
			tt.mutate(&in)

			_, err := f.svc.CreateOrder(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, KindInvalidArguments, KindOf(err))
		})
	}

	assert.Zero(t, f.burns.calls)
	assert.Zero(t, f.commerce.calls())
}

func TestOrderHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(11)))
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, f.order(testBurnHash(12)))
	require.NoError(t, err)

	f.commerce.orders[first.OrderID].FulfillmentStatus = "fulfilled"

	entries, err := f.svc.OrderHistory(ctx, f.history(t, testNow.Add(-time.Minute)))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Live)
		assert.Equal(t, f.address.Hex(), e.Address)
		if e.OrderID == first.OrderID {
			assert.Equal(t, "fulfilled", e.Status.FulfillmentStatus)
		}
	}
}

func TestOrderHistory_FallsBackToStoredStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(13)))
	require.NoError(t, err)
	f.commerce.getOrderErr = &shopify.APIError{StatusCode: http.StatusServiceUnavailable}

	entries, err := f.svc.OrderHistory(ctx, f.history(t, testNow))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Live)
	assert.Equal(t, "paid", entries[0].Status.FinancialStatus)
	assert.IsType(t, model.OrderPayload{}, entries[0].Order)
}

func TestOrderHistory_Empty(t *testing.T) {
	f := newFixture(t, Options{})

	entries, err := f.svc.OrderHistory(context.Background(), f.history(t, testNow))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrderHistory_Rejections(t *testing.T) {
	f := newFixture(t, Options{})
	other := newFixture(t, Options{})

	tests := []struct {
		name     string
		in       func() HistoryInput
		wantKind Kind
	}{
		{
			name:     "signature exactly one hour old",
			in:       func() HistoryInput { return f.history(t, testNow.Add(-time.Hour)) },
			wantKind: KindUnauthorized,
		},
		{
			name:     "signature from the future",
			in:       func() HistoryInput { return f.history(t, testNow.AddDate(10, 0, 0)) },
			wantKind: KindUnauthorized,
		},
		{
			name: "signed by another key",
			in: func() HistoryInput {
				in := f.history(t, testNow)
				in.Signature = other.history(t, testNow).Signature
				return in
			},
			wantKind: KindUnauthorized,
		},
		{
			name: "missing signature",
			in: func() HistoryInput {
				in := f.history(t, testNow)
				in.Signature = ""
				return in
			},
			wantKind: KindInvalidArguments,
		},
		{
			name: "malformed address",
			in: func() HistoryInput {
				in := f.history(t, testNow)
				in.Address = "0xZZ"
				return in
			},
			wantKind: KindInvalidArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.OrderHistory(context.Background(), tt.in())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
	assert.Zero(t, f.commerce.calls())
}

func TestOrderHistory_StoreFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.historyErr = errors.New("connection reset")

	_, err := f.svc.OrderHistory(context.Background(), f.history(t, testNow))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Equal(t, KindUnknown, KindOf(err))
}

func TestRefreshStatuses(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(14)))
	require.NoError(t, err)
	f.commerce.orders[res.OrderID].FulfillmentStatus = "fulfilled"

	f.svc.refreshStatuses(ctx)

	status, ok := f.repo.statusUpdates[testBurnHash(14)]
	require.True(t, ok)
	assert.Equal(t, "fulfilled", status.FulfillmentStatus)
}

func TestRefreshStatuses_RateLimited(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, f.order(testBurnHash(15)))
	require.NoError(t, err)
	f.commerce.getOrderErr = &shopify.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: 10 * time.Millisecond}

	f.svc.refreshStatuses(ctx)
	assert.Empty(t, f.repo.statusUpdates)
}

func TestStartStatusRefresh_Disabled(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartStatusRefresh(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartStatusRefresh did not return when disabled")
	}
}
