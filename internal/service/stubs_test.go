package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/box-redemption/internal/events"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/repository"
	"github.com/mmeshcher/box-redemption/internal/shopify"
)

type stubRepo struct {
	mu sync.Mutex

	customers   map[string]*model.CustomerRecord
	submissions []model.RedemptionSubmission
	orders      map[string]model.OrderRecord

	claimErr          error
	completeErr       error
	createOrderErr    error
	completeOrderErr  error
	getOrderRecordErr error
	historyErr        error
	submissionErr     error

	released      int
	ordersFreed   int
	statusUpdates map[string]model.OrderStatus
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		customers:     make(map[string]*model.CustomerRecord),
		orders:        make(map[string]model.OrderRecord),
		statusUpdates: make(map[string]model.OrderStatus),
	}
}

func (s *stubRepo) Close() error                   { return nil }
func (s *stubRepo) Ping(ctx context.Context) error { return nil }

func (s *stubRepo) ClaimCustomer(ctx context.Context, rec model.CustomerRecord, staleAfter time.Duration) (*model.CustomerRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, false, s.claimErr
	}
	now := time.Now()
	if existing, ok := s.customers[rec.WalletAddress]; ok {
		if existing.Pending() && now.Sub(existing.ClaimedAt) > staleAfter {
			existing.ClaimedAt = now
			c := *existing
			return &c, true, nil
		}
		c := *existing
		return &c, false, nil
	}
	rec.ClaimedAt = now
	rec.CreatedAt = now
	s.customers[rec.WalletAddress] = &rec
	c := rec
	return &c, true, nil
}

func (s *stubRepo) CompleteCustomer(ctx context.Context, wallet string, claimedAt time.Time, commerceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completeErr != nil {
		return s.completeErr
	}
	rec, ok := s.customers[wallet]
	if !ok || !rec.Pending() || !rec.ClaimedAt.Equal(claimedAt) {
		return repository.ErrClaimLost
	}
	rec.CommerceCustomerID = commerceID
	return nil
}

func (s *stubRepo) ReleaseCustomer(ctx context.Context, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.customers[wallet]; ok && rec.Pending() {
		delete(s.customers, wallet)
		s.released++
	}
	return nil
}

func (s *stubRepo) CreateSubmission(ctx context.Context, sub model.RedemptionSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submissionErr != nil {
		return s.submissionErr
	}
	s.submissions = append(s.submissions, sub)
	return nil
}

func (s *stubRepo) CreateOrderRecord(ctx context.Context, o model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createOrderErr != nil {
		return s.createOrderErr
	}
	if _, ok := s.orders[o.BurnHash]; ok {
		return repository.ErrOrderRecordExists
	}
	s.orders[o.BurnHash] = o
	return nil
}

func (s *stubRepo) ClaimStaleOrderRecord(ctx context.Context, burnHash string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[burnHash]
	if !ok || !o.Pending() || time.Since(o.UpdatedAt) <= staleAfter {
		return false, nil
	}
	o.UpdatedAt = time.Now()
	s.orders[burnHash] = o
	return true, nil
}

func (s *stubRepo) CompleteOrderRecord(ctx context.Context, burnHash string, orderID int64, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completeOrderErr != nil {
		return s.completeOrderErr
	}
	o, ok := s.orders[burnHash]
	if !ok || !o.Pending() {
		return repository.ErrOrderRecordExists
	}
	o.CommerceOrderID = orderID
	o.Status = status
	o.UpdatedAt = time.Now()
	s.orders[burnHash] = o
	return nil
}

func (s *stubRepo) ReleaseOrderRecord(ctx context.Context, burnHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[burnHash]; ok && o.Pending() {
		delete(s.orders, burnHash)
		s.ordersFreed++
	}
	return nil
}

// age сдвигает время резервов назад, имитируя истечение срока.
func (s *stubRepo) age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, o := range s.orders {
		o.UpdatedAt = o.UpdatedAt.Add(-d)
		s.orders[k] = o
	}
	for _, c := range s.customers {
		c.ClaimedAt = c.ClaimedAt.Add(-d)
		c.CreatedAt = c.CreatedAt.Add(-d)
	}
}

func (s *stubRepo) GetOrderRecord(ctx context.Context, burnHash string) (*model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getOrderRecordErr != nil {
		return nil, s.getOrderRecordErr
	}
	o, ok := s.orders[burnHash]
	if !ok {
		return nil, repository.ErrOrderRecordNotFound
	}
	return &o, nil
}

func (s *stubRepo) GetOrderRecordsByAddress(ctx context.Context, wallet string) ([]model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyErr != nil {
		return nil, s.historyErr
	}
	var res []model.OrderRecord
	for _, o := range s.orders {
		if o.WalletAddress == wallet && !o.Pending() {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (s *stubRepo) GetOrderRecordsForRefresh(ctx context.Context, limit int) ([]model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.OrderRecord
	for _, o := range s.orders {
		if !o.Pending() && !o.Status.Settled() && len(res) < limit {
			res = append(res, o)
		}
	}
	return res, nil
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, burnHash string, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusUpdates[burnHash] = status
	return nil
}

type stubCommerce struct {
	mu sync.Mutex

	customers map[int64]*model.Customer
	orders    map[int64]*model.Order
	nextID    int64

	createCustomerErr error
	// покупатель создаётся, но ответ теряется с createCustomerErr
	createCustomerLost bool
	createAddressErr   error
	getCustomerErr    error
	createOrderErr    error
	getOrderErr       error
	findCustomerErr   error
	findOrderErr      error

	createCustomerCalls int
	createAddressCalls  int
	getCustomerCalls    int
	createOrderCalls    int
	getOrderCalls       int
	findCustomerCalls   int
	findOrderCalls      int

	lastCustomer model.Customer
	lastOrder    model.OrderPayload
}

func newStubCommerce() *stubCommerce {
	return &stubCommerce{
		customers: make(map[int64]*model.Customer),
		orders:    make(map[int64]*model.Order),
		nextID:    1000,
	}
}

func (s *stubCommerce) CreateCustomer(ctx context.Context, c model.Customer) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCustomerCalls++
	s.lastCustomer = c
	if s.createCustomerErr != nil && !s.createCustomerLost {
		return nil, s.createCustomerErr
	}
	s.nextID++
	c.ID = s.nextID
	s.customers[c.ID] = &c
	if s.createCustomerErr != nil {
		return nil, s.createCustomerErr
	}
	out := c
	return &out, nil
}

func (s *stubCommerce) CreateAddress(ctx context.Context, customerID int64, a model.CustomerAddress) (*model.CustomerAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createAddressCalls++
	if s.createAddressErr != nil {
		return nil, s.createAddressErr
	}
	c, ok := s.customers[customerID]
	if !ok {
		return nil, errors.New("customer not found")
	}
	s.nextID++
	a.ID = s.nextID
	c.Addresses = append(c.Addresses, a)
	return &a, nil
}

func (s *stubCommerce) GetCustomer(ctx context.Context, customerID int64) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCustomerCalls++
	if s.getCustomerErr != nil {
		return nil, s.getCustomerErr
	}
	c, ok := s.customers[customerID]
	if !ok {
		return nil, errors.New("customer not found")
	}
	out := *c
	out.Addresses = append([]model.CustomerAddress(nil), c.Addresses...)
	return &out, nil
}

func (s *stubCommerce) CreateOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createOrderCalls++
	s.lastOrder = p
	if s.createOrderErr != nil {
		return nil, s.createOrderErr
	}
	s.nextID++
	o := &model.Order{
		ID:              s.nextID,
		Email:           p.Email,
		LineItems:       p.LineItems,
		ShippingAddress: p.ShippingAddress,
		NoteAttributes:  p.NoteAttributes,
		OrderStatus:     model.OrderStatus{FinancialStatus: p.FinancialStatus},
	}
	s.orders[o.ID] = o
	out := *o
	return &out, nil
}

func (s *stubCommerce) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrderCalls++
	if s.getOrderErr != nil {
		return nil, s.getOrderErr
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	out := *o
	return &out, nil
}

func (s *stubCommerce) FindCustomerByEmail(ctx context.Context, email string) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findCustomerCalls++
	if s.findCustomerErr != nil {
		return nil, s.findCustomerErr
	}
	for _, c := range s.customers {
		if c.Email == email {
			out := *c
			out.Addresses = append([]model.CustomerAddress(nil), c.Addresses...)
			return &out, nil
		}
	}
	return nil, shopify.ErrNotFound
}

func (s *stubCommerce) FindOrderByAttribute(ctx context.Context, customerID int64, name, value string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findOrderCalls++
	if s.findOrderErr != nil {
		return nil, s.findOrderErr
	}
	for _, o := range s.orders {
		if o.Attribute(name) == value {
			out := *o
			return &out, nil
		}
	}
	return nil, shopify.ErrNotFound
}

func (s *stubCommerce) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCustomerCalls + s.createAddressCalls + s.getCustomerCalls + s.createOrderCalls + s.getOrderCalls +
		s.findCustomerCalls + s.findOrderCalls
}

type stubBurns struct {
	err   error
	calls int
}

func (s *stubBurns) Verify(ctx context.Context, txHash common.Hash, sender common.Address, units int) error {
	s.calls++
	return s.err
}

type stubClaims struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released int
}

func (s *stubClaims) Acquire(ctx context.Context, burnHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false, s.err
	}
	if s.held == nil {
		s.held = make(map[string]bool)
	}
	if s.held[burnHash] {
		return false, nil
	}
	s.held[burnHash] = true
	return true, nil
}

func (s *stubClaims) Release(ctx context.Context, burnHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.held, burnHash)
	s.released++
}

type stubPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *stubPublisher) Publish(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *stubPublisher) Close() error { return nil }

func (s *stubPublisher) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []string
	for _, e := range s.events {
		res = append(res, e.Type)
	}
	return res
}
