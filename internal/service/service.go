// Package service реализует бизнес-логику выкупа коробок за сожжённые токены.
package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mmeshcher/box-redemption/internal/events"
	"github.com/mmeshcher/box-redemption/internal/metrics"
	"github.com/mmeshcher/box-redemption/internal/model"
	"github.com/mmeshcher/box-redemption/internal/signature"
)

// Repository описывает контракт хранилища, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	ClaimCustomer(ctx context.Context, rec model.CustomerRecord, staleAfter time.Duration) (*model.CustomerRecord, bool, error)
	CompleteCustomer(ctx context.Context, walletAddress string, claimedAt time.Time, commerceID int64) error
	ReleaseCustomer(ctx context.Context, walletAddress string) error
	CreateSubmission(ctx context.Context, s model.RedemptionSubmission) error
	CreateOrderRecord(ctx context.Context, o model.OrderRecord) error
	ClaimStaleOrderRecord(ctx context.Context, burnHash string, staleAfter time.Duration) (bool, error)
	CompleteOrderRecord(ctx context.Context, burnHash string, orderID int64, status model.OrderStatus) error
	ReleaseOrderRecord(ctx context.Context, burnHash string) error
	GetOrderRecord(ctx context.Context, burnHash string) (*model.OrderRecord, error)
	GetOrderRecordsByAddress(ctx context.Context, walletAddress string) ([]model.OrderRecord, error)
	GetOrderRecordsForRefresh(ctx context.Context, limit int) ([]model.OrderRecord, error)
	UpdateOrderStatus(ctx context.Context, burnHash string, status model.OrderStatus) error
}

// Commerce описывает операции коммерческой системы.
type Commerce interface {
	CreateCustomer(ctx context.Context, customer model.Customer) (*model.Customer, error)
	CreateAddress(ctx context.Context, customerID int64, address model.CustomerAddress) (*model.CustomerAddress, error)
	GetCustomer(ctx context.Context, customerID int64) (*model.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*model.Customer, error)
	FindOrderByAttribute(ctx context.Context, customerID int64, name, value string) (*model.Order, error)
	CreateOrder(ctx context.Context, p model.OrderPayload) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

// BurnChecker проверяет транзакцию сжигания токенов.
type BurnChecker interface {
	Verify(ctx context.Context, txHash common.Hash, sender common.Address, units int) error
}

// BurnClaimer выдаёт кратковременные заявки на обработку транзакции сжигания.
type BurnClaimer interface {
	Acquire(ctx context.Context, burnHash string) (bool, error)
	Release(ctx context.Context, burnHash string)
}

// Options: параметры бизнес-логики.
type Options struct {
	VariantID             int64
	SubmissionMaxAge      time.Duration
	CustomerClaimTTL      time.Duration
	OrderClaimTTL         time.Duration
	HistoryConcurrency    int
	HistoryLookupTimeout  time.Duration
	StatusRefreshInterval time.Duration
	StatusRefreshBatch    int
}

// Deps: зависимости сервиса. Claims, Events и Metrics необязательны.
type Deps struct {
	Repo     Repository
	Commerce Commerce
	Burns    BurnChecker
	Claims   BurnClaimer
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Verifier *signature.Verifier
	Logger   *zap.Logger
}

// Service содержит бизнес-логику сервиса выкупа.
type Service struct {
	repo      Repository
	commerce  Commerce
	burns     BurnChecker
	verifier  *signature.Verifier
	directory *Directory
	ledger    *Ledger
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
}

// NewService создаёт сервис из зависимостей и параметров.
func NewService(d Deps, opts Options) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = events.NewLogPublisher(d.Logger)
	}
	if d.Verifier == nil {
		d.Verifier = signature.NewVerifier()
	}
	if opts.CustomerClaimTTL <= 0 {
		opts.CustomerClaimTTL = 2 * time.Minute
	}
	if opts.OrderClaimTTL <= 0 {
		opts.OrderClaimTTL = 2 * time.Minute
	}
	if opts.HistoryConcurrency <= 0 {
		opts.HistoryConcurrency = 4
	}
	if opts.HistoryLookupTimeout <= 0 {
		opts.HistoryLookupTimeout = 5 * time.Second
	}
	if opts.StatusRefreshBatch <= 0 {
		opts.StatusRefreshBatch = 100
	}

	return &Service{
		repo:     d.Repo,
		commerce: d.Commerce,
		burns:    d.Burns,
		verifier: d.Verifier,
		directory: &Directory{
			repo:     d.Repo,
			commerce: d.Commerce,
			events:   d.Events,
			metrics:  d.Metrics,
			logger:   d.Logger.Named("directory"),
			claimTTL: opts.CustomerClaimTTL,
		},
		ledger: &Ledger{
			repo:      d.Repo,
			commerce:  d.Commerce,
			claims:    d.Claims,
			events:    d.Events,
			metrics:   d.Metrics,
			logger:    d.Logger.Named("ledger"),
			variantID: opts.VariantID,
			claimTTL:  opts.OrderClaimTTL,
			now:       time.Now,
		},
		events:  d.Events,
		metrics: d.Metrics,
		logger:  d.Logger,
		opts:    opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
