package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/box-redemption/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Документы (адрес доставки, снимок заказа) хранятся в колонках JSONB.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retry := isConnectionError(err)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retry = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}

		if !retry || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const customerColumns = `id::text, wallet_address, commerce_customer_id, address_physical, matched, claimed_at, created_at`

func scanCustomer(row pgx.Row) (*model.CustomerRecord, error) {
	var c model.CustomerRecord
	err := row.Scan(&c.ID, &c.WalletAddress, &c.CommerceCustomerID, &c.AddressPhysical, &c.Matched, &c.ClaimedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimCustomer атомарно резервирует запись покупателя для адреса кошелька.
// Возвращает true, если вызывающий получил право создать покупателя: запись вставлена впервые
// или перехвачена незавершённая заявка старше staleAfter. Иначе возвращается существующая запись.
// При перехвате адрес доставки предыдущей попытки сохраняется: по нему ищется покупатель,
// которого она могла успеть создать.
func (r *PostgresRepository) ClaimCustomer(ctx context.Context, rec model.CustomerRecord, staleAfter time.Duration) (*model.CustomerRecord, bool, error) {
	var (
		res     *model.CustomerRecord
		claimed bool
	)

	err := r.withRetry(ctx, func() error {
		c, err := scanCustomer(r.pool.QueryRow(ctx,
			`INSERT INTO customers (wallet_address, address_physical)
			 VALUES ($1, $2)
			 ON CONFLICT (wallet_address) DO NOTHING
			 RETURNING `+customerColumns,
			rec.WalletAddress, rec.AddressPhysical,
		))
		if err == nil {
			res, claimed = c, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert customer: %w", err)
		}

		c, err = scanCustomer(r.pool.QueryRow(ctx,
			`UPDATE customers
			 SET claimed_at = now()
			 WHERE wallet_address = $1
			   AND commerce_customer_id = 0
			   AND claimed_at < now() - make_interval(secs => $2)
			 RETURNING `+customerColumns,
			rec.WalletAddress, staleAfter.Seconds(),
		))
		if err == nil {
			res, claimed = c, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("take over customer claim: %w", err)
		}

		c, err = scanCustomer(r.pool.QueryRow(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE wallet_address = $1`,
			rec.WalletAddress,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCustomerNotFound
			}
			return fmt.Errorf("select customer: %w", err)
		}
		res, claimed = c, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return res, claimed, nil
}

// CompleteCustomer записывает идентификатор покупателя коммерческой системы в заявку,
// если её всё ещё держит вызывающий (claimedAt совпадает). Иначе возвращает ErrClaimLost.
func (r *PostgresRepository) CompleteCustomer(ctx context.Context, walletAddress string, claimedAt time.Time, commerceID int64) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE customers SET commerce_customer_id = $3
			 WHERE wallet_address = $1 AND claimed_at = $2 AND commerce_customer_id = 0`,
			walletAddress, claimedAt, commerceID,
		)
		if err != nil {
			return fmt.Errorf("update customer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrClaimLost
		}
		return nil
	})
}

// ReleaseCustomer удаляет незавершённую заявку, чтобы следующая попытка могла создать покупателя заново.
func (r *PostgresRepository) ReleaseCustomer(ctx context.Context, walletAddress string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM customers WHERE wallet_address = $1 AND commerce_customer_id = 0`,
		walletAddress,
	)
	if err != nil {
		return fmt.Errorf("delete customer claim: %w", err)
	}
	return nil
}

// CreateSubmission сохраняет заявку на выкуп.
func (r *PostgresRepository) CreateSubmission(ctx context.Context, s model.RedemptionSubmission) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO submissions (id, wallet_address, units_burned, signed_at, address_physical, signature, invalid, matched)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			s.ID, s.WalletAddress, s.UnitsBurned, s.Timestamp, s.AddressPhysical, s.Signature, s.Invalid, s.Matched,
		)
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		return nil
	})
}

const orderColumns = `burn_hash, commerce_order_id, wallet_address, payload, financial_status, fulfillment_status, cancelled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.OrderRecord, error) {
	var o model.OrderRecord
	err := row.Scan(
		&o.BurnHash, &o.CommerceOrderID, &o.WalletAddress, &o.Order,
		&o.Status.FinancialStatus, &o.Status.FulfillmentStatus, &o.Status.CancelledAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrderRecord резервирует транзакцию сжигания за вызывающим.
// Повторная запись для той же транзакции возвращает ErrOrderRecordExists.
func (r *PostgresRepository) CreateOrderRecord(ctx context.Context, o model.OrderRecord) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO orders (burn_hash, commerce_order_id, wallet_address, payload, financial_status, fulfillment_status, cancelled_at, settled)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.BurnHash, o.CommerceOrderID, o.WalletAddress, o.Order,
			o.Status.FinancialStatus, o.Status.FulfillmentStatus, o.Status.CancelledAt, o.Status.Settled(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrOrderRecordExists, o.BurnHash)
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// ClaimStaleOrderRecord перехватывает резерв, не завершённый за staleAfter.
// Возвращает false, если резерва нет, он завершён или ещё не истёк.
func (r *PostgresRepository) ClaimStaleOrderRecord(ctx context.Context, burnHash string, staleAfter time.Duration) (bool, error) {
	var claimed bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET updated_at = now()
			 WHERE burn_hash = $1
			   AND commerce_order_id = 0
			   AND updated_at < now() - make_interval(secs => $2)`,
			burnHash, staleAfter.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("take over order record: %w", err)
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	return claimed, err
}

// CompleteOrderRecord записывает созданный заказ в резерв.
// Если резерв уже завершён, возвращает ErrOrderRecordExists.
func (r *PostgresRepository) CompleteOrderRecord(ctx context.Context, burnHash string, orderID int64, status model.OrderStatus) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET commerce_order_id = $2, financial_status = $3, fulfillment_status = $4,
			     cancelled_at = $5, settled = $6, updated_at = now()
			 WHERE burn_hash = $1 AND commerce_order_id = 0`,
			burnHash, orderID, status.FinancialStatus, status.FulfillmentStatus, status.CancelledAt, status.Settled(),
		)
		if err != nil {
			return fmt.Errorf("complete order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrOrderRecordExists, burnHash)
		}
		return nil
	})
}

// ReleaseOrderRecord снимает незавершённый резерв.
func (r *PostgresRepository) ReleaseOrderRecord(ctx context.Context, burnHash string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM orders WHERE burn_hash = $1 AND commerce_order_id = 0`,
		burnHash,
	)
	if err != nil {
		return fmt.Errorf("delete order reservation: %w", err)
	}
	return nil
}

// GetOrderRecord возвращает запись журнала по хешу транзакции сжигания.
func (r *PostgresRepository) GetOrderRecord(ctx context.Context, burnHash string) (*model.OrderRecord, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE burn_hash = $1`,
		burnHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderRecordNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

// GetOrderRecordsByAddress возвращает созданные заказы адреса кошелька, новые первыми.
func (r *PostgresRepository) GetOrderRecordsByAddress(ctx context.Context, walletAddress string) ([]model.OrderRecord, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE wallet_address = $1 AND commerce_order_id <> 0
		 ORDER BY created_at DESC`,
		walletAddress,
	)
}

// GetOrderRecordsForRefresh возвращает заказы, статус которых ещё может измениться.
func (r *PostgresRepository) GetOrderRecordsForRefresh(ctx context.Context, limit int) ([]model.OrderRecord, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE NOT settled AND commerce_order_id <> 0
		 ORDER BY updated_at
		 LIMIT $1`,
		limit,
	)
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.OrderRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatus обновляет сохранённый статус заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, burnHash string, status model.OrderStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET financial_status = $2, fulfillment_status = $3, cancelled_at = $4, settled = $5, updated_at = now()
		 WHERE burn_hash = $1`,
		burnHash, status.FinancialStatus, status.FulfillmentStatus, status.CancelledAt, status.Settled(),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
