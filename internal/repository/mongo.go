package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmeshcher/box-redemption/internal/model"
)

const (
	customersCollection   = "customers"
	submissionsCollection = "addresses"
	ordersCollection      = "orders"

	mongoTimeout = 5 * time.Second
)

// MongoRepository хранит документы сервиса в MongoDB.
// Уникальность адреса покупателя и хеша сжигания обеспечивается индексами.
type MongoRepository struct {
	client      *mongo.Client
	customers   *mongo.Collection
	submissions *mongo.Collection
	orders      *mongo.Collection
	now         func() time.Time
}

// NewMongoRepository подключается к MongoDB и создаёт индексы.
func NewMongoRepository(ctx context.Context, uri, database string) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	r := &MongoRepository{
		client:      client,
		customers:   db.Collection(customersCollection),
		submissions: db.Collection(submissionsCollection),
		orders:      db.Collection(ordersCollection),
		now:         time.Now,
	}

	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return r, nil
}

func (r *MongoRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.customers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "addressEthereum", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("get_by_customer"),
	})
	if err != nil {
		return fmt.Errorf("create customers index: %w", err)
	}

	_, err = r.submissions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "addressEthereum", Value: 1}},
		Options: options.Index().SetName("submissions_by_address"),
	})
	if err != nil {
		return fmt.Errorf("create submissions index: %w", err)
	}

	_, err = r.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "addressEthereum", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("get_by_address"),
		},
		{
			Keys:    bson.D{{Key: "updatedAt", Value: 1}},
			Options: options.Index().SetName("orders_by_update"),
		},
	})
	if err != nil {
		return fmt.Errorf("create orders indexes: %w", err)
	}

	return nil
}

// Close отключается от MongoDB.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// Ping проверяет доступность MongoDB.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// ClaimCustomer атомарно резервирует запись покупателя для адреса кошелька.
// Семантика совпадает с PostgresRepository.ClaimCustomer.
func (r *MongoRepository) ClaimCustomer(ctx context.Context, rec model.CustomerRecord, staleAfter time.Duration) (*model.CustomerRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	// BSON хранит время с точностью до миллисекунд, claimedAt сравнивается на равенство
	now := r.now().UTC().Truncate(time.Millisecond)
	rec.ID = uuid.NewString()
	rec.CommerceCustomerID = 0
	rec.ClaimedAt = now
	rec.CreatedAt = now

	_, err := r.customers.InsertOne(ctx, rec)
	if err == nil {
		return &rec, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert customer: %w", err)
	}

	filter := bson.M{
		"addressEthereum": rec.WalletAddress,
		"shopifyId":       0,
		"claimedAt":       bson.M{"$lt": now.Add(-staleAfter)},
	}
	update := bson.M{"$set": bson.M{"claimedAt": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var existing model.CustomerRecord
	err = r.customers.FindOneAndUpdate(ctx, filter, update, opts).Decode(&existing)
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("take over customer claim: %w", err)
	}

	err = r.customers.FindOne(ctx, bson.M{"addressEthereum": rec.WalletAddress}).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, ErrCustomerNotFound
		}
		return nil, false, fmt.Errorf("find customer: %w", err)
	}

	return &existing, false, nil
}

// CompleteCustomer записывает идентификатор покупателя, если заявку всё ещё держит вызывающий.
func (r *MongoRepository) CompleteCustomer(ctx context.Context, walletAddress string, claimedAt time.Time, commerceID int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := r.customers.UpdateOne(ctx,
		bson.M{"addressEthereum": walletAddress, "shopifyId": 0, "claimedAt": claimedAt},
		bson.M{"$set": bson.M{"shopifyId": commerceID}},
	)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseCustomer удаляет незавершённую заявку на создание покупателя.
func (r *MongoRepository) ReleaseCustomer(ctx context.Context, walletAddress string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := r.customers.DeleteOne(ctx, bson.M{"addressEthereum": walletAddress, "shopifyId": 0})
	if err != nil {
		return fmt.Errorf("delete customer claim: %w", err)
	}
	return nil
}

// CreateSubmission сохраняет заявку на выкуп.
func (r *MongoRepository) CreateSubmission(ctx context.Context, s model.RedemptionSubmission) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	if _, err := r.submissions.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// CreateOrderRecord резервирует транзакцию сжигания за вызывающим. Хеш сжигания служит _id.
func (r *MongoRepository) CreateOrderRecord(ctx context.Context, o model.OrderRecord) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := r.now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	if _, err := r.orders.InsertOne(ctx, o); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrOrderRecordExists, o.BurnHash)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// ClaimStaleOrderRecord перехватывает резерв, не завершённый за staleAfter.
func (r *MongoRepository) ClaimStaleOrderRecord(ctx context.Context, burnHash string, staleAfter time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := r.now().UTC()
	res, err := r.orders.UpdateOne(ctx,
		bson.M{"_id": burnHash, "orderId": 0, "updatedAt": bson.M{"$lt": now.Add(-staleAfter)}},
		bson.M{"$set": bson.M{"updatedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("take over order record: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// CompleteOrderRecord записывает созданный заказ в резерв.
func (r *MongoRepository) CompleteOrderRecord(ctx context.Context, burnHash string, orderID int64, status model.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := r.orders.UpdateOne(ctx,
		bson.M{"_id": burnHash, "orderId": 0},
		bson.M{"$set": bson.M{"orderId": orderID, "status": status, "updatedAt": r.now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrOrderRecordExists, burnHash)
	}
	return nil
}

// ReleaseOrderRecord снимает незавершённый резерв.
func (r *MongoRepository) ReleaseOrderRecord(ctx context.Context, burnHash string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	if _, err := r.orders.DeleteOne(ctx, bson.M{"_id": burnHash, "orderId": 0}); err != nil {
		return fmt.Errorf("delete order reservation: %w", err)
	}
	return nil
}

// GetOrderRecord возвращает запись журнала по хешу транзакции сжигания.
func (r *MongoRepository) GetOrderRecord(ctx context.Context, burnHash string) (*model.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var o model.OrderRecord
	if err := r.orders.FindOne(ctx, bson.M{"_id": burnHash}).Decode(&o); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderRecordNotFound
		}
		return nil, fmt.Errorf("find order: %w", err)
	}
	return &o, nil
}

// GetOrderRecordsByAddress возвращает созданные заказы адреса кошелька, новые первыми.
func (r *MongoRepository) GetOrderRecordsByAddress(ctx context.Context, walletAddress string) ([]model.OrderRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return r.findOrders(ctx, bson.M{"addressEthereum": walletAddress, "orderId": bson.M{"$ne": 0}}, opts)
}

// GetOrderRecordsForRefresh возвращает заказы, статус которых ещё может измениться.
func (r *MongoRepository) GetOrderRecordsForRefresh(ctx context.Context, limit int) ([]model.OrderRecord, error) {
	filter := bson.M{
		"orderId":                   bson.M{"$ne": 0},
		"status.fulfillment_status": bson.M{"$ne": "fulfilled"},
		"status.cancelled_at":       bson.M{"$exists": false},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}).SetLimit(int64(limit))
	return r.findOrders(ctx, filter, opts)
}

func (r *MongoRepository) findOrders(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	cur, err := r.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	defer cur.Close(ctx)

	var res []model.OrderRecord
	if err := cur.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return res, nil
}

// UpdateOrderStatus обновляет сохранённый статус заказа.
func (r *MongoRepository) UpdateOrderStatus(ctx context.Context, burnHash string, status model.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := r.orders.UpdateOne(ctx,
		bson.M{"_id": burnHash},
		bson.M{"$set": bson.M{"status": status, "updatedAt": r.now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
