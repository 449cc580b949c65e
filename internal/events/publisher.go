// Package events публикует события для ручной сверки коммерческой системы и журнала заказов.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Типы событий сверки.
const (
	TypeCustomerMirrorFailed = "customer.mirror_failed"
	TypeLedgerPersistFailed  = "ledger.persist_failed"
	TypeOrderCreated         = "order.created"
)

// DefaultTopic: топик событий сверки по умолчанию.
const DefaultTopic = "redemption.reconciliation"

// Event описывает событие сверки. Key (адрес кошелька) определяет партицию,
// ID позволяет потребителю отбросить повторную доставку.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	BurnHash   string    `json:"burnHash,omitempty"`
	CustomerID int64     `json:"customerId,omitempty"`
	OrderID    int64     `json:"orderId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// stamp заполняет идентификатор и время события, если они не заданы.
func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e
}

// Publisher отправляет события сверки.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher публикует события в Kafka.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher создаёт публикатор для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	logger.Info("kafka publisher initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaPublisher{writer: writer, logger: logger}, nil
}

// Publish сериализует событие в JSON и отправляет его.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	e = stamp(e)

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Key),
		Value:   value,
		Time:    e.OccurredAt,
		Headers: []kafka.Header{{Key: "event-id", Value: []byte(e.ID)}},
	})
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	p.logger.Debug("event published", zap.String("id", e.ID), zap.String("type", e.Type), zap.String("key", e.Key))
	return nil
}

// Close закрывает writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher пишет события в журнал. Используется, когда Kafka не настроена.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт публикатор, пишущий события в лог.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish пишет событие в лог с уровнем Warn.
func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	e = stamp(e)
	p.logger.Warn("reconciliation event",
		zap.String("id", e.ID),
		zap.String("type", e.Type),
		zap.String("key", e.Key),
		zap.String("burnHash", e.BurnHash),
		zap.Int64("customerId", e.CustomerID),
		zap.Int64("orderId", e.OrderID),
		zap.String("error", e.Error),
	)
	return nil
}

// Close ничего не делает.
func (p *LogPublisher) Close() error { return nil }
