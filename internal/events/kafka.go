// Package events публикует события жизненного цикла заказа в Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// Типы событий.
const (
	TypeOrderCreated   = "order.created"
	TypeOrderFulfilled = "order.fulfilled"
	TypeOrderCheckedIn = "order.checked_in"
)

// Event - событие по заказу. Персональные данные покупателя в событие не попадают.
type Event struct {
	Type      string                  `json:"type"`
	OrderID   string                  `json:"order_id"`
	OrderType model.OrderType         `json:"order_type"`
	Amount    int64                   `json:"amount"`
	Passes    int                     `json:"passes"`
	Issued    int                     `json:"issued,omitempty"`
	Status    model.OrderStatus       `json:"status"`
	Fulfilled model.FulfillmentStatus `json:"fulfilled,omitempty"`
	Gateway   model.Gateway           `json:"gateway,omitempty"`
	At        time.Time               `json:"at"`
}

// FromOrder собирает событие типа eventType по текущему состоянию заказа.
func FromOrder(eventType string, order *model.Order, at time.Time) Event {
	ev := Event{
		Type:      eventType,
		OrderID:   order.OrderID,
		OrderType: order.Type,
		Amount:    order.Amount,
		Passes:    order.Passes,
		Status:    order.Status,
		At:        at.UTC(),
	}
	if order.Fulfilled != nil {
		ev.Fulfilled = order.Fulfilled.Status
		ev.Issued = order.Fulfilled.Count
	}
	if order.Payment != nil {
		ev.Gateway = order.Payment.Gateway
	}
	return ev
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka публикует события в один топик, ключ сообщения - order_id.
type Kafka struct {
	writer messageWriter
}

// NewKafka создаёт издателя для списка брокеров и топика.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Publish сериализует событие и записывает его в Kafka.
func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: ev.At,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", ev.Type, err)
	}
	return nil
}

// Close закрывает writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Nop - издатель, который ничего не делает. Используется, если брокеры не заданы.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close ничего не делает.
func (Nop) Close() error { return nil }
