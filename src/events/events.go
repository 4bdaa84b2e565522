// Package events fans order lifecycle notifications out to the broker,
// the message queue and email. Publishing happens after the transaction
// that produced the event has committed; a failure is logged and never
// undoes the operation.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"lsm/src/lib"
	"lsm/src/models"
	"lsm/src/types"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/shopspring/decimal"
)

type Name string

const (
	OrderCreated   Name = "order.created"
	OrderPaid      Name = "order.paid"
	OrderCancelled Name = "order.cancelled"
	OrderRefunded  Name = "order.refunded"
	OrderConfirmed Name = "order.confirmed"
	OrderCompleted Name = "order.completed"
)

type Event struct {
	Name       Name              `json:"name"`
	OrderID    uint              `json:"order_id"`
	OrderNo    string            `json:"order_no"`
	UserID     uint              `json:"user_id"`
	StoreID    uint              `json:"store_id"`
	Status     types.OrderStatus `json:"status"`
	Amount     decimal.Decimal   `json:"amount"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	// Recipient is the customer's email when known.
	Recipient string `json:"-"`
}

func ForOrder(name Name, o *models.Order, at time.Time) Event {
	ev := Event{
		Name:       name,
		OrderID:    o.ID,
		OrderNo:    o.OrderNo,
		UserID:     o.UserID,
		StoreID:    o.StoreID,
		Status:     o.Status,
		Amount:     o.ActualAmount,
		OccurredAt: at,
	}
	if name == OrderCancelled {
		ev.Reason = o.CancelReason
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes each event and logs failures.
func Emit(ctx context.Context, p Publisher, evs ...Event) {
	if p == nil {
		return
	}
	for _, ev := range evs {
		if err := p.Publish(ctx, ev); err != nil {
			log.Printf("[events] Could not publish %s for order %s: %s\n", ev.Name, ev.OrderNo, err.Error())
		}
	}
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, ev Event) error {
	log.Printf("[events] %s order=%s status=%s amount=%s\n", ev.Name, ev.OrderNo, ev.Status, ev.Amount.StringFixed(2))
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Names() []Name {
	var out []Name
	for _, ev := range r.Events() {
		out = append(out, ev.Name)
	}
	return out
}

type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// KafkaPublisher writes events to a single topic keyed by order number so
// every event of an order lands on the same partition.
type KafkaPublisher struct {
	producer kafkaProducer
	topic    string
}

func NewKafkaPublisher(p kafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := k.topic
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.OrderNo),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event", Value: []byte(ev.Name)}},
	}, nil)
}

// AMQPPublisher sends each event to a durable queue named after the event.
type AMQPPublisher struct {
	url     string
	publish func(ctx context.Context, url, queue string, body []byte) error
}

func NewAMQPPublisher(url string) *AMQPPublisher {
	return &AMQPPublisher{url: url, publish: lib.PublishAMQP}
}

func (a *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return a.publish(ctx, a.url, string(ev.Name), body)
}

// MailNotifier emails the customer about payments, cancellations and refunds.
type MailNotifier struct {
	from string
	send func(*lib.SendMailInput) error
}

func NewMailNotifier(from string) *MailNotifier {
	return &MailNotifier{from: from, send: lib.SendMail}
}

func (m *MailNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.Recipient == "" {
		return nil
	}
	var subject, body string
	switch ev.Name {
	case OrderPaid:
		subject = fmt.Sprintf("Order %s is paid", ev.OrderNo)
		body = fmt.Sprintf("We received %s for order %s.", ev.Amount.StringFixed(2), ev.OrderNo)
	case OrderCancelled:
		subject = fmt.Sprintf("Order %s was cancelled", ev.OrderNo)
		body = fmt.Sprintf("Order %s was cancelled. %s", ev.OrderNo, ev.Reason)
	case OrderRefunded:
		subject = fmt.Sprintf("Refund for order %s", ev.OrderNo)
		body = fmt.Sprintf("Your refund for order %s is on its way.", ev.OrderNo)
	default:
		return nil
	}
	return m.send(&lib.SendMailInput{
		From:    m.from,
		To:      []string{ev.Recipient},
		Subject: subject,
		Body:    body + "\nReference: " + strconv.FormatUint(uint64(ev.OrderID), 10),
	})
}
