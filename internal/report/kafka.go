package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/amirphl/sma-replay/internal/strategy/signal"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes every non-Hold action of a cycle's new bars as a
// JSON signal keyed by symbol, so one symbol always lands on one partition.
type KafkaPublisher struct {
	w MessageWriter
}

func NewKafkaPublisher(brokers []string, topic string, writeTimeout time.Duration) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Gzip,
		MaxAttempts:            3,
		WriteTimeout:           writeTimeout,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w), nil
}

func newKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Report(ctx context.Context, res session.CycleResult) error {
	if res.Err != nil || res.Result == nil {
		return nil
	}

	var msgs []kafka.Message
	for _, row := range res.NewRows() {
		if row.Action == strategy.Hold {
			continue
		}
		sig := signal.Signal{
			Time:         row.Datetime,
			Symbol:       res.Symbol,
			Action:       row.Action,
			Change:       row.Change,
			Reason:       row.Reason,
			StrategyName: res.Result.Policy,
			TriggerPrice: row.Close,
			Position:     row.Position,
		}
		value, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(res.Symbol),
			Value: value,
			Time:  row.Datetime,
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d signals: %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.w.Close()
}
