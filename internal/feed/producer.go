// Package feed publishes executed trades to Kafka for downstream consumers
// (recap emails, analytics). Publishing is best effort: a feed failure never
// fails the trade that triggered it.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/morning-markets/exchange/internal/model"
)

// Producer writes trade events to a Kafka topic, keyed by market ID so a
// market's trades stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a trade feed producer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// PublishTrade sends a trade to the feed. Errors are logged, not returned:
// the trade has already executed and must not be rolled back over telemetry.
func (p *Producer) PublishTrade(ctx context.Context, t model.Trade) {
	data, err := json.Marshal(t)
	if err != nil {
		slog.Error("feed: marshal trade", "trade_id", t.ID, "error", err)
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.MarketID),
		Value: data,
	})
	if err != nil {
		slog.Error("feed: publish trade", "trade_id", t.ID, "error", err)
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
