package kafka

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"payment-form-service/internal/config"
)

var (
	readErrorCounter    = metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="transaction_event"}`)
	processErrorCounter = metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="transaction_event"}`)
	successCounter      = metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="transaction_event"}`)
)

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.Transactions,
	})
}

// MessageReader is the part of *kafka.Reader used for consuming.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// ReadMessages passes every message to process until ctx is done. Processing
// errors are logged and counted; the message is committed regardless.
func ReadMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, kafka.Message) error) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "Context done, stopping reader")
				return
			}
			if errors.Is(err, io.EOF) {
				logger.InfoContext(ctx, "Reader closed")
				return
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			readErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)

		if err := process(ctx, m); err != nil {
			logger.ErrorContext(ctx, "Error processing message", "error", err, "key", string(m.Key))
			processErrorCounter.Inc()
			continue
		}
		successCounter.Inc()
	}
}
