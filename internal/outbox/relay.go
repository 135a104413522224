// Package outbox publishes transaction events that were enqueued together
// with the ledger rows they describe.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"payment-form-service/internal/config"
	"payment-form-service/internal/db"
	"payment-form-service/internal/logging"
)

const (
	defaultPollingIntervalMs  = 500
	defaultFetchSize          = 200
	defaultRescheduleDelayMs  = 10_000
	defaultMaxPublishAttempts = 3
	eventTypeHeader           = "event_type"
)

var (
	// relay batch metrics
	relayErrorFetchingCounter = metrics.GetOrCreateCounter(`outbox_relay_total{result="fetching_failed"}`)
	relayErrorKafkaCounter    = metrics.GetOrCreateCounter(`outbox_relay_total{result="publish_failed"}`)
	relayErrorUpdateCounter   = metrics.GetOrCreateCounter(`outbox_relay_total{result="db_update_failed"}`)
	relaySuccessCounter       = metrics.GetOrCreateCounter(`outbox_relay_total{result="success"}`)

	relayDurationHistogram = metrics.GetOrCreateHistogram(`outbox_relay_duration_milliseconds`)

	// relay per message metrics
	relayMessagesPublishedCounter   = metrics.GetOrCreateCounter(`outbox_relay_messages_total{result="published"}`)
	relayMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`outbox_relay_messages_total{result="max_attempts_reached"}`)
	relayMessagesRescheduledCounter = metrics.GetOrCreateCounter(`outbox_relay_messages_total{result="rescheduled"}`)
)

type Repository interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*db.OutboxMessageEntity, error)
	Update(ctx context.Context, tx pgx.Tx, entity *db.OutboxMessageEntity) error
}

type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the Kafka message value.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type Relay struct {
	repo               Repository
	publisher          Publisher
	pollingInterval    time.Duration
	fetchSize          int
	rescheduleDelay    time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewRelay(repo Repository, publisher Publisher, cfg config.OutboxRelay, logger *slog.Logger) *Relay {
	return &Relay{
		repo:               repo,
		publisher:          publisher,
		pollingInterval:    time.Duration(orDefault(cfg.PollingIntervalMs, defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          orDefault(cfg.FetchSize, defaultFetchSize),
		rescheduleDelay:    time.Duration(orDefault(cfg.RescheduleDelayMs, defaultRescheduleDelayMs)) * time.Millisecond,
		maxPublishAttempts: orDefault(cfg.MaxPublishAttempts, defaultMaxPublishAttempts),
		logger:             logger,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Start polls in the background until ctx is done. The returned channel is
// closed once the last poll has finished.
func (r *Relay) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.process(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping outbox relay")
				return
			}
		}
	}()
	return done
}

func (r *Relay) process(ctx context.Context) {
	startTime := time.Now()
	defer func() {
		relayDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		relayErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	messages, err := r.repo.GetUnpublished(ctx, tx, r.fetchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching outbox messages", "error", err)
		relayErrorFetchingCounter.Inc()
		return
	}
	if len(messages) == 0 {
		relaySuccessCounter.Inc()
		return
	}

	r.logger.InfoContext(ctx, "Publishing outbox messages", "count", len(messages))
	publishErr := r.publisher.WriteMessages(ctx, toKafkaMessages(messages)...)
	if publishErr != nil {
		r.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr)
		relayErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, message := range messages {
		messageCtx := logging.AppendCtx(ctx, slog.String("messageId", message.ID.String()))
		r.settle(messageCtx, message, publishErr, now)

		if err := r.repo.Update(messageCtx, tx, message); err != nil {
			r.logger.ErrorContext(messageCtx, "Error updating outbox message", "error", err)
			relayErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		relayErrorUpdateCounter.Inc()
		return
	}
	relaySuccessCounter.Inc()
}

// settle records the publish result on the message. A published message or
// one out of attempts gets no next schedule.
func (r *Relay) settle(ctx context.Context, message *db.OutboxMessageEntity, publishErr error, now time.Time) {
	message.PublishAttempts++

	if publishErr == nil {
		message.ScheduledAt = nil
		message.PublishedAt = &now
		message.Error = nil
		relayMessagesPublishedCounter.Inc()
		return
	}

	errMsg := publishErr.Error()
	message.Error = &errMsg
	if message.PublishAttempts >= r.maxPublishAttempts {
		r.logger.WarnContext(ctx, "Max publish attempts reached", "attempts", message.PublishAttempts)
		message.ScheduledAt = nil
		relayMessagesMaxAttemptsCounter.Inc()
		return
	}

	next := now.Add(time.Duration(message.PublishAttempts) * r.rescheduleDelay)
	message.ScheduledAt = &next
	relayMessagesRescheduledCounter.Inc()
}

func toKafkaMessages(messages []*db.OutboxMessageEntity) []kafka.Message {
	result := make([]kafka.Message, 0, len(messages))
	for _, entity := range messages {
		value, _ := json.Marshal(Envelope{
			ID:         entity.ID,
			Type:       entity.EventType,
			OccurredAt: entity.CreatedAt,
			Data:       entity.Payload,
		})

		result = append(result, kafka.Message{
			// transaction id as key keeps events of one transaction in order
			Key:     []byte(entity.EntityID),
			Value:   value,
			Headers: []kafka.Header{{Key: eventTypeHeader, Value: []byte(entity.EventType)}},
		})
	}
	return result
}
