package app

import (
	"context"
	"log"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	maxOutboxAttempts      = 8
)

// OutboxDispatcher relays committed ledger events to the broker.
type OutboxDispatcher struct {
	repo                store.Repository
	rabbitURL           string
	exchange            string
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	metrics             *Metrics

	dial     func(amqpURL string) (rabbitmq.Publisher, error)
	producer rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, rabbitURL, exchange string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		rabbitURL:           rabbitURL,
		exchange:            exchange,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		dial: func(amqpURL string) (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(amqpURL)
		},
	}
}

// Configure overrides the batch size, poll interval and processing lease. Zero values keep the defaults.
func (d *OutboxDispatcher) Configure(batchSize int, pollInterval, staleAfter time.Duration) {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if pollInterval > 0 {
		d.pollInterval = pollInterval
	}
	if staleAfter > 0 {
		d.staleProcessingTime = staleAfter
	}
}

func (d *OutboxDispatcher) SetMetrics(metrics *Metrics) {
	d.metrics = metrics
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"flush failed\" err=%q", err.Error())
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	events, err := d.repo.ClaimPendingEvents(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			terminal := event.Attempts >= maxOutboxAttempts
			retryAfter := time.Duration(retryDelaySeconds(event.Attempts)) * time.Second
			if markErr := d.repo.MarkEventFailed(ctx, event.ID, retryAfter, err.Error(), terminal); markErr != nil {
				log.Printf("level=error component=outbox msg=\"failed to record publish failure\" event_id=%s err=%q", event.ID, markErr.Error())
			}
			if terminal {
				d.metrics.ObserveOutboxPublish("dead")
				log.Printf("level=error component=outbox msg=\"event parked after max attempts\" event_id=%s routing_key=%s attempts=%d err=%q", event.ID, event.RoutingKey, event.Attempts, err.Error())
			} else {
				d.metrics.ObserveOutboxPublish("retry")
			}
			continue
		}
		if err := d.repo.MarkEventPublished(ctx, event.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark event published\" event_id=%s err=%q", event.ID, err.Error())
			continue
		}
		d.metrics.ObserveOutboxPublish("published")
	}
	return nil
}

func (d *OutboxDispatcher) publishEvent(ctx context.Context, event domain.LedgerEvent) error {
	if d.producer == nil {
		producer, err := d.dial(d.rabbitURL)
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishRaw(ctx, d.exchange, event.RoutingKey, event.ID.String(), event.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
