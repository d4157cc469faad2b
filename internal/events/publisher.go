// Package events carries promotion events out to Kafka and museum changes
// in from it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
	"github.com/mohammed-shakir/feature-promotion/internal/promotion"
)

// PromotionPublisher writes promotion events asynchronously. Publishing
// never blocks the request path: events are dropped when the queue is full.
type PromotionPublisher struct {
	topic   string
	events  chan promotion.Event
	prod    sarama.AsyncProducer
	logger  *slog.Logger
	stopped chan struct{}
	errsOut chan struct{}
}

func NewPromotionPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*PromotionPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return newPromotionPublisher(prod, topic, queueSize, logger), nil
}

func newPromotionPublisher(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *PromotionPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &PromotionPublisher{
		topic:   topic,
		events:  make(chan promotion.Event, queueSize),
		prod:    prod,
		logger:  logger,
		stopped: make(chan struct{}),
		errsOut: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("promotion event marshal failed", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic:     p.topic,
				Key:       sarama.StringEncoder(ev.SessionID),
				Value:     sarama.ByteEncoder(b),
				Timestamp: ev.At,
			}
			p.prod.Input() <- msg
			observability.IncKafka("produce", nil)
		}
	}()

	go func() {
		defer close(p.errsOut)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncKafka("produce", err)
				p.logger.Warn("promotion event not delivered", "err", err.Err)
			}
		}
	}()

	return p
}

func (p *PromotionPublisher) PublishPromotion(ctx context.Context, ev promotion.Event) {
	select {
	case p.events <- ev:
	default:
		observability.IncKafka("dropped", nil)
		p.logger.WarnContext(ctx, "promotion event queue full, dropping", "event_id", ev.ID)
	}
}

// Close flushes queued events and closes the producer. Do not publish
// after Close.
func (p *PromotionPublisher) Close() error {
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errsOut
	if err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
