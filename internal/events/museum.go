package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

// MuseumEvent announces a change to a museum record: its boundary or the
// set of users it covers.
type MuseumEvent struct {
	Op       string    `json:"op"`
	MuseumID string    `json:"museum_id"`
	Users    []string  `json:"users"`
	Version  uint64    `json:"version,omitempty"`
	TS       time.Time `json:"ts,omitempty"`
}

func (e MuseumEvent) Validate() error {
	if e.MuseumID == "" {
		return errors.New("museum_id is required")
	}
	if len(e.Users) == 0 {
		return errors.New("users is required")
	}
	return nil
}

// Invalidator drops everything cached about one user's jurisdiction.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type MuseumConsumer struct {
	cfg    ConsumerConfig
	inv    Invalidator
	logger *slog.Logger
	ver    *versionDedupe

	assigned atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewMuseumConsumer(cfg ConsumerConfig, inv Invalidator, logger *slog.Logger) *MuseumConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MuseumConsumer{cfg: cfg, inv: inv, logger: logger, ver: newVersionDedupe(4096)}
}

// Start joins the consumer group and consumes until ctx ends or Stop is
// called.
func (c *MuseumConsumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("events: museum consumer needs an invalidator")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	handler := &groupHandler{
		setup:   func() { c.assigned.Store(true) },
		cleanup: func() { c.assigned.Store(false) },
		process: c.ProcessOne,
	}

	c.logger.Info("museum event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = group.Close() }()
		for ctx.Err() == nil {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				observability.IncKafka("consume", err)
				c.logger.Error("museum consumer error", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}()
	return nil
}

func (c *MuseumConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("museum event consumer stopped")
}

// Ready reports whether partitions are currently assigned.
func (c *MuseumConsumer) Ready() bool { return c.assigned.Load() }

// ProcessOne applies a single museum event. Events older than the last
// applied version of the same museum are skipped.
func (c *MuseumConsumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev MuseumEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncKafka("consume", err)
		c.logger.ErrorContext(ctx, "museum event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		// a poison message must not stall the partition
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncKafka("consume", err)
		c.logger.WarnContext(ctx, "museum event rejected", "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.Version > 0 && !c.ver.shouldApply(ev.MuseumID, ev.Version) {
		c.logger.DebugContext(ctx, "museum event already applied", "museum_id", ev.MuseumID, "version", ev.Version)
		return nil
	}

	var errs []error
	for _, u := range ev.Users {
		if err := c.inv.InvalidateUser(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
		}
	}
	err := errors.Join(errs...)
	observability.IncKafka("consume", err)
	if err != nil {
		return fmt.Errorf("museum %s: %w", ev.MuseumID, err)
	}
	c.logger.InfoContext(ctx, "museum change applied",
		"museum_id", ev.MuseumID, "op", ev.Op, "users", len(ev.Users))
	return nil
}

type groupHandler struct {
	setup   func()
	cleanup func()
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.setup()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.cleanup()
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// returns true if v is greater than last seen
func (d *versionDedupe) shouldApply(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && v <= last {
		return false
	}
	d.lru.Add(key, v)
	return true
}
