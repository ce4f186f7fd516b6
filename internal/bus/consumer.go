package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
)

// HandlerFunc processes one decoded envelope from a topic.
type HandlerFunc func(ctx context.Context, topic string, env *model.Envelope) error

// DLQSink is the subset of Producer the consumer needs for dead-lettering.
type DLQSink interface {
	SendToDLQ(ctx context.Context, originalTopic string, original []byte, cause error) error
}

// ConsumerOptions holds dependencies for a Consumer.
type ConsumerOptions struct {
	Client       redis.UniversalClient
	Codec        *Codec
	Topics       []string
	Group        string
	ConsumerName string
	Handler      HandlerFunc
	DLQ          DLQSink
	Logger       *slog.Logger
	Metrics      statsd.Sink
	// BlockTimeout is the read poll interval; defaults to 5s.
	BlockTimeout time.Duration
	// DrainTimeout bounds an in-flight handler once shutdown begins; defaults to 30s.
	DrainTimeout time.Duration
}

// Consumer reads the configured streams within a consumer group and dispatches
// each message to the handler, one in-flight message at a time per stream.
// Offsets always advance: unprocessable messages go to the dead-letter topic
// and are acknowledged, so no poison pill can stall consumption.
type Consumer struct {
	client       redis.UniversalClient
	codec        *Codec
	topics       []string
	group        string
	name         string
	handler      HandlerFunc
	dlq          DLQSink
	logger       *slog.Logger
	metrics      statsd.Sink
	blockTimeout time.Duration
	drainTimeout time.Duration
}

// NewConsumer creates a consumer-group reader over the given topics.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, apperrors.Internal("bus client is required")
	}
	if len(opts.Topics) == 0 {
		return nil, apperrors.Internal("at least one topic is required")
	}
	if opts.Handler == nil {
		return nil, apperrors.Internal("handler is required")
	}
	if opts.Codec == nil {
		opts.Codec = NewCodec(nil)
	}
	if opts.Group == "" {
		opts.Group = "autopilot"
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "autopilot-1"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Consumer{
		client:       opts.Client,
		codec:        opts.Codec,
		topics:       opts.Topics,
		group:        opts.Group,
		name:         opts.ConsumerName,
		handler:      opts.Handler,
		dlq:          opts.DLQ,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		blockTimeout: opts.BlockTimeout,
		drainTimeout: opts.DrainTimeout,
	}, nil
}

// Run consumes until the context is cancelled. A cancelled context is a clean
// stop, not an error.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}

	// Re-deliver messages this consumer left unacknowledged in a prior
	// session before reading new ones.
	if err := c.drainPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WarnContext(ctx, "draining pending messages failed", "error", err)
	}

	streams := make([]string, 0, len(c.topics)*2)
	streams = append(streams, c.topics...)
	for range c.topics {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  streams,
			Count:    1,
			Block:    c.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			// Reset: log and back off before the next read attempt.
			c.logger.ErrorContext(ctx, "bus read failed", "error", err)
			c.count("ingress.read_error", nil)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.process(ctx, stream.Stream, msg)
			}
		}
	}
}

// ensureGroups creates the consumer group on every topic stream.
func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, topic := range c.topics {
		err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return apperrors.Wrapf(err, apperrors.ErrCodeConsumer, "create consumer group on %s", topic)
		}
	}
	return nil
}

// drainPending reprocesses this consumer's own unacknowledged entries.
func (c *Consumer) drainPending(ctx context.Context) error {
	streams := make([]string, 0, len(c.topics)*2)
	streams = append(streams, c.topics...)
	for range c.topics {
		streams = append(streams, "0")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  streams,
		Count:    100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			c.process(ctx, stream.Stream, msg)
		}
	}
	return nil
}

// process decodes and dispatches one message, dead-lettering on any failure,
// and always acknowledges so the offset advances.
func (c *Consumer) process(ctx context.Context, topic string, msg redis.XMessage) {
	// In-flight work survives shutdown for up to the drain timeout.
	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.drainTimeout)
	defer cancel()

	raw := rawPayload(msg)
	start := time.Now()

	env, err := c.codec.Decode(raw)
	if err == nil {
		err = c.handler(handlerCtx, topic, env)
	}

	if err != nil {
		c.logger.ErrorContext(handlerCtx, "message handling failed",
			"topic", topic,
			"message_id", msg.ID,
			"error", err)
		c.count("ingress.message", map[string]string{"topic": topic, "result": "error"})
		if c.dlq != nil {
			if dlqErr := c.dlq.SendToDLQ(handlerCtx, topic, raw, err); dlqErr != nil {
				c.logger.ErrorContext(handlerCtx, "dead-letter publish failed",
					"topic", topic,
					"message_id", msg.ID,
					"error", dlqErr)
			}
		}
	} else {
		c.count("ingress.message", map[string]string{"topic": topic, "result": "success"})
	}

	if c.metrics != nil {
		c.metrics.Timing("ingress.handle_duration", time.Since(start), map[string]string{"topic": topic})
	}

	if ackErr := c.client.XAck(handlerCtx, topic, c.group, msg.ID).Err(); ackErr != nil {
		c.logger.ErrorContext(handlerCtx, "acknowledge failed",
			"topic", topic,
			"message_id", msg.ID,
			"error", ackErr)
	}
}

func (c *Consumer) count(name string, tags map[string]string) {
	if c.metrics != nil {
		c.metrics.Count(name, 1, tags)
	}
}

// rawPayload extracts the payload field bytes from a stream entry.
func rawPayload(msg redis.XMessage) []byte {
	v, ok := msg.Values[fieldPayload]
	if !ok {
		return nil
	}
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return nil
	}
}

// isBusyGroup reports whether err is the BUSYGROUP reply from XGROUP CREATE.
func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
