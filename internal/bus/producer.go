package bus

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/topcoder-platform/autopilot/internal/breaker"
	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
	"github.com/topcoder-platform/autopilot/internal/observability/statsd"
)

// defaultPublishTimeout bounds each publish acknowledgement wait.
const defaultPublishTimeout = 30 * time.Second

// Stream entry field names shared by producer and consumer.
const (
	fieldPayload       = "payload"
	fieldCorrelationID = "correlation-id"
	fieldTimestamp     = "timestamp"
	fieldOriginalTopic = "original-topic"
	fieldError         = "error"
)

// Producer publishes envelopes onto the event bus.
type Producer interface {
	// Produce publishes a single payload on topic.
	Produce(ctx context.Context, topic string, payload any) error
	// ProduceBatch publishes payloads in order on topic.
	ProduceBatch(ctx context.Context, topic string, payloads []any) error
	// SendToDLQ archives an unprocessable message on the topic's dead-letter stream.
	SendToDLQ(ctx context.Context, originalTopic string, original []byte, cause error) error
}

// StreamProducerOptions holds dependencies for a StreamProducer.
type StreamProducerOptions struct {
	Client  redis.UniversalClient
	Codec   *Codec
	Breaker *breaker.CircuitBreaker
	Logger  *slog.Logger
	Metrics statsd.Sink
	// PublishTimeout bounds each publish; defaults to 30s.
	PublishTimeout time.Duration
}

// StreamProducer publishes envelopes to Redis Streams, one stream per topic.
// Every publish runs under the egress circuit breaker.
type StreamProducer struct {
	client         redis.UniversalClient
	codec          *Codec
	breaker        *breaker.CircuitBreaker
	logger         *slog.Logger
	metrics        statsd.Sink
	publishTimeout time.Duration
}

var _ Producer = (*StreamProducer)(nil)

// NewStreamProducer creates a producer publishing to Redis Streams.
func NewStreamProducer(opts StreamProducerOptions) (*StreamProducer, error) {
	if opts.Client == nil {
		return nil, apperrors.Internal("bus client is required")
	}
	if opts.Codec == nil {
		opts.Codec = NewCodec(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &StreamProducer{
		client:         opts.Client,
		codec:          opts.Codec,
		breaker:        opts.Breaker,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		publishTimeout: opts.PublishTimeout,
	}, nil
}

// Produce publishes a single payload on topic.
func (p *StreamProducer) Produce(ctx context.Context, topic string, payload any) error {
	return p.ProduceBatch(ctx, topic, []any{payload})
}

// ProduceBatch publishes payloads in order on topic.
func (p *StreamProducer) ProduceBatch(ctx context.Context, topic string, payloads []any) error {
	for _, payload := range payloads {
		env, err := model.NewEnvelope(topic, payload)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeProducer, "build envelope for %s", topic)
		}
		if err := p.publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// publish encodes and appends one envelope, guarded by the circuit breaker.
func (p *StreamProducer) publish(ctx context.Context, topic string, env *model.Envelope) error {
	encoded, err := p.codec.Encode(ctx, topic, env)
	if err != nil {
		p.count("egress.publish", map[string]string{"topic": topic, "result": "encode_error"})
		return err
	}

	correlationID := uuid.NewString()
	doPublish := func(ctx context.Context) error {
		addCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
		return p.client.XAdd(addCtx, &redis.XAddArgs{
			Stream: topic,
			Values: map[string]any{
				fieldPayload:       encoded,
				fieldCorrelationID: correlationID,
				fieldTimestamp:     strconv.FormatInt(time.Now().UnixMilli(), 10),
			},
		}).Err()
	}

	if p.breaker != nil {
		err = p.breaker.Execute(ctx, doPublish)
	} else {
		err = doPublish(ctx)
	}
	if err != nil {
		p.count("egress.publish", map[string]string{"topic": topic, "result": "error"})
		if apperrors.IsCircuitOpen(err) {
			return err
		}
		return apperrors.Wrapf(err, apperrors.ErrCodeProducer, "publish to %s", topic)
	}

	p.count("egress.publish", map[string]string{"topic": topic, "result": "success"})
	p.logger.DebugContext(ctx, "published message",
		"topic", topic,
		"correlation_id", correlationID)
	return nil
}

// SendToDLQ archives an unprocessable message on <originalTopic>.dlq.
// DLQ publishes bypass the circuit breaker so archival still works while the
// egress path is open.
func (p *StreamProducer) SendToDLQ(ctx context.Context, originalTopic string, original []byte, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	addCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	err := p.client.XAdd(addCtx, &redis.XAddArgs{
		Stream: DLQTopic(originalTopic),
		Values: map[string]any{
			fieldPayload:       base64.StdEncoding.EncodeToString(original),
			fieldOriginalTopic: originalTopic,
			fieldError:         reason,
			fieldTimestamp:     strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		p.count("egress.dlq", map[string]string{"topic": originalTopic, "result": "error"})
		return apperrors.Wrapf(err, apperrors.ErrCodeProducer, "publish to %s", DLQTopic(originalTopic))
	}

	p.count("egress.dlq", map[string]string{"topic": originalTopic, "result": "success"})
	p.logger.WarnContext(ctx, "message sent to dead-letter topic",
		"topic", originalTopic,
		"dlq", DLQTopic(originalTopic),
		"reason", reason)
	return nil
}

func (p *StreamProducer) count(name string, tags map[string]string) {
	if p.metrics != nil {
		p.metrics.Count(name, 1, tags)
	}
}

// DLQTopic returns the dead-letter topic name for a topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// MockProducer satisfies Producer without transmitting anything. It is used
// when the bus is disabled or the startup connectivity probe failed.
type MockProducer struct {
	logger *slog.Logger
}

var _ Producer = (*MockProducer)(nil)

// NewMockProducer creates an intent-logging producer.
func NewMockProducer(logger *slog.Logger) *MockProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockProducer{logger: logger}
}

// Produce logs the publish intent and reports success.
func (p *MockProducer) Produce(ctx context.Context, topic string, payload any) error {
	p.logger.InfoContext(ctx, "mock mode: would publish message", "topic", topic, "payload", payload)
	return nil
}

// ProduceBatch logs the publish intent and reports success.
func (p *MockProducer) ProduceBatch(ctx context.Context, topic string, payloads []any) error {
	p.logger.InfoContext(ctx, "mock mode: would publish batch", "topic", topic, "count", len(payloads))
	return nil
}

// SendToDLQ logs the archival intent and reports success.
func (p *MockProducer) SendToDLQ(ctx context.Context, originalTopic string, original []byte, cause error) error {
	p.logger.InfoContext(ctx, "mock mode: would send to dead-letter topic",
		"topic", originalTopic, "bytes", len(original), "error", cause)
	return nil
}
