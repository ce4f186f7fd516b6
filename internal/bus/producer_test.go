package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topcoder-platform/autopilot/internal/breaker"
	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

const testTopic = "autopilot.phase.transition"

func newTestMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: newTestMiniredis(t).Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testPayload() model.PhaseTransitionPayload {
	return model.PhaseTransitionPayload{
		ProjectID:     1,
		PhaseID:       10,
		PhaseTypeName: "Review",
		State:         model.TransitionEnd,
		Operator:      "sys",
		ProjectStatus: model.ProjectStatusActive,
	}
}

func TestStreamProducer_Produce(t *testing.T) {
	client := newTestClient(t)
	p, err := NewStreamProducer(StreamProducerOptions{Client: client})
	require.NoError(t, err)

	require.NoError(t, p.Produce(context.Background(), testTopic, testPayload()))

	entries, err := client.XRange(context.Background(), testTopic, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.NotEmpty(t, values[fieldCorrelationID])
	assert.NotEmpty(t, values[fieldTimestamp])

	env, err := NewCodec(nil).Decode([]byte(values[fieldPayload].(string)))
	require.NoError(t, err)
	assert.Equal(t, testTopic, env.Topic)
	assert.Equal(t, model.Originator, env.Originator)
	assert.Equal(t, model.MimeTypeJSON, env.MimeType)

	var decoded model.PhaseTransitionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, testPayload(), decoded)
}

func TestStreamProducer_ProduceBatch_Ordered(t *testing.T) {
	client := newTestClient(t)
	p, err := NewStreamProducer(StreamProducerOptions{Client: client})
	require.NoError(t, err)

	payloads := make([]any, 3)
	for i := range payloads {
		pl := testPayload()
		pl.PhaseID = uint64(100 + i)
		payloads[i] = pl
	}
	require.NoError(t, p.ProduceBatch(context.Background(), testTopic, payloads))

	entries, err := client.XRange(context.Background(), testTopic, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, entry := range entries {
		env, err := NewCodec(nil).Decode([]byte(entry.Values[fieldPayload].(string)))
		require.NoError(t, err)
		var decoded model.PhaseTransitionPayload
		require.NoError(t, json.Unmarshal(env.Payload, &decoded))
		assert.Equal(t, uint64(100+i), decoded.PhaseID)
	}
}

func TestStreamProducer_SendToDLQ(t *testing.T) {
	client := newTestClient(t)
	p, err := NewStreamProducer(StreamProducerOptions{Client: client})
	require.NoError(t, err)

	original := []byte("unparseable garbage")
	cause := errors.New("decode envelope: bad input")
	require.NoError(t, p.SendToDLQ(context.Background(), testTopic, original, cause))

	entries, err := client.XRange(context.Background(), DLQTopic(testTopic), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, testTopic, values[fieldOriginalTopic])
	assert.Equal(t, cause.Error(), values[fieldError])

	raw, err := base64.StdEncoding.DecodeString(values[fieldPayload].(string))
	require.NoError(t, err)
	assert.Equal(t, original, raw)
}

func TestStreamProducer_BreakerOpenRejects(t *testing.T) {
	client := newTestClient(t)
	cb := breaker.New(breaker.Options{
		Name:             "egress",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	p, err := NewStreamProducer(StreamProducerOptions{Client: client, Breaker: cb})
	require.NoError(t, err)

	// Trip the breaker directly; publishes must then be rejected fast.
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, breaker.StateOpen, cb.State())

	err = p.Produce(context.Background(), testTopic, testPayload())
	require.Error(t, err)
	assert.True(t, apperrors.IsCircuitOpen(err))

	entries, _ := client.XRange(context.Background(), testTopic, "-", "+").Result()
	assert.Empty(t, entries)
}

func TestStreamProducer_DLQBypassesBreaker(t *testing.T) {
	client := newTestClient(t)
	cb := breaker.New(breaker.Options{
		Name:             "egress",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	p, err := NewStreamProducer(StreamProducerOptions{Client: client, Breaker: cb})
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, breaker.StateOpen, cb.State())

	require.NoError(t, p.SendToDLQ(context.Background(), testTopic, []byte("x"), errors.New("cause")))
	entries, err := client.XRange(context.Background(), DLQTopic(testTopic), "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMockProducer_AlwaysSucceeds(t *testing.T) {
	p := NewMockProducer(nil)
	ctx := context.Background()

	assert.NoError(t, p.Produce(ctx, testTopic, testPayload()))
	assert.NoError(t, p.ProduceBatch(ctx, testTopic, []any{testPayload()}))
	assert.NoError(t, p.SendToDLQ(ctx, testTopic, []byte("x"), errors.New("cause")))
}

func TestDLQTopic(t *testing.T) {
	assert.Equal(t, "autopilot.phase.transition.dlq", DLQTopic(testTopic))
}
