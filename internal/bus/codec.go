// Package bus implements the event-bus transport: message codec, egress
// producer, ingress consumer and broker connectivity probe.
package bus

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/topcoder-platform/autopilot/internal/bus/schemaregistry"
	"github.com/topcoder-platform/autopilot/internal/domain/model"
	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

// wireMagicByte prefixes schema-framed payloads (Confluent wire format).
const wireMagicByte = 0x0

// wireHeaderLen is magic byte plus the big-endian uint32 schema ID.
const wireHeaderLen = 5

// Codec encodes and decodes bus envelopes. With a schema registry attached it
// frames payloads in the Confluent wire format; without one it reads and
// writes bare JSON envelopes. The decoder always accepts both.
type Codec struct {
	registry *schemaregistry.Client
}

// NewCodec creates a codec. registry may be nil to disable schema framing.
func NewCodec(registry *schemaregistry.Client) *Codec {
	return &Codec{registry: registry}
}

// Encode serialises an envelope for publication on topic.
func (c *Codec) Encode(ctx context.Context, topic string, env *model.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProducer, "encode envelope")
	}
	if c.registry == nil {
		return body, nil
	}

	schemaID, err := c.registry.SchemaIDForTopic(ctx, topic)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeSchemaRegistry, "resolve schema for topic %s", topic)
	}

	framed := make([]byte, wireHeaderLen+len(body))
	framed[0] = wireMagicByte
	binary.BigEndian.PutUint32(framed[1:wireHeaderLen], uint32(schemaID))
	copy(framed[wireHeaderLen:], body)
	return framed, nil
}

// Decode parses a consumed payload into an envelope.
func (c *Codec) Decode(data []byte) (*model.Envelope, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConsumer, "empty message payload")
	}

	body := data
	if data[0] == wireMagicByte && len(data) > wireHeaderLen {
		body = data[wireHeaderLen:]
	}

	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConsumer, "decode envelope")
	}
	return &env, nil
}

// SchemaID extracts the schema ID from a framed payload, or 0 for bare JSON.
func SchemaID(data []byte) int {
	if len(data) > wireHeaderLen && data[0] == wireMagicByte {
		return int(binary.BigEndian.Uint32(data[1:wireHeaderLen]))
	}
	return 0
}
