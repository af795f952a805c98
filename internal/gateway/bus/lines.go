package bus

import (
	"encoding/json"

	"github.com/schemabus/schemabus/internal/gateway/jsoncodec"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// TransportEnvelope wraps a serialized message for replication and batch
// lines. Bare message objects are accepted on the way in; the wrapped
// form is what the gateway emits.
type TransportEnvelope struct {
	Serializer string          `json:"serializer"`
	IsReplay   bool            `json:"is_replay,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// EncodeLine serializes a message wrapped in a transport envelope.
func EncodeLine(msg *schema.Message) ([]byte, error) {
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(TransportEnvelope{
		Serializer: "json",
		Payload:    payload,
	})
}

// DecodeLine parses one line into a message. Lines may be a transport
// envelope or a bare message object; either way the payload must carry
// its own _schema field. The second return reports the replay flag.
func DecodeLine(data []byte) (*schema.Message, bool, error) {
	fields, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return nil, false, &schema.InvalidError{Reason: "line is not a JSON object", Cause: err}
	}

	_, hasSerializer := fields["serializer"]
	_, hasPayload := fields["payload"]
	if hasSerializer && hasPayload {
		var env TransportEnvelope
		if err := jsoncodec.Unmarshal(data, &env); err != nil {
			return nil, false, &schema.InvalidError{Reason: "malformed transport envelope", Cause: err}
		}
		msg, err := schema.Unmarshal(env.Payload, schema.ID{})
		if err != nil {
			return nil, false, err
		}
		return msg, env.IsReplay, nil
	}

	msg, err := schema.Unmarshal(data, schema.ID{})
	if err != nil {
		return nil, false, err
	}
	return msg, false, nil
}
