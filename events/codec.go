package events

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec turns payloads into channel bytes and back.
type Codec interface {
	ContentType() string
	Marshal(p Payload) ([]byte, error)
	Unmarshal(data []byte, p Payload) error
}

type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Marshal(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

func (JSONCodec) Unmarshal(data []byte, p Payload) error {
	return json.Unmarshal(data, p)
}

// ProtoCodec carries payloads as a protobuf Struct. Field names match the
// JSON contract, so consumers can switch codecs without a schema change.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return ContentTypeProtobuf }

func (ProtoCodec) Marshal(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten payload: %w", err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return proto.Marshal(s)
}

func (ProtoCodec) Unmarshal(data []byte, p Payload) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := protojson.Marshal(&s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, p)
}

// CodecFor picks the codec for a content type; an empty type means JSON.
func CodecFor(contentType string) (Codec, error) {
	switch contentType {
	case "", ContentTypeJSON:
		return JSONCodec{}, nil
	case ContentTypeProtobuf:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// Decode parses and validates a payload of the given kind. Every failure is
// a *ValidationError: the bytes will never become processable.
func Decode(kind Kind, contentType string, body []byte) (Payload, error) {
	payload, err := New(kind)
	if err != nil {
		return nil, err
	}
	codec, err := CodecFor(contentType)
	if err != nil {
		return nil, &ValidationError{Kind: kind, Reason: "unsupported content type", Err: err}
	}
	if err := codec.Unmarshal(body, payload); err != nil {
		return nil, &ValidationError{Kind: kind, Reason: "undecodable body", Err: err}
	}
	if err := Validate(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
