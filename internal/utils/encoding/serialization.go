package encoding

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/fedgroup/pkg/errors"
)

// Format names a serialization format.
type Format string

const (
	FormatJSON        Format = "json"
	FormatMessagePack Format = "msgpack"
	FormatYAML        Format = "yaml"
)

// Serializer encodes and decodes values in one format
type Serializer interface {
	Serialize(data interface{}) ([]byte, error)
	Deserialize(data []byte, target interface{}) error
	Format() Format
	ContentType() string
	Extension() string
}

// JSONSerializer implements JSON serialization
type JSONSerializer struct {
	indent bool
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(indent bool) *JSONSerializer {
	return &JSONSerializer{indent: indent}
}

// Serialize serializes data to JSON
func (j *JSONSerializer) Serialize(data interface{}) ([]byte, error) {
	if j.indent {
		return json.MarshalIndent(data, "", "  ")
	}
	return json.Marshal(data)
}

// Deserialize deserializes JSON data
func (j *JSONSerializer) Deserialize(data []byte, target interface{}) error {
	return json.Unmarshal(data, target)
}

func (j *JSONSerializer) Format() Format      { return FormatJSON }
func (j *JSONSerializer) ContentType() string { return "application/json" }
func (j *JSONSerializer) Extension() string   { return ".json" }

// MessagePackSerializer implements MessagePack serialization. Field names follow
// the msgpack struct tags.
type MessagePackSerializer struct{}

// NewMessagePackSerializer creates a new MessagePack serializer
func NewMessagePackSerializer() *MessagePackSerializer {
	return &MessagePackSerializer{}
}

// Serialize serializes data to MessagePack
func (m *MessagePackSerializer) Serialize(data interface{}) ([]byte, error) {
	return msgpack.Marshal(data)
}

// Deserialize deserializes MessagePack data
func (m *MessagePackSerializer) Deserialize(data []byte, target interface{}) error {
	return msgpack.Unmarshal(data, target)
}

func (m *MessagePackSerializer) Format() Format      { return FormatMessagePack }
func (m *MessagePackSerializer) ContentType() string { return "application/msgpack" }
func (m *MessagePackSerializer) Extension() string   { return ".msgpack" }

// YAMLSerializer implements YAML serialization
type YAMLSerializer struct{}

// NewYAMLSerializer creates a new YAML serializer
func NewYAMLSerializer() *YAMLSerializer {
	return &YAMLSerializer{}
}

// Serialize serializes data to YAML
func (y *YAMLSerializer) Serialize(data interface{}) ([]byte, error) {
	return yaml.Marshal(data)
}

// Deserialize deserializes YAML data
func (y *YAMLSerializer) Deserialize(data []byte, target interface{}) error {
	return yaml.Unmarshal(data, target)
}

func (y *YAMLSerializer) Format() Format      { return FormatYAML }
func (y *YAMLSerializer) ContentType() string { return "application/x-yaml" }
func (y *YAMLSerializer) Extension() string   { return ".yaml" }

// NewSerializer returns the serializer for a format name. An empty name selects MessagePack.
func NewSerializer(format string) (Serializer, error) {
	switch Format(strings.ToLower(format)) {
	case "", FormatMessagePack:
		return NewMessagePackSerializer(), nil
	case FormatJSON:
		return NewJSONSerializer(false), nil
	case FormatYAML:
		return NewYAMLSerializer(), nil
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unsupported serialization format %q", format))
	}
}
