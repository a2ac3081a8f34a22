package encoding

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Codec serializes values and optionally gzips the result.
type Codec struct {
	serializer Serializer
	compress   bool
}

// NewCodec builds a codec for the named format.
func NewCodec(format string, compress bool) (*Codec, error) {
	s, err := NewSerializer(format)
	if err != nil {
		return nil, err
	}
	return &Codec{serializer: s, compress: compress}, nil
}

// Encode serializes v.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	data, err := c.serializer.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", c.serializer.Format(), err)
	}
	if !c.compress {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode into target.
func (c *Codec) Decode(data []byte, target interface{}) error {
	if c.compress {
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()

		data, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("failed to read decompressed data: %w", err)
		}
	}
	if err := c.serializer.Deserialize(data, target); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", c.serializer.Format(), err)
	}
	return nil
}

// Extension is the file suffix for encoded values, including ".gz" when compressed.
func (c *Codec) Extension() string {
	if c.compress {
		return c.serializer.Extension() + ".gz"
	}
	return c.serializer.Extension()
}

// ContentType is the MIME type of the uncompressed payload.
func (c *Codec) ContentType() string {
	if c.compress {
		return "application/gzip"
	}
	return c.serializer.ContentType()
}
