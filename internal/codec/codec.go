// Package codec encodes the records the repository writes to a backend.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSON encodes compact JSON and rejects unknown fields on decode when Strict is set.
type JSON struct {
	Strict bool
}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return MarshalJSON(v) }

// MarshalJSON is json.Marshal without HTML escaping: <, > and & are stored
// as written. Embedded json.RawMessage values are compacted the same way.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c JSON) Unmarshal(b []byte, v any) error {
	if !c.Strict {
		return json.Unmarshal(b, v)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("codec: trailing data after %s value", c.Name())
	}
	return nil
}

// Decode unmarshals data into a fresh T.
func Decode[T any](c Codec, data []byte) (out T, err error) {
	err = c.Unmarshal(data, &out)
	return
}

var _ Codec = JSON{}
