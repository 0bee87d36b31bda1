package element

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// Coder encodes element values for snapshots.
type Coder interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

type gobValue struct {
	V any
}

// GobCoder uses gob, so non-builtin value types must be registered with gob.Register.
type GobCoder struct{}

func (GobCoder) Encode(value any) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(&gobValue{V: value}); err != nil {
		return nil, errors.WithMessage(err, "failed to encode value")
	}
	return buffer.Bytes(), nil
}

func (GobCoder) Decode(data []byte) (any, error) {
	v := &gobValue{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return nil, errors.WithMessage(err, "failed to decode gob bytes")
	}
	return v.V, nil
}
