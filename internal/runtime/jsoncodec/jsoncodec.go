package jsoncodec

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

// wire keeps map keys sorted so envelopes are stable across runs.
var wire = sonic.Config{
	SortMapKeys:      true,
	EscapeHTML:       false,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return wire.Marshal(v)
}

func MarshalToString(v any) (string, error) {
	return wire.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return wire.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return wire.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return wire.NewDecoder(r).Decode(v)
}

// DecodeAny reads a single JSON document of unknown shape. Empty input yields
// a nil value and no error so callers can treat it as "no body".
func DecodeAny(r io.Reader) (any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out any
	if err := wire.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Convert re-encodes src into dst, which is how loosely typed params become
// handler structs.
func Convert(src any, dst any) error {
	data, err := wire.Marshal(src)
	if err != nil {
		return err
	}
	return wire.Unmarshal(data, dst)
}
