package halo

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
)

// Encode serializes v for transport
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a message produced by Encode
func Decode(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// ExchangeValues encodes out[q] for each addressed peer, runs one exchange
// round and decodes what every peer sent. Peers that sent nothing are
// absent from the result.
func ExchangeValues[S, R any](ctx context.Context, t Transport, out map[int]S) (map[int]R, error) {
	raw := make(map[int][]byte, len(out))
	for q, v := range out {
		b, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("rank %d to %d: %w", t.Rank(), q, err)
		}
		raw[q] = b
	}

	in, err := t.Exchange(ctx, raw)
	if err != nil {
		return nil, err
	}

	res := make(map[int]R, len(in))
	for q, b := range in {
		if len(b) == 0 {
			continue
		}
		var v R
		if err := Decode(b, &v); err != nil {
			return nil, fmt.Errorf("rank %d from %d: %w", t.Rank(), q, err)
		}
		res[q] = v
	}
	return res, nil
}
