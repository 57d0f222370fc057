// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rediscoord

import (
	"fmt"

	"github.com/golang/snappy"
)

const (
	codecRaw    byte = 0
	codecSnappy byte = 1
)

// encodePayload prefixes data with a codec byte, compressing when it is
// larger than threshold. A negative threshold disables compression.
func encodePayload(data []byte, threshold int) []byte {
	if threshold >= 0 && len(data) > threshold {
		out := snappy.Encode(nil, data)
		return append([]byte{codecSnappy}, out...)
	}
	return append([]byte{codecRaw}, data...)
}

func decodePayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case codecRaw:
		if len(raw) == 1 {
			return nil, nil
		}
		return append([]byte(nil), raw[1:]...), nil
	case codecSnappy:
		out, err := snappy.Decode(nil, raw[1:])
		if err != nil {
			return nil, fmt.Errorf("rediscoord: decode payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("rediscoord: unknown payload codec %d", raw[0])
	}
}
