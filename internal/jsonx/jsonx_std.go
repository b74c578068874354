//go:build nojsonsimd

// Package jsonx is the JSON codec for pool traffic. It uses sonic unless the
// nojsonsimd build tag selects encoding/json.
package jsonx

import stdjson "encoding/json"

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}
