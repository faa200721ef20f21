// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// emptyCanonical is the canonical form of absent metadata.
const emptyCanonical = "{}"

// Canonicalize produces the byte-stable JSON form of metadata.
//
// # Description
//
// Object keys are sorted at every depth; array order is preserved.
// The value is first round-tripped through JSON so structs, typed maps
// and nested values all reduce to the same generic shape. Numbers are
// decoded as json.Number and re-emitted verbatim, so integers beyond
// 2^53 are not rounded.
//
// # Inputs
//
//   - metadata: Arbitrary JSON-compatible object. nil and empty map both
//     canonicalize to "{}".
//
// # Outputs
//
//   - string: Canonical JSON.
//   - error: Non-nil if metadata cannot be marshaled.
func Canonicalize(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return emptyCanonical, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("canonicalize metadata: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes metadata that is already encoded.
//
// null and {} both canonicalize to "{}". A non-object top level value is
// rejected.
func CanonicalizeJSON(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyCanonical, nil
	}
	value, err := decodeJSON(trimmed)
	if err != nil {
		return "", fmt.Errorf("canonicalize metadata: %w", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return "", fmt.Errorf("canonicalize metadata: expected object, got %T", value)
	}
	if len(obj) == 0 {
		return emptyCanonical, nil
	}
	return encodeCanonical(obj)
}

// NormalizeMetadata returns the generic decoded form of metadata.
//
// Entries keep this form so that what is stored, returned and rehashed
// is independent of the caller's map.
func NormalizeMetadata(metadata map[string]any) (map[string]any, error) {
	canonical, err := Canonicalize(metadata)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata([]byte(canonical))
}

// DecodeMetadata decodes a stored metadata document.
func DecodeMetadata(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	value, err := decodeJSON(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode metadata: expected object, got %T", value)
	}
	return obj, nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// encodeCanonical relies on encoding/json emitting map keys in sorted
// order, which applies recursively to every nested map[string]any.
func encodeCanonical(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
