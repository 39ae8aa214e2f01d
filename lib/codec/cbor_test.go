// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleParams struct {
	ID        int64  `cbor:"id"`
	Name      string `cbor:"name,omitempty"`
	Timestamp string `cbor:"timestamp"`
}

func TestRoundTrip(t *testing.T) {
	in := sampleParams{ID: 42, Name: "/acme/dev1/status", Timestamp: "2026-08-01T12:00:00Z"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out sampleParams
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestDeterministic(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": true, "x": false}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same value produced different encodings")
	}
}

func TestAnyTargetMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"params": map[string]any{"value": "21.5"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := out["params"].(map[string]any); !ok {
		t.Fatalf("params decoded as %T, want map[string]any", out["params"])
	}
}

func TestIntegersDecodeSigned(t *testing.T) {
	data, err := Marshal(map[string]any{"relay": int64(2)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, ok := out["relay"].(int64); !ok || v != 2 {
		t.Fatalf("relay decoded as %T(%v), want int64(2)", out["relay"], out["relay"])
	}
}
