// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for structured data
// persisted in SQLite: permission lists, system/user attribute blobs,
// and message parameters. Core Deterministic Encoding (RFC 8949 §4.2)
// means the same logical value always produces identical bytes, which
// keeps stored blobs diffable and comparable.
//
// The live WebSocket protocol is JSON, not CBOR — browsers and
// embedded clients speak JSON. This package is for storage only.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding, no
// indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are silently ignored
// for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Attribute and parameter maps always use string keys. When
		// the decode target is any (map[string]any values), the CBOR
		// default map type map[interface{}]interface{} is useless to
		// encoding/json and the rest of the codebase, so force
		// map[string]any for any-typed targets.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),

		// Decode integers into any-typed targets as int64, not
		// uint64, so values survive a store/load round trip with the
		// type the rest of the codebase compares against.
		IntDec: cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
