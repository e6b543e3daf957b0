// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serialize implements the boundary serializer every value
// crossing a process boundary goes through: worker<->supervisor over the
// control channel (internal/wire) and client<->state-daemon over HTTP
// (internal/state).
//
// Supported values are null, bool, finite number, string, ordered
// sequence, string-keyed mapping, byte buffer, timestamp, and an error
// record. Encoding wraps buffers, timestamps, and errors in a tagged
// __type envelope so Decode can reconstruct the original Go type;
// everything else passes through encoding/json unchanged.
package serialize

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// wire type tags.
const (
	typeBuffer = "Buffer"
	typeDate   = "Date"
	typeError  = "Error"
)

// Buffer is a byte-buffer value. Encode wraps both a Buffer and a bare
// []byte in the Buffer envelope, and Decode always returns a Buffer.
type Buffer []byte

// ErrorRecord is the supported error value shape.
type ErrorRecord struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// wireBuffer / wireDate / wireError are the on-wire tagged envelopes.
type wireBuffer struct {
	Type string `json:"__type"`
	Data string `json:"data"`
}

type wireDate struct {
	Type string `json:"__type"`
	ISO  string `json:"iso"`
}

type wireError struct {
	Type    string `json:"__type"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Encode converts a supported Go value into its wire representation: a
// tree of map[string]any / []any / primitives suitable for
// encoding/json, with Buffer/time.Time/ErrorRecord wrapped in their
// tagged envelope. Encode rejects functions, channels, opaque struct
// types it doesn't recognize, non-string map keys, and circular
// references.
func Encode(v any) (any, error) {
	return encode(v, make(map[uintptr]bool), "root")
}

func encode(v any, seen map[uintptr]bool, path string) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch val := v.(type) {
	case bool, string:
		return val, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, nil
	case float32:
		return encodeFloat(float64(val), path)
	case float64:
		return encodeFloat(val, path)
	case Buffer:
		return wireBuffer{Type: typeBuffer, Data: base64.StdEncoding.EncodeToString(val)}, nil
	case []byte:
		return wireBuffer{Type: typeBuffer, Data: base64.StdEncoding.EncodeToString(val)}, nil
	case time.Time:
		return wireDate{Type: typeDate, ISO: val.UTC().Format(time.RFC3339Nano)}, nil
	case ErrorRecord:
		return wireError{Type: typeError, Name: val.Name, Message: val.Message, Stack: val.Stack, Code: val.Code}, nil
	case *ErrorRecord:
		if val == nil {
			return nil, nil
		}
		return wireError{Type: typeError, Name: val.Name, Message: val.Message, Stack: val.Stack, Code: val.Code}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
	}

	switch rv.Kind() {
	case reflect.Ptr:
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, &coreerrors.SerializationError{Path: path, Reason: "circular reference detected"}
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return encode(rv.Elem().Interface(), seen, path)

	case reflect.Slice, reflect.Array:
		ptr := uintptr(0)
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			ptr = rv.Pointer()
		}
		if ptr != 0 {
			if seen[ptr] {
				return nil, &coreerrors.SerializationError{Path: path, Reason: "circular reference detected"}
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encode(rv.Index(i).Interface(), seen, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &coreerrors.SerializationError{Path: path, Reason: "map keys must be strings"}
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, &coreerrors.SerializationError{Path: path, Reason: "circular reference detected"}
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			enc, err := encode(iter.Value().Interface(), seen, fmt.Sprintf("%s.%s", path, key))
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil

	case reflect.Struct:
		return nil, &coreerrors.SerializationError{Path: path, Reason: fmt.Sprintf("opaque struct type %s is not supported", rv.Type())}

	case reflect.Func:
		return nil, &coreerrors.SerializationError{Path: path, Reason: "functions cannot be serialized"}

	case reflect.Chan:
		return nil, &coreerrors.SerializationError{Path: path, Reason: "channels cannot be serialized"}

	default:
		return nil, &coreerrors.SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func encodeFloat(f float64, path string) (any, error) {
	if isNaNOrInf(f) {
		return nil, &coreerrors.SerializationError{Path: path, Reason: "non-finite number"}
	}
	return f, nil
}

func isNaNOrInf(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Decode converts a previously-Encoded wire value back into the
// canonical decoded shape: map[string]any, []any, primitives, plus
// Buffer / time.Time / ErrorRecord wherever a tagged envelope is found.
// decode(encode(x)) reconstructs a value semantically equal to x.
func Decode(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, int, int64:
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			dec, err := Decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		if tag, ok := val["__type"].(string); ok {
			return decodeTagged(tag, val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			dec, err := Decode(item)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case wireBuffer:
		return decodeTagged(typeBuffer, map[string]any{"data": val.Data})
	case wireDate:
		return decodeTagged(typeDate, map[string]any{"iso": val.ISO})
	case wireError:
		return decodeTagged(typeError, map[string]any{"name": val.Name, "message": val.Message, "stack": val.Stack, "code": val.Code})
	default:
		return nil, &coreerrors.SerializationError{Reason: fmt.Sprintf("cannot decode value of type %T", v)}
	}
}

func decodeTagged(tag string, m map[string]any) (any, error) {
	switch tag {
	case typeBuffer:
		data, _ := m["data"].(string)
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, &coreerrors.SerializationError{Reason: "invalid base64 buffer: " + err.Error()}
		}
		return Buffer(raw), nil
	case typeDate:
		iso, _ := m["iso"].(string)
		t, err := time.Parse(time.RFC3339Nano, iso)
		if err != nil {
			return nil, &coreerrors.SerializationError{Reason: "invalid RFC3339 timestamp: " + err.Error()}
		}
		return t, nil
	case typeError:
		rec := ErrorRecord{}
		if s, ok := m["name"].(string); ok {
			rec.Name = s
		}
		if s, ok := m["message"].(string); ok {
			rec.Message = s
		}
		if s, ok := m["stack"].(string); ok {
			rec.Stack = s
		}
		if s, ok := m["code"].(string); ok {
			rec.Code = s
		}
		return rec, nil
	default:
		return nil, &coreerrors.SerializationError{Reason: fmt.Sprintf("unknown wire type tag %q", tag)}
	}
}
