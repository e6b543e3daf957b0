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

package serialize

import (
	"math"
	"testing"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	enc, err := Encode(v)
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)
	return dec
}

func TestEncodeDecode_Primitives(t *testing.T) {
	assert.Equal(t, nil, roundTrip(t, nil))
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, "hello", roundTrip(t, "hello"))
	assert.Equal(t, 3.5, roundTrip(t, 3.5))
}

func TestEncodeDecode_Sequence(t *testing.T) {
	got := roundTrip(t, []any{1.0, "two", false, nil})
	assert.Equal(t, []any{1.0, "two", false, nil}, got)
}

func TestEncodeDecode_Mapping(t *testing.T) {
	got := roundTrip(t, map[string]any{"a": 1.0, "b": []any{"x", "y"}})
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{"x", "y"}}, got)
}

func TestEncodeDecode_Buffer(t *testing.T) {
	orig := Buffer([]byte{0x00, 0xFF, 0x10, 0x20})
	got := roundTrip(t, orig)
	assert.Equal(t, orig, got)
}

func TestEncodeDecode_Date(t *testing.T) {
	orig := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	got := roundTrip(t, orig)
	decoded, ok := got.(time.Time)
	require.True(t, ok)
	assert.True(t, orig.Equal(decoded))
}

func TestEncodeDecode_ErrorRecord(t *testing.T) {
	orig := ErrorRecord{Name: "ValidationError", Message: "bad input", Code: "VALIDATION_ERROR"}
	got := roundTrip(t, orig)
	assert.Equal(t, orig, got)
}

func TestEncodeDecode_Nested(t *testing.T) {
	orig := map[string]any{
		"items": []any{
			map[string]any{"buf": Buffer([]byte("hi"))},
		},
	}
	enc, err := Encode(orig)
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)

	m, ok := dec.(map[string]any)
	require.True(t, ok)
	items, ok := m["items"].([]any)
	require.True(t, ok)
	inner, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, Buffer([]byte("hi")), inner["buf"])
}

func TestEncode_CircularReferenceDetected(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	_, err := Encode(m)
	require.Error(t, err)

	var serErr *coreerrors.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Contains(t, serErr.Reason, "circular")
}

func TestEncode_NonFiniteNumberRejected(t *testing.T) {
	_, err := Encode(math.NaN())
	require.Error(t, err)

	_, err = Encode(math.Inf(1))
	require.Error(t, err)
}

func TestEncode_FunctionRejected(t *testing.T) {
	_, err := Encode(func() {})
	require.Error(t, err)

	var serErr *coreerrors.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Contains(t, serErr.Reason, "function")
}

func TestEncode_NonStringMapKeyRejected(t *testing.T) {
	_, err := Encode(map[int]string{1: "a"})
	require.Error(t, err)
}

func TestEncode_OpaqueStructRejected(t *testing.T) {
	type opaque struct{ X int }
	_, err := Encode(opaque{X: 1})
	require.Error(t, err)
}

func TestEncode_NilPointerIsNull(t *testing.T) {
	var p *int
	got, err := Encode(p)
	require.NoError(t, err)
	assert.Nil(t, got)
}
