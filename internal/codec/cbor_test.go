// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hello struct {
	NodeID     string `cbor:"node_id"`
	LicenseKey string `cbor:"license_key"`
	Extra      []byte `cbor:"extra,omitempty"`
}

type hexHandle uint32

func (h hexHandle) MarshalText() ([]byte, error) { return []byte("1:a"), nil }

func (h *hexHandle) UnmarshalText(b []byte) error {
	if string(b) == "1:a" {
		*h = 0x1000a
	}
	return nil
}

func TestDeterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := Marshal(map[string]any{"node_id": "n1", "license_key": "k", "future": true})
	require.NoError(t, err)

	var h hello
	require.NoError(t, Unmarshal(data, &h))
	assert.Equal(t, "n1", h.NodeID)
}

func TestAnyDecodesStringMaps(t *testing.T) {
	data, err := Marshal(hello{NodeID: "n1"})
	require.NoError(t, err)

	var v any
	require.NoError(t, Unmarshal(data, &v))
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n1", m["node_id"])
}

func TestTextMarshalerAsString(t *testing.T) {
	data, err := Marshal(hexHandle(0x1000a))
	require.NoError(t, err)
	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Equal(t, `"1:a"`, diag)

	var h hexHandle
	require.NoError(t, Unmarshal(data, &h))
	assert.Equal(t, hexHandle(0x1000a), h)
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(hello{NodeID: "a"}))
	require.NoError(t, enc.Encode(hello{NodeID: "b"}))

	dec := NewDecoder(&buf)
	var h hello
	require.NoError(t, dec.Decode(&h))
	assert.Equal(t, "a", h.NodeID)
	require.NoError(t, dec.Decode(&h))
	assert.Equal(t, "b", h.NodeID)
}
