// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package queues

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandle(t *testing.T) {
	tests := []struct {
		in      string
		want    TCHandle
		wantErr bool
	}{
		{"1:2", MakeHandle(1, 2), false},
		{"1:a", MakeHandle(1, 10), false},
		{"ffff:", MakeHandle(0xffff, 0), false},
		{" 2:1f ", MakeHandle(2, 0x1f), false},
		{"12", 0, true},
		{"x:1", 0, true},
		{"1:zz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHandle(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "1:a", MakeHandle(1, 10).String())
}

const sampleStructure = `
circuits:
  - circuit_id: "c1"
    circuit_name: "Alice"
    parent_node: "AP-1"
    class_id: "1:10"
    up_class_id: "2:10"
  - circuit_id: "c2"
    class_id: "1:11"
    up_class_id: "2:11"
  - circuit_name: "no id"
    class_id: "1:12"
    up_class_id: "2:12"
`

func TestParseStructure(t *testing.T) {
	s, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	c, ok := s.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "Alice", c.CircuitName)
	assert.Equal(t, MakeHandle(1, 0x10), c.ClassID)
	assert.Equal(t, MakeHandle(2, 0x10), c.UpClassID)

	_, ok = s.Lookup("missing")
	assert.False(t, ok)

	circuits := s.Circuits()
	require.Len(t, circuits, 2)
	assert.Equal(t, "c1", circuits[0].CircuitID)
	assert.Equal(t, "c2", circuits[1].CircuitID)
}

func TestLoadStructure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_structure.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleStructure), 0o600))

	s, err := LoadStructure(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = ParseStructure([]byte("circuits:\n  - class_id: \"bogus\"\n"))
	assert.Error(t, err)
}

func TestStructureStore(t *testing.T) {
	st := NewStructureStore(nil)
	_, ok := st.Lookup("c1")
	assert.False(t, ok, "empty store resolves nothing")

	s, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)
	st.Replace(s)

	_, ok = st.Lookup("c1")
	assert.True(t, ok)
	assert.Same(t, s, st.Load())
}
