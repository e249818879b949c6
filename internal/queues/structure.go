// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package queues

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// TCHandle is a kernel traffic-control handle, major:minor.
type TCHandle uint32

// MakeHandle builds a handle from its parts.
func MakeHandle(major, minor uint16) TCHandle {
	return TCHandle(uint32(major)<<16 | uint32(minor))
}

func (h TCHandle) Major() uint16 { return uint16(h >> 16) }
func (h TCHandle) Minor() uint16 { return uint16(h) }

// String formats the handle as tc prints it, with hexadecimal parts.
func (h TCHandle) String() string {
	return fmt.Sprintf("%x:%x", h.Major(), h.Minor())
}

// MarshalText implements encoding.TextMarshaler.
func (h TCHandle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses "major:minor" with hexadecimal parts, as tc does.
func (h *TCHandle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses a tc handle string such as "1:2f".
func ParseHandle(s string) (TCHandle, error) {
	s = strings.TrimSpace(s)
	major, minor, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid tc handle %q: missing ':'", s)
	}
	maj, err := strconv.ParseUint(major, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid tc handle %q: %w", s, err)
	}
	var min uint64
	if minor != "" {
		min, err = strconv.ParseUint(minor, 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid tc handle %q: %w", s, err)
		}
	}
	return MakeHandle(uint16(maj), uint16(min)), nil
}

// Circuit maps a circuit to its download and upload classes.
type Circuit struct {
	CircuitID   string   `yaml:"circuit_id" json:"circuit_id"`
	CircuitName string   `yaml:"circuit_name,omitempty" json:"circuit_name,omitempty"`
	ParentNode  string   `yaml:"parent_node,omitempty" json:"parent_node,omitempty"`
	ClassID     TCHandle `yaml:"class_id" json:"class_id"`
	UpClassID   TCHandle `yaml:"up_class_id" json:"up_class_id"`
}

// Structure is an immutable snapshot of the shaping tree's circuits.
type Structure struct {
	circuits []Circuit
	byID     map[string]int
}

// NewStructure indexes circuits. Entries without a circuit ID are kept
// out of the index; the first occurrence of a duplicate ID wins.
func NewStructure(circuits []Circuit) *Structure {
	s := &Structure{
		circuits: circuits,
		byID:     make(map[string]int, len(circuits)),
	}
	for i, c := range circuits {
		if c.CircuitID == "" {
			continue
		}
		if _, dup := s.byID[c.CircuitID]; !dup {
			s.byID[c.CircuitID] = i
		}
	}
	return s
}

// Lookup finds a circuit by ID.
func (s *Structure) Lookup(circuitID string) (Circuit, bool) {
	if s == nil {
		return Circuit{}, false
	}
	i, ok := s.byID[circuitID]
	if !ok {
		return Circuit{}, false
	}
	return s.circuits[i], true
}

// Len returns the number of indexed circuits.
func (s *Structure) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byID)
}

// Circuits returns the indexed circuits in file order.
func (s *Structure) Circuits() []Circuit {
	if s == nil {
		return nil
	}
	out := make([]Circuit, 0, len(s.byID))
	for i, c := range s.circuits {
		if j, ok := s.byID[c.CircuitID]; ok && j == i {
			out = append(out, c)
		}
	}
	return out
}

type structureFile struct {
	Circuits []Circuit `yaml:"circuits"`
}

// ParseStructure decodes a YAML queue structure document.
func ParseStructure(data []byte) (*Structure, error) {
	var f structureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse queue structure: %w", err)
	}
	return NewStructure(f.Circuits), nil
}

// LoadStructure reads a YAML queue structure file.
func LoadStructure(path string) (*Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue structure: %w", err)
	}
	return ParseStructure(data)
}

// StructureStore holds the current Structure and lets it be replaced
// without blocking readers.
type StructureStore struct {
	current atomic.Pointer[Structure]
}

// NewStructureStore returns a store holding s (may be nil).
func NewStructureStore(s *Structure) *StructureStore {
	st := &StructureStore{}
	st.current.Store(s)
	return st
}

// Load returns the current snapshot, or nil if none has been loaded.
func (st *StructureStore) Load() *Structure { return st.current.Load() }

// Replace swaps in a new snapshot.
func (st *StructureStore) Replace(s *Structure) { st.current.Store(s) }

// Lookup resolves a circuit against the current snapshot.
func (st *StructureStore) Lookup(circuitID string) (Circuit, bool) {
	return st.current.Load().Lookup(circuitID)
}
