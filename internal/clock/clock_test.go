// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewMockClock(start)
	assert.Equal(t, start, m.Now())

	m.Advance(11 * time.Second)
	assert.Equal(t, start.Add(11*time.Second), m.Now())

	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestOrReal(t *testing.T) {
	_, ok := OrReal(nil).(Real)
	assert.True(t, ok)

	m := NewMockClock(time.Time{})
	assert.Same(t, m, OrReal(m))
}
