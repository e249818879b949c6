// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package queues

import "errors"

// NetlinkReader is unavailable off Linux (Stub).
type NetlinkReader struct{}

// NewNetlinkReader returns a reader that always fails (Stub).
func NewNetlinkReader() ClassReader { return NetlinkReader{} }

// ReadClasses reports that class statistics are unsupported (Stub).
func (NetlinkReader) ReadClasses(string, []TCHandle) (map[TCHandle]ClassStats, error) {
	return nil, errors.ErrUnsupported
}
