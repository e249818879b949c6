// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package flows

import (
	"context"
	stderrors "errors"

	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

// ConntrackSource is unavailable off Linux.
type ConntrackSource struct{}

// OpenConntrackSource always fails off Linux.
func OpenConntrackSource(_ *logging.Logger) (*ConntrackSource, error) {
	return nil, errors.Wrap(stderrors.ErrUnsupported, errors.KindConfiguration, "conntrack requires linux")
}

func (s *ConntrackSource) Read(context.Context) ([]RawFlow, error) {
	return nil, stderrors.ErrUnsupported
}

func (s *ConntrackSource) Close() error { return nil }
