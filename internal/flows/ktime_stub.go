// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package flows

import "time"

func ktimeNow() uint64 {
	return uint64(time.Now().UnixNano())
}
