// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package recovery

import (
	"time"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Backoff returns the wait before the given retry attempt. It doubles the
// base delay per attempt and caps at maxBackoff. Backoff(0) == baseBackoff;
// the controller skips the wait entirely ahead of a first attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}

	return d
}
