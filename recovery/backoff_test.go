// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Run("first attempt", func(t *testing.T) {
		require.Equal(t, time.Second, Backoff(0))
	})

	t.Run("doubles per attempt", func(t *testing.T) {
		require.Equal(t, 2*time.Second, Backoff(1))
		require.Equal(t, 4*time.Second, Backoff(2))
		require.Equal(t, 8*time.Second, Backoff(3))
		require.Equal(t, 16*time.Second, Backoff(4))
	})

	t.Run("capped", func(t *testing.T) {
		require.Equal(t, 30*time.Second, Backoff(5))
		require.Equal(t, 30*time.Second, Backoff(10))
		require.Equal(t, 30*time.Second, Backoff(63))
	})

	t.Run("non-decreasing and bounded", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 0; attempt <= 10; attempt++ {
			d := Backoff(attempt)
			require.GreaterOrEqual(t, d, prev)
			require.LessOrEqual(t, d, 30*time.Second)
			prev = d
		}
	})

	t.Run("negative attempt", func(t *testing.T) {
		require.Equal(t, time.Second, Backoff(-1))
	})
}
