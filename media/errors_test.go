// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		require.Nil(t, ClassifyError(nil))
	})

	for _, tc := range []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "permission denied",
			err:      errors.New("NotAllowedError: Permission denied"),
			expected: ErrorClassPermissionDenied,
		},
		{
			name:     "device not found",
			err:      errors.New("failed to find the best driver that fits the constraints"),
			expected: ErrorClassDeviceNotFound,
		},
		{
			name:     "device in use",
			err:      errors.New("open /dev/video0: device or resource busy"),
			expected: ErrorClassDeviceInUse,
		},
		{
			name:     "unsupported",
			err:      errors.New("OverconstrainedError: resolution not supported"),
			expected: ErrorClassUnsupported,
		},
		{
			name:     "network",
			err:      errors.New("dial tcp: connection refused"),
			expected: ErrorClassNetwork,
		},
		{
			name:     "system blocked",
			err:      errors.New("camera access disabled by policy"),
			expected: ErrorClassSystemBlocked,
		},
		{
			name:     "unknown",
			err:      errors.New("something else entirely"),
			expected: ErrorClassUnknown,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			devErr := ClassifyError(tc.err)
			require.NotNil(t, devErr)
			require.Equal(t, tc.expected, devErr.Class)
			require.NotEmpty(t, devErr.Remediation)
			require.ErrorIs(t, devErr, tc.err)

			// classification is deterministic
			require.Equal(t, devErr.Class, ClassifyError(tc.err).Class)
		})
	}

	t.Run("already classified passes through", func(t *testing.T) {
		devErr := ClassifyError(errors.New("NotAllowedError"))
		wrapped := fmt.Errorf("failed to acquire: %w", devErr)
		require.Same(t, devErr, ClassifyError(wrapped))
	})
}
