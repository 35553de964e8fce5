// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig) *Monitor {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, log.Shutdown())
	})

	provider := &fakeStatsProvider{
		report:   webrtc.StatsReport{},
		iceState: webrtc.ICEConnectionStateConnected,
	}

	m, err := NewMonitor(log, cfg, provider, nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	return m
}

func TestMonitorConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg MonitorConfig
		cfg.SetDefaults()
		require.Equal(t, ModeInstant, cfg.Mode)
		require.Equal(t, DefaultInterval, cfg.Interval)
		require.Equal(t, DefaultHistorySize, cfg.HistorySize)
		require.NoError(t, cfg.IsValid())
	})

	t.Run("invalid mode", func(t *testing.T) {
		cfg := MonitorConfig{Mode: "averaged", Interval: time.Second, HistorySize: 10}
		require.Error(t, cfg.IsValid())
	})

	t.Run("invalid interval", func(t *testing.T) {
		cfg := MonitorConfig{Mode: ModeInstant, Interval: -time.Second, HistorySize: 10}
		require.Error(t, cfg.IsValid())
	})
}

func TestMonitor(t *testing.T) {
	t.Run("instant mode keeps only the latest", func(t *testing.T) {
		m := newTestMonitor(t, MonitorConfig{Mode: ModeInstant, Interval: 5 * time.Millisecond})
		m.Start()
		defer m.Stop()

		var received int
		timeout := time.After(2 * time.Second)
		for received < 3 {
			select {
			case _, ok := <-m.SamplesCh():
				require.True(t, ok)
				received++
			case <-timeout:
				require.FailNow(t, "timed out waiting for samples")
			}
		}

		latest, ok := m.Latest()
		require.True(t, ok)
		require.Equal(t, 100, latest.Score)

		history := m.History()
		require.Len(t, history, 1)
	})

	t.Run("history mode retains samples oldest first", func(t *testing.T) {
		m := newTestMonitor(t, MonitorConfig{Mode: ModeHistory, Interval: 5 * time.Millisecond, HistorySize: 4})
		m.Start()
		defer m.Stop()

		var received int
		timeout := time.After(2 * time.Second)
		for received < 3 {
			select {
			case _, ok := <-m.SamplesCh():
				require.True(t, ok)
				received++
			case <-timeout:
				require.FailNow(t, "timed out waiting for samples")
			}
		}
		m.Stop()

		history := m.History()
		require.NotEmpty(t, history)
		require.LessOrEqual(t, len(history), 4)
		for i := 1; i < len(history); i++ {
			require.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
		}

		latest, ok := m.Latest()
		require.True(t, ok)
		require.Equal(t, history[len(history)-1].ToSample(), latest)
	})

	t.Run("no samples before start", func(t *testing.T) {
		m := newTestMonitor(t, MonitorConfig{Mode: ModeInstant})
		_, ok := m.Latest()
		require.False(t, ok)
		require.Empty(t, m.History())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		m := newTestMonitor(t, MonitorConfig{Mode: ModeInstant, Interval: 5 * time.Millisecond})
		m.Start()
		m.Stop()
		m.Stop()

		_, ok := <-m.SamplesCh()
		require.False(t, ok)
	})
}
